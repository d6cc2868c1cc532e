package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

// AvatarClient asks the avatar service to derive the subject's avatar asset
// from the three accepted reference photos.
type AvatarClient interface {
	Generate(ctx context.Context, subjectID string, poseURLs map[domain.Pose]string) (string, error)
}

// HTTPAvatarClient talks to the avatar service over its JSON API.
type HTTPAvatarClient struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

func NewHTTPAvatarClient(baseURL string, log *slog.Logger) *HTTPAvatarClient {
	return &HTTPAvatarClient{baseURL: baseURL, httpc: &http.Client{}, log: log}
}

func (c *HTTPAvatarClient) Generate(ctx context.Context, subjectID string, poseURLs map[domain.Pose]string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"subject_id": subjectID,
		"front_url":  poseURLs[domain.PoseFront],
		"left_url":   poseURLs[domain.PoseLeft],
		"right_url":  poseURLs[domain.PoseRight],
	})
	if err != nil {
		return "", fmt.Errorf("encode avatar request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/avatars", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build avatar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("avatar service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("avatar service returned status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode avatar response: %w", err)
	}
	if body.URL == "" {
		return "", errors.New("avatar service returned no url")
	}
	return body.URL, nil
}

// GenerateAvatar derives and persists the subject's avatar. Missing pose URLs
// trigger one upload re-run against the open capture session before the
// operation gives up with ErrPosesIncomplete.
func (p *Pipeline) GenerateAvatar(ctx context.Context, subjectID string) (string, error) {
	if p.avatars == nil {
		return "", fmt.Errorf("avatar service: %w", sentinel.ErrNotConfigured)
	}

	urls, err := p.acceptedURLs(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if len(urls) < len(domain.PoseOrder) {
		if _, err := p.Upload(ctx, subjectID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return "", err
		}
		urls, err = p.acceptedURLs(ctx, subjectID)
		if err != nil {
			return "", err
		}
		if len(urls) < len(domain.PoseOrder) {
			return "", fmt.Errorf("avatar needs all reference poses: %w", sentinel.ErrPosesIncomplete)
		}
	}

	url, err := p.avatars.Generate(ctx, subjectID, urls)
	if err != nil {
		return "", err
	}
	if err := p.profiles.SetAvatarURL(ctx, subjectID, url); err != nil {
		return "", fmt.Errorf("persist avatar url: %w", err)
	}
	p.log.Info("avatar generated", "subject_id", subjectID)
	return url, nil
}

func (p *Pipeline) acceptedURLs(ctx context.Context, subjectID string) (map[domain.Pose]string, error) {
	rec, err := p.profiles.Get(ctx, subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return map[domain.Pose]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	urls := make(map[domain.Pose]string, len(domain.PoseOrder))
	for pose, url := range rec.PoseURLs {
		if url != "" {
			urls[pose] = url
		}
	}
	return urls, nil
}
