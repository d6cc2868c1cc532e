package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

// Scanner runs content moderation at the pipeline's two scan points. ScanBytes
// covers the pre-store check on raw capture bytes; ScanURL covers the
// post-store check on the stored object.
type Scanner interface {
	ScanBytes(ctx context.Context, image []byte) (domain.ModerationVerdict, error)
	ScanURL(ctx context.Context, url string) (domain.ModerationVerdict, error)
}

// ModerationAPI is the slice of the Rekognition client the scanner calls.
type ModerationAPI interface {
	DetectModerationLabels(ctx context.Context, params *rekognition.DetectModerationLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectModerationLabelsOutput, error)
}

// RekognitionScanner flags images carrying any moderation label at or above
// the configured confidence. Both scan points go through the same provider
// call: the URL scan fetches the object bytes itself so the provider never
// needs read access to the bucket.
type RekognitionScanner struct {
	api           ModerationAPI
	httpc         *http.Client
	minConfidence float32
	maxBytes      int64
	log           *slog.Logger
}

func NewRekognitionScanner(api ModerationAPI, minConfidence float32, maxBytes int64, log *slog.Logger) *RekognitionScanner {
	return &RekognitionScanner{
		api:           api,
		httpc:         &http.Client{},
		minConfidence: minConfidence,
		maxBytes:      maxBytes,
		log:           log,
	}
}

func (s *RekognitionScanner) ScanBytes(ctx context.Context, image []byte) (domain.ModerationVerdict, error) {
	if int64(len(image)) > s.maxBytes {
		return domain.ModerationVerdict{}, fmt.Errorf("image is %d bytes, provider limit is %d: %w", len(image), s.maxBytes, sentinel.ErrTooLarge)
	}
	out, err := s.api.DetectModerationLabels(ctx, &rekognition.DetectModerationLabelsInput{
		Image:         &types.Image{Bytes: image},
		MinConfidence: aws.Float32(s.minConfidence),
	})
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("detect moderation labels: %w", err)
	}
	// The provider already filters by MinConfidence: any returned label flags.
	if len(out.ModerationLabels) > 0 {
		reason := aws.ToString(out.ModerationLabels[0].Name)
		s.log.Info("moderation flagged image",
			"reason", reason, "confidence", aws.ToFloat32(out.ModerationLabels[0].Confidence))
		return domain.ModerationVerdict{Flagged: true, Reason: reason}, nil
	}
	return domain.ModerationVerdict{}, nil
}

func (s *RekognitionScanner) ScanURL(ctx context.Context, url string) (domain.ModerationVerdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("build object fetch: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("fetch stored object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.ModerationVerdict{}, fmt.Errorf("fetch stored object: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("read stored object: %w", err)
	}
	return s.ScanBytes(ctx, body)
}
