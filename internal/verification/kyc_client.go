package verification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"verigate/internal/domain"
	"verigate/internal/platform/config"
)

const kycProviderName = "veriff"

// KYCClient talks to the Veriff-wire-compatible verification API. Every
// request body is HMAC-SHA256-signed with the shared secret.
type KYCClient struct {
	baseURL      string
	apiKey       string
	sharedSecret string
	http         *http.Client
	log          *slog.Logger
}

// NewKYCClient builds the provider client from config.
func NewKYCClient(cfg config.KYCConfig, log *slog.Logger) *KYCClient {
	return &KYCClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		sharedSecret: cfg.SharedSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
		log:          log,
	}
}

type kycVerification struct {
	VendorData string `json:"vendorData"`
	Callback   string `json:"callback,omitempty"`
}

type kycCreateSessionBody struct {
	Verification kycVerification `json:"verification"`
}

// StartSession opens a verification session for the subject. The provider has
// shipped three response shapes over time; all are tolerated.
func (c *KYCClient) StartSession(ctx context.Context, subjectID, returnURL string) (KYCSession, error) {
	body, err := json.Marshal(kycCreateSessionBody{Verification: kycVerification{
		VendorData: subjectID,
		Callback:   returnURL,
	}})
	if err != nil {
		return KYCSession{}, &SessionError{Provider: kycProviderName, Op: "start", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return KYCSession{}, &SessionError{Provider: kycProviderName, Op: "start", Err: err}
	}
	req.Header.Set("x-auth-client", c.apiKey)
	req.Header.Set("x-hmac-signature", c.Sign(body))
	req.Header.Set("content-type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return KYCSession{}, &SessionError{Provider: kycProviderName, Op: "start", Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return KYCSession{}, &SessionError{Provider: kycProviderName, Op: "start", Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return KYCSession{}, &SessionError{Provider: kycProviderName, Op: "start",
			Err: fmt.Errorf("status %d: %s", res.StatusCode, truncate(payload, 256))}
	}

	session, err := parseKYCSession(payload)
	if err != nil {
		return KYCSession{}, &SessionError{Provider: kycProviderName, Op: "start", Err: err}
	}
	c.log.Info("kyc session created", "subject_id", subjectID, "session_id", session.SessionID)
	return session, nil
}

func parseKYCSession(payload []byte) (KYCSession, error) {
	var shape struct {
		Session *struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"session"`
		Verification *struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"verification"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return KYCSession{}, fmt.Errorf("decode response: %w", err)
	}
	switch {
	case shape.Session != nil && shape.Session.ID != "" && shape.Session.URL != "":
		return KYCSession{SessionID: shape.Session.ID, SessionURL: shape.Session.URL, Provider: kycProviderName}, nil
	case shape.Verification != nil && shape.Verification.ID != "" && shape.Verification.URL != "":
		return KYCSession{SessionID: shape.Verification.ID, SessionURL: shape.Verification.URL, Provider: kycProviderName}, nil
	case shape.URL != "":
		return KYCSession{SessionURL: shape.URL, Provider: kycProviderName}, nil
	default:
		return KYCSession{}, fmt.Errorf("unable to extract session id/url from provider response")
	}
}

// FetchDecision polls the session's decision and maps provider statuses onto
// track statuses: approved, declined->rejected, anything else pending.
func (c *KYCClient) FetchDecision(ctx context.Context, sessionID string) (domain.TrackStatus, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s/decision", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &SessionError{Provider: kycProviderName, Op: "decision", Err: err}
	}
	req.Header.Set("x-auth-client", c.apiKey)
	req.Header.Set("x-hmac-signature", c.Sign(nil))

	res, err := c.http.Do(req)
	if err != nil {
		return "", &SessionError{Provider: kycProviderName, Op: "decision", Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &SessionError{Provider: kycProviderName, Op: "decision", Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", &SessionError{Provider: kycProviderName, Op: "decision",
			Err: fmt.Errorf("status %d: %s", res.StatusCode, truncate(payload, 256))}
	}

	var shape struct {
		Decision *struct {
			Status string `json:"status"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return "", &SessionError{Provider: kycProviderName, Op: "decision", Err: fmt.Errorf("decode response: %w", err)}
	}
	status := ""
	if shape.Decision != nil {
		status = shape.Decision.Status
	}
	return MapProviderDecision(status), nil
}

// MapProviderDecision translates the provider's decision vocabulary onto
// track statuses. Unknown values stay pending rather than erroring: the
// provider adds interim statuses without notice.
func MapProviderDecision(status string) domain.TrackStatus {
	switch strings.ToLower(status) {
	case "approved":
		return domain.TrackApproved
	case "declined":
		return domain.TrackRejected
	default:
		return domain.TrackPending
	}
}

// Sign computes the hex HMAC-SHA256 of body under the shared secret. The
// webhook handler reuses it to authenticate inbound callbacks.
func (c *KYCClient) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.sharedSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound webhook signature in constant time.
func (c *KYCClient) VerifySignature(body []byte, provided string) bool {
	expected := c.Sign(body)
	return hmac.Equal([]byte(expected), []byte(provided))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
