package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"verigate/internal/domain"
	"verigate/internal/verification"
	"verigate/pkg/requestcontext"
)

// CoordinatorService is the transport's view of the verification coordinator.
type CoordinatorService interface {
	StartKYC(ctx context.Context, subjectID, returnURL string) (verification.KYCSession, error)
	StartLiveness(ctx context.Context, subjectID string) (verification.LivenessStart, error)
	Refresh(ctx context.Context, subjectID string) (domain.VerificationState, error)
	ContinueIfReady(ctx context.Context, subjectID, returnURL string) (verification.ContinueResult, error)
	ApplyKYCDecision(ctx context.Context, subjectID string, status domain.TrackStatus) (domain.VerificationState, error)
	State(ctx context.Context, subjectID string) (domain.VerificationState, error)
}

// StatusPoller is the transport's view of the poll-loop manager.
type StatusPoller interface {
	Start(subjectID string) *verification.PollHandle
	Stop(subjectID string)
}

// WebhookVerifier authenticates inbound provider callbacks.
type WebhookVerifier interface {
	VerifySignature(body []byte, provided string) bool
}

type VerificationHandler struct {
	coordinator CoordinatorService
	poller      StatusPoller
	webhook     WebhookVerifier
	log         *slog.Logger
}

func NewVerificationHandler(coordinator CoordinatorService, poller StatusPoller, webhook WebhookVerifier, log *slog.Logger) *VerificationHandler {
	return &VerificationHandler{coordinator: coordinator, poller: poller, webhook: webhook, log: log}
}

type startKYCRequest struct {
	ReturnURL string `json:"return_url"`
}

type kycSessionResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
	Provider   string `json:"provider"`
}

func (h *VerificationHandler) handleStartKYC(w http.ResponseWriter, r *http.Request) {
	var req startKYCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	subjectID := requestcontext.SubjectID(r.Context())

	session, err := h.coordinator.StartKYC(r.Context(), subjectID, req.ReturnURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kycSessionResponse{
		SessionID:  session.SessionID,
		SessionURL: session.SessionURL,
		Provider:   session.Provider,
	})
}

type statusResponse struct {
	KYCStatus      domain.TrackStatus `json:"kyc_status"`
	KYCProvider    string             `json:"kyc_provider,omitempty"`
	LivenessStatus domain.TrackStatus `json:"liveness_status"`
	VerifiedAt     *time.Time         `json:"verified_at,omitempty"`
}

func statusFrom(state domain.VerificationState) statusResponse {
	return statusResponse{
		KYCStatus:      state.KYCStatus,
		KYCProvider:    state.KYCProvider,
		LivenessStatus: state.LivenessStatus,
		VerifiedAt:     state.VerifiedAt,
	}
}

// handleKYCStatus returns the merged track statuses after an opportunistic
// refresh. A provider fetch failure degrades to the stored state instead of
// failing the read.
func (h *VerificationHandler) handleKYCStatus(w http.ResponseWriter, r *http.Request) {
	subjectID := requestcontext.SubjectID(r.Context())
	state, err := h.coordinator.Refresh(r.Context(), subjectID)
	if err != nil {
		h.log.WarnContext(r.Context(), "status refresh degraded", "subject_id", subjectID, "error", err)
	}
	writeJSON(w, http.StatusOK, statusFrom(state))
}

type livenessSessionResponse struct {
	SessionID   string                     `json:"session_id"`
	Credentials domain.ResolvedCredentials `json:"credentials"`
}

func (h *VerificationHandler) handleStartLiveness(w http.ResponseWriter, r *http.Request) {
	subjectID := requestcontext.SubjectID(r.Context())
	start, err := h.coordinator.StartLiveness(r.Context(), subjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, livenessSessionResponse{
		SessionID:   start.SessionID,
		Credentials: start.Credentials,
	})
}

type livenessResultResponse struct {
	Passed bool               `json:"passed"`
	Status domain.TrackStatus `json:"status"`
}

// handleLivenessResult is the widget-finished signal: it forces a fetch of the
// provider result and reports whether the track passed.
func (h *VerificationHandler) handleLivenessResult(w http.ResponseWriter, r *http.Request) {
	subjectID := requestcontext.SubjectID(r.Context())
	state, err := h.coordinator.Refresh(r.Context(), subjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, livenessResultResponse{
		Passed: state.LivenessStatus == domain.TrackApproved,
		Status: state.LivenessStatus,
	})
}

type continueRequest struct {
	ReturnURL string `json:"return_url"`
}

type continueResponse struct {
	Outcome        domain.ContinueOutcome `json:"outcome"`
	KYCStatus      domain.TrackStatus     `json:"kyc_status"`
	LivenessStatus domain.TrackStatus     `json:"liveness_status"`
	KYCSession     *kycSessionResponse    `json:"kyc_session,omitempty"`
}

// handleContinue is the return_url re-entry point. The poll loop is started
// (or joined) and its first refresh awaited so the continue decision is made
// against fresh provider state.
func (h *VerificationHandler) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	subjectID := requestcontext.SubjectID(r.Context())

	handle := h.poller.Start(subjectID)
	if err := handle.AwaitFirstRefresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.coordinator.ContinueIfReady(r.Context(), subjectID, req.ReturnURL)
	if err != nil && result.Outcome == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		h.log.WarnContext(r.Context(), "continue degraded", "subject_id", subjectID, "error", err)
	}
	if result.Outcome == domain.OutcomeAdvance {
		h.poller.Stop(subjectID)
	}

	resp := continueResponse{
		Outcome:        result.Outcome,
		KYCStatus:      result.State.KYCStatus,
		LivenessStatus: result.State.LivenessStatus,
	}
	if result.KYCSession != nil {
		resp.KYCSession = &kycSessionResponse{
			SessionID:  result.KYCSession.SessionID,
			SessionURL: result.KYCSession.SessionURL,
			Provider:   result.KYCSession.Provider,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// signatureHeaders are the header names the provider has shipped webhook
// signatures under.
var signatureHeaders = []string{"X-Hmac-Signature", "Vrf-Hmac-Signature", "X-Veriff-Signature"}

type webhookPayload struct {
	Verification struct {
		ID         string `json:"id"`
		VendorData string `json:"vendorData"`
		Status     string `json:"status"`
	} `json:"verification"`
}

// handleKYCWebhook applies a provider-pushed decision. The request is
// authenticated by its HMAC signature alone; an invalid or missing signature
// is a hard 401.
func (h *VerificationHandler) handleKYCWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	provided := ""
	for _, header := range signatureHeaders {
		if v := r.Header.Get(header); v != "" {
			provided = v
			break
		}
	}
	if provided == "" || !h.webhook.VerifySignature(body, provided) {
		h.log.WarnContext(r.Context(), "webhook signature rejected", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Verification.VendorData == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	status := verification.MapProviderDecision(payload.Verification.Status)
	state, err := h.coordinator.ApplyKYCDecision(r.Context(), payload.Verification.VendorData, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kyc_status": string(state.KYCStatus)})
}
