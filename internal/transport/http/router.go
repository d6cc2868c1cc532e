// Package httptransport is the thin HTTP layer. Handlers delegate to domain
// services and never embed business logic; the subject id always comes from
// the verified token and is passed explicitly into every service call.
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"verigate/internal/platform/middleware"
	"verigate/pkg/platform/sentinel"
)

// Deps carries everything the router wires together.
type Deps struct {
	Auth         *middleware.Authenticator
	Verification *VerificationHandler
	Capture      *CaptureHandler
	Profile      *ProfileHandler
	Logger       *slog.Logger
}

// NewRouter wires all endpoints. The webhook stays outside the auth group:
// the provider authenticates with an HMAC signature, not a bearer token.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestMeta)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/kyc/webhook", d.Verification.handleKYCWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(d.Auth, d.Logger))

		r.Post("/kyc/session", d.Verification.handleStartKYC)
		r.Get("/kyc/status", d.Verification.handleKYCStatus)
		r.Post("/liveness/session", d.Verification.handleStartLiveness)
		r.Post("/liveness/result", d.Verification.handleLivenessResult)
		r.Post("/verification/continue", d.Verification.handleContinue)

		r.Post("/capture/upload", d.Capture.handleUpload)
		r.Post("/capture/avatar", d.Capture.handleAvatar)

		r.Get("/profile/visibility", d.Profile.handleVisibility)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes sentinel-to-HTTP translation so every handler
// returns the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrAlreadyApproved):
		status = http.StatusConflict
	case errors.Is(err, sentinel.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, sentinel.ErrConsentRequired), errors.Is(err, sentinel.ErrPosesIncomplete), errors.Is(err, sentinel.ErrModerationRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, sentinel.ErrNotConfigured), errors.Is(err, sentinel.ErrUnconfigured), errors.Is(err, sentinel.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sentinel.ErrExchangeFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
