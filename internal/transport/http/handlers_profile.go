package httptransport

import (
	"errors"
	"log/slog"
	"net/http"

	"verigate/internal/domain"
	"verigate/internal/profile"
	"verigate/internal/visibility"
	"verigate/pkg/platform/sentinel"
	"verigate/pkg/requestcontext"
)

type ProfileHandler struct {
	profiles profile.Store
	log      *slog.Logger
}

func NewProfileHandler(profiles profile.Store, log *slog.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, log: log}
}

type visibilityResponse struct {
	Eligible       bool               `json:"eligible"`
	KYCStatus      domain.TrackStatus `json:"kyc_status"`
	LivenessStatus domain.TrackStatus `json:"liveness_status"`
}

// handleVisibility reports the marketplace eligibility decision. A subject
// with no stored record is simply not eligible, never an error.
func (h *ProfileHandler) handleVisibility(w http.ResponseWriter, r *http.Request) {
	subjectID := requestcontext.SubjectID(r.Context())

	state := domain.NewVerificationState(subjectID)
	rec, err := h.profiles.Get(r.Context(), subjectID)
	switch {
	case err == nil:
		state = rec.Verification
	case !errors.Is(err, sentinel.ErrNotFound):
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, visibilityResponse{
		Eligible:       visibility.Eligible(state),
		KYCStatus:      state.KYCStatus,
		LivenessStatus: state.LivenessStatus,
	})
}
