package httptransport

import (
	"io"
	"log/slog"
	"net/http"

	"verigate/internal/capture"
	"verigate/internal/domain"
	"verigate/pkg/requestcontext"
)

// maxUploadForm bounds the multipart form: three poses at the provider's
// 20 MB image limit, plus headroom for the form envelope.
const maxUploadForm = 64 << 20

type CaptureHandler struct {
	pipeline *capture.Pipeline
	log      *slog.Logger
}

func NewCaptureHandler(pipeline *capture.Pipeline, log *slog.Logger) *CaptureHandler {
	return &CaptureHandler{pipeline: pipeline, log: log}
}

type poseOutcomeResponse struct {
	Pose     domain.Pose      `json:"pose"`
	State    domain.PoseState `json:"state"`
	URL      string           `json:"url,omitempty"`
	Rejected *rejectedPose    `json:"rejected,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type rejectedPose struct {
	Reason string `json:"reason"`
}

// handleUpload feeds the posted pose images through the capture session and
// runs the store pipeline. Consent must be declared on the same request; the
// response is always per-pose, never a single boolean.
func (h *CaptureHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	subjectID := requestcontext.SubjectID(r.Context())

	if err := r.ParseMultipartForm(maxUploadForm); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	sess := h.pipeline.Open(subjectID)
	for _, pose := range domain.PoseOrder {
		file, header, err := r.FormFile(string(pose))
		if err != nil {
			continue
		}
		body, err := io.ReadAll(file)
		_ = file.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable image for pose " + string(pose)})
			return
		}
		if err := sess.Record(domain.Capture{
			Pose:        pose,
			Bytes:       body,
			ContentType: header.Header.Get("Content-Type"),
		}); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if r.FormValue("consent") == "true" {
		sess.RecordConsent()
	}

	outcomes, err := h.pipeline.Upload(r.Context(), subjectID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]poseOutcomeResponse, 0, len(outcomes))
	for _, outcome := range outcomes {
		item := poseOutcomeResponse{
			Pose:  outcome.Pose,
			State: outcome.State,
			URL:   outcome.URL,
			Error: outcome.Err,
		}
		if outcome.Rejected != nil {
			item.Rejected = &rejectedPose{Reason: outcome.Rejected.Reason}
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": resp})
}

func (h *CaptureHandler) handleAvatar(w http.ResponseWriter, r *http.Request) {
	subjectID := requestcontext.SubjectID(r.Context())
	url, err := h.pipeline.GenerateAvatar(r.Context(), subjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"avatar_url": url})
}
