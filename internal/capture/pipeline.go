package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"verigate/internal/audit"
	"verigate/internal/domain"
	"verigate/internal/profile"
	"verigate/pkg/platform/sentinel"
	"verigate/pkg/requestcontext"
)

// Pipeline runs the reference-photo flow: it holds one capture session per
// subject, and on upload walks each pose through pre-store scan, conditional
// store, post-store scan, and incremental persistence. Only accepted URLs ever
// reach the profile record.
type Pipeline struct {
	scanner  Scanner
	objects  ObjectStore
	profiles profile.Store
	avatars  AvatarClient
	audit    *audit.Publisher
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPipeline wires the pipeline. avatars may be nil when no avatar service is
// configured; GenerateAvatar then refuses with ErrNotConfigured.
func NewPipeline(scanner Scanner, objects ObjectStore, profiles profile.Store, avatars AvatarClient, auditPub *audit.Publisher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		scanner:  scanner,
		objects:  objects,
		profiles: profiles,
		avatars:  avatars,
		audit:    auditPub,
		log:      log,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
}

// Session is one subject's camera session. Captures are previews held in
// memory; nothing durable happens until Upload.
type Session struct {
	subjectID string

	mu      sync.Mutex
	set     *domain.CaptureSet
	consent bool
	cancel  context.CancelFunc
}

// Open returns the subject's active capture session, creating one with the
// cursor on the front pose if none is open.
func (p *Pipeline) Open(subjectID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[subjectID]; ok {
		return sess
	}
	sess := &Session{subjectID: subjectID, set: domain.NewCaptureSet()}
	p.sessions[subjectID] = sess
	return sess
}

// Close ends the subject's capture session. Any in-flight upload run is
// cancelled; poses already accepted keep their persisted URLs.
func (p *Pipeline) Close(subjectID string) {
	p.mu.Lock()
	sess, ok := p.sessions[subjectID]
	delete(p.sessions, subjectID)
	p.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()
}

// RecordConsent marks the subject's storage consent on the session.
func (s *Session) RecordConsent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consent = true
}

// Record stores one capture. Capturing the pose under the cursor advances it;
// recapturing any other pose leaves the cursor alone.
func (s *Session) Record(capture domain.Capture) error {
	if !capture.Pose.Valid() {
		return fmt.Errorf("unknown pose %q", capture.Pose)
	}
	if len(capture.Bytes) == 0 {
		return errors.New("empty capture")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.Record(capture)
	return nil
}

// Cursor returns the pose the session currently expects.
func (s *Session) Cursor() domain.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Cursor
}

// States returns a snapshot of the per-pose pipeline states.
func (s *Session) States() map[domain.Pose]domain.PoseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Pose]domain.PoseState, len(s.set.States))
	for pose, state := range s.set.States {
		out[pose] = state
	}
	return out
}

// Upload runs the store pipeline for every non-accepted pose and returns a
// per-pose outcome slice, never a single boolean. A key collision is fatal and
// aborts the run; a moderation flag rejects only its own pose.
func (p *Pipeline) Upload(ctx context.Context, subjectID string) ([]domain.PoseOutcome, error) {
	if p.scanner == nil || p.objects == nil {
		return nil, fmt.Errorf("capture storage: %w", sentinel.ErrNotConfigured)
	}
	p.mu.Lock()
	sess, ok := p.sessions[subjectID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no open capture session: %w", sentinel.ErrNotFound)
	}

	sess.mu.Lock()
	if !sess.consent {
		sess.mu.Unlock()
		return nil, fmt.Errorf("upload refused: %w", sentinel.ErrConsentRequired)
	}
	if !sess.set.AllCaptured() {
		sess.mu.Unlock()
		return nil, fmt.Errorf("upload refused: %w", sentinel.ErrPosesIncomplete)
	}
	runCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	sess.mu.Unlock()
	defer cancel()

	outcomes := make([]domain.PoseOutcome, 0, len(domain.PoseOrder))
	for _, pose := range domain.PoseOrder {
		if err := runCtx.Err(); err != nil {
			return outcomes, err
		}
		sess.mu.Lock()
		state := sess.set.States[pose]
		capture := sess.set.Captures[pose]
		url := sess.set.URLs[pose]
		sess.mu.Unlock()

		if state == domain.PoseAccepted {
			outcomes = append(outcomes, domain.PoseOutcome{Pose: pose, State: state, URL: url})
			continue
		}

		outcome, fatal := p.uploadPose(runCtx, sess, pose, capture)
		outcomes = append(outcomes, outcome)
		if fatal != nil {
			return outcomes, fatal
		}
	}
	return outcomes, nil
}

func (p *Pipeline) uploadPose(ctx context.Context, sess *Session, pose domain.Pose, capture domain.Capture) (domain.PoseOutcome, error) {
	sess.setState(pose, domain.PoseUploading)

	verdict, err := p.scanner.ScanBytes(ctx, capture.Bytes)
	if err != nil {
		sess.setState(pose, domain.PoseCaptured)
		uploadsTotal.WithLabelValues(string(pose), "error").Inc()
		return domain.PoseOutcome{Pose: pose, State: domain.PoseCaptured, Err: err.Error()}, nil
	}
	if verdict.Flagged {
		sess.setState(pose, domain.PoseRejected)
		moderationFlaggedTotal.WithLabelValues("pre_store").Inc()
		uploadsTotal.WithLabelValues(string(pose), "rejected").Inc()
		p.emitVerdict(ctx, sess.subjectID, pose, verdict, "")
		return domain.PoseOutcome{Pose: pose, State: domain.PoseRejected, Rejected: &verdict}, nil
	}

	if err := ctx.Err(); err != nil {
		sess.setState(pose, domain.PoseCaptured)
		return domain.PoseOutcome{Pose: pose, State: domain.PoseCaptured, Err: err.Error()}, err
	}

	contentType := capture.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	url, err := p.objects.Put(ctx, PoseKey(sess.subjectID, pose, p.now()), capture.Bytes, contentType)
	if err != nil {
		sess.setState(pose, domain.PoseCaptured)
		if errors.Is(err, sentinel.ErrConflict) {
			uploadsTotal.WithLabelValues(string(pose), "conflict").Inc()
			return domain.PoseOutcome{Pose: pose, State: domain.PoseCaptured, Err: err.Error()}, err
		}
		uploadsTotal.WithLabelValues(string(pose), "error").Inc()
		return domain.PoseOutcome{Pose: pose, State: domain.PoseCaptured, Err: err.Error()}, nil
	}

	verdict, err = p.scanner.ScanURL(ctx, url)
	if err != nil {
		sess.setState(pose, domain.PoseCaptured)
		uploadsTotal.WithLabelValues(string(pose), "error").Inc()
		return domain.PoseOutcome{Pose: pose, State: domain.PoseCaptured, Err: err.Error()}, nil
	}
	if verdict.Flagged {
		// The stored object stays behind; the URL is void and never reaches
		// the profile record. The audit event is the pointer to the orphan.
		sess.setState(pose, domain.PoseRejected)
		moderationFlaggedTotal.WithLabelValues("post_store").Inc()
		uploadsTotal.WithLabelValues(string(pose), "rejected").Inc()
		p.emitVerdict(ctx, sess.subjectID, pose, verdict, url)
		return domain.PoseOutcome{Pose: pose, State: domain.PoseRejected, Rejected: &verdict}, nil
	}

	// Accepted-pose persistence completes even if the session is closed
	// mid-run; cancellation only stops poses that have not been accepted.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.profiles.SetPoseURL(persistCtx, sess.subjectID, pose, url); err != nil {
		sess.setState(pose, domain.PoseCaptured)
		uploadsTotal.WithLabelValues(string(pose), "error").Inc()
		return domain.PoseOutcome{Pose: pose, State: domain.PoseCaptured, Err: err.Error()}, nil
	}

	sess.mu.Lock()
	sess.set.States[pose] = domain.PoseAccepted
	sess.set.URLs[pose] = url
	sess.mu.Unlock()
	uploadsTotal.WithLabelValues(string(pose), "accepted").Inc()
	p.log.Info("pose accepted", "subject_id", sess.subjectID, "pose", pose)
	return domain.PoseOutcome{Pose: pose, State: domain.PoseAccepted, URL: url}, nil
}

func (p *Pipeline) emitVerdict(ctx context.Context, subjectID string, pose domain.Pose, verdict domain.ModerationVerdict, url string) {
	p.audit.Emit(audit.Event{
		SubjectID: subjectID,
		Action:    audit.ActionModerationVerdict,
		Pose:      string(pose),
		Flagged:   verdict.Flagged,
		Reason:    verdict.Reason,
		Ref:       url,
		RequestID: requestcontext.RequestID(ctx),
	})
}

func (s *Session) setState(pose domain.Pose, state domain.PoseState) {
	s.mu.Lock()
	s.set.States[pose] = state
	s.mu.Unlock()
}
