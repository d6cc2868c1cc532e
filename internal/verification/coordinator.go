package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"verigate/internal/audit"
	"verigate/internal/domain"
	"verigate/internal/profile"
	"verigate/internal/sessioncache"
	"verigate/pkg/platform/sentinel"
	"verigate/pkg/requestcontext"
)

const (
	trackKYC      = "kyc"
	trackLiveness = "liveness"
)

// CredentialSource resolves the token bundle a liveness session is frozen to.
type CredentialSource interface {
	Resolve(ctx context.Context) (domain.ResolvedCredentials, error)
}

// LivenessStart is everything a caller needs to run the detection widget:
// the provider session and the frozen credential bundle it runs under.
type LivenessStart struct {
	SessionID   string
	Credentials domain.ResolvedCredentials
}

// ContinueResult reports where the subject stands after a continue attempt.
// KYCSession is non-nil only when the attempt auto-started the KYC track.
type ContinueResult struct {
	Outcome    domain.ContinueOutcome
	State      domain.VerificationState
	KYCSession *KYCSession
}

// Coordinator owns the per-subject verification state and is the only writer
// of its track fields besides the KYC webhook. It serializes mutating
// operations per subject per track and deduplicates concurrent refreshes.
type Coordinator struct {
	store    profile.Store
	kyc      KYCGateway
	liveness LivenessGateway
	creds    CredentialSource
	sessions sessioncache.Store
	audit    *audit.Publisher
	log      *slog.Logger

	refreshGroup singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewCoordinator wires the coordinator. liveness may be nil when the feature
// is disabled; the liveness operations then refuse with ErrNotConfigured.
func NewCoordinator(
	store profile.Store,
	kyc KYCGateway,
	liveness LivenessGateway,
	creds CredentialSource,
	sessions sessioncache.Store,
	auditPub *audit.Publisher,
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:    store,
		kyc:      kyc,
		liveness: liveness,
		creds:    creds,
		sessions: sessions,
		audit:    auditPub,
		log:      log,
		inflight: map[string]struct{}{},
	}
}

// StartKYC opens a document-verification session and moves the KYC track to
// pending. Approved is sticky; a rejected track has its session fields cleared
// before the new session is recorded.
func (c *Coordinator) StartKYC(ctx context.Context, subjectID, returnURL string) (KYCSession, error) {
	release, ok := c.acquire(subjectID, trackKYC)
	if !ok {
		return KYCSession{}, fmt.Errorf("kyc start already in flight for subject: %w", sentinel.ErrConflict)
	}
	defer release()

	state, err := c.state(ctx, subjectID)
	if err != nil {
		return KYCSession{}, err
	}
	if state.KYCStatus == domain.TrackApproved {
		return KYCSession{}, fmt.Errorf("kyc track: %w", sentinel.ErrAlreadyApproved)
	}
	if state.KYCStatus == domain.TrackPending {
		return KYCSession{}, fmt.Errorf("kyc session already open: %w", sentinel.ErrConflict)
	}
	from := state.KYCStatus
	if state.KYCStatus == domain.TrackRejected {
		state.ResetKYC()
	}

	session, err := c.kyc.StartSession(ctx, subjectID, returnURL)
	if err != nil {
		return KYCSession{}, err
	}

	state.KYCStatus = domain.TrackPending
	state.KYCProvider = session.Provider
	state.KYCSessionRef = session.SessionID
	if err := c.store.UpsertVerification(ctx, state); err != nil {
		return KYCSession{}, fmt.Errorf("persist kyc pending: %w", err)
	}

	sessionsStartedTotal.WithLabelValues(trackKYC).Inc()
	c.emitTransition(ctx, subjectID, trackKYC, from, domain.TrackPending, session.SessionID)
	c.log.Info("kyc session started", "subject_id", subjectID, "session_id", session.SessionID)
	return session, nil
}

// StartLiveness opens a face-liveness session, resolves the credential bundle
// the widget will run under, and freezes the bundle for the session lifetime.
// Re-entering a still-pending session returns the frozen bundle unchanged.
func (c *Coordinator) StartLiveness(ctx context.Context, subjectID string) (LivenessStart, error) {
	if c.liveness == nil {
		return LivenessStart{}, fmt.Errorf("liveness track: %w", sentinel.ErrNotConfigured)
	}
	release, ok := c.acquire(subjectID, trackLiveness)
	if !ok {
		return LivenessStart{}, fmt.Errorf("liveness start already in flight for subject: %w", sentinel.ErrConflict)
	}
	defer release()

	state, err := c.state(ctx, subjectID)
	if err != nil {
		return LivenessStart{}, err
	}
	if state.LivenessStatus == domain.TrackApproved {
		return LivenessStart{}, fmt.Errorf("liveness track: %w", sentinel.ErrAlreadyApproved)
	}
	if state.LivenessStatus == domain.TrackPending && state.LivenessSessionID != "" {
		frozen, err := c.sessions.Get(ctx, state.LivenessSessionID)
		if err == nil {
			return LivenessStart{SessionID: state.LivenessSessionID, Credentials: frozen}, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return LivenessStart{}, err
		}
		// Frozen bundle expired with the session; fall through and start fresh.
		state.ResetLiveness()
	}
	from := state.LivenessStatus
	if state.LivenessStatus == domain.TrackRejected {
		state.ResetLiveness()
	}

	creds, err := c.creds.Resolve(ctx)
	if err != nil {
		return LivenessStart{}, err
	}
	sessionID, err := c.liveness.CreateSession(ctx)
	if err != nil {
		return LivenessStart{}, err
	}
	ttl := time.Until(creds.Expires)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.sessions.Put(ctx, sessionID, creds, ttl); err != nil {
		return LivenessStart{}, fmt.Errorf("freeze session credentials: %w", err)
	}

	state.LivenessStatus = domain.TrackPending
	state.LivenessSessionID = sessionID
	if err := c.store.UpsertVerification(ctx, state); err != nil {
		return LivenessStart{}, fmt.Errorf("persist liveness pending: %w", err)
	}

	sessionsStartedTotal.WithLabelValues(trackLiveness).Inc()
	c.emitTransition(ctx, subjectID, trackLiveness, from, domain.TrackPending, sessionID)
	c.log.Info("liveness session started", "subject_id", subjectID, "session_id", sessionID)
	return LivenessStart{SessionID: sessionID, Credentials: creds}, nil
}

// Refresh fetches provider decisions for any pending track and applies them.
// Concurrent refreshes for a subject collapse into one provider round-trip.
// Provider fetch failures leave the affected track pending and are joined into
// the returned error; the returned state is always the persisted one.
func (c *Coordinator) Refresh(ctx context.Context, subjectID string) (domain.VerificationState, error) {
	type result struct {
		state domain.VerificationState
		err   error
	}
	// The shared round-trip must not die with whichever request happened to
	// arrive first; piggybacked callers would inherit its cancellation.
	sharedCtx := context.WithoutCancel(ctx)
	v, _, _ := c.refreshGroup.Do(subjectID, func() (any, error) {
		state, err := c.refreshOnce(sharedCtx, subjectID)
		return result{state: state, err: err}, nil
	})
	res := v.(result)
	return res.state, res.err
}

func (c *Coordinator) refreshOnce(ctx context.Context, subjectID string) (domain.VerificationState, error) {
	timer := prometheus.NewTimer(refreshDuration)
	defer timer.ObserveDuration()

	state, err := c.state(ctx, subjectID)
	if err != nil {
		return state, err
	}

	var fetchErrs []error
	changed := false

	if state.KYCStatus == domain.TrackPending && state.KYCSessionRef != "" {
		status, err := c.kyc.FetchDecision(ctx, state.KYCSessionRef)
		switch {
		case err != nil:
			refreshErrorsTotal.WithLabelValues(trackKYC).Inc()
			fetchErrs = append(fetchErrs, err)
		case status == domain.TrackApproved:
			c.applyKYC(ctx, &state, domain.TrackApproved)
			changed = true
		case status == domain.TrackRejected:
			c.applyKYC(ctx, &state, domain.TrackRejected)
			changed = true
		}
	}

	if c.liveness != nil && state.LivenessStatus == domain.TrackPending && state.LivenessSessionID != "" {
		result, err := c.liveness.FetchResult(ctx, state.LivenessSessionID)
		switch {
		case err != nil:
			refreshErrorsTotal.WithLabelValues(trackLiveness).Inc()
			fetchErrs = append(fetchErrs, err)
		case result.Passed:
			c.emitTransition(ctx, subjectID, trackLiveness, state.LivenessStatus, domain.TrackApproved, state.LivenessSessionID)
			state.LivenessStatus = domain.TrackApproved
			changed = true
		case result.Terminal():
			// A provider decision against the subject ends the session: drop the
			// session id and its frozen bundle so a restart opens a fresh one.
			c.emitTransition(ctx, subjectID, trackLiveness, state.LivenessStatus, domain.TrackRejected, state.LivenessSessionID)
			if err := c.sessions.Delete(ctx, state.LivenessSessionID); err != nil {
				c.log.Warn("drop frozen session credentials", "session_id", state.LivenessSessionID, "error", err)
			}
			state.LivenessStatus = domain.TrackRejected
			state.LivenessSessionID = ""
			changed = true
		}
	}

	if changed {
		if err := c.store.UpsertVerification(ctx, state); err != nil {
			return state, fmt.Errorf("persist refreshed state: %w", err)
		}
	}
	return state, errors.Join(fetchErrs...)
}

// ApplyKYCDecision records a provider-pushed decision (webhook path). The
// sticky-approved rule still holds: an approved track never downgrades.
func (c *Coordinator) ApplyKYCDecision(ctx context.Context, subjectID string, status domain.TrackStatus) (domain.VerificationState, error) {
	state, err := c.state(ctx, subjectID)
	if err != nil {
		return state, err
	}
	if state.KYCStatus == domain.TrackApproved || !status.Terminal() {
		return state, nil
	}
	c.audit.Emit(audit.Event{
		SubjectID: subjectID,
		Action:    audit.ActionWebhookDecision,
		Track:     trackKYC,
		From:      string(state.KYCStatus),
		To:        string(status),
		Ref:       state.KYCSessionRef,
		RequestID: requestcontext.RequestID(ctx),
	})
	c.applyKYC(ctx, &state, status)
	if err := c.store.UpsertVerification(ctx, state); err != nil {
		return state, fmt.Errorf("persist webhook decision: %w", err)
	}
	return state, nil
}

// ContinueIfReady refreshes both tracks and reports whether the subject may
// advance. It auto-starts KYC when neither track has been started; liveness is
// never auto-started, the widget is always user-initiated.
func (c *Coordinator) ContinueIfReady(ctx context.Context, subjectID, returnURL string) (ContinueResult, error) {
	state, refreshErr := c.Refresh(ctx, subjectID)

	outcome := domain.OutcomeFor(state)
	if outcome == domain.OutcomeAdvance {
		return ContinueResult{Outcome: outcome, State: state}, refreshErr
	}

	if state.KYCStatus == domain.TrackNotStarted && state.LivenessStatus == domain.TrackNotStarted {
		session, err := c.StartKYC(ctx, subjectID, returnURL)
		if err != nil {
			return ContinueResult{Outcome: outcome, State: state}, errors.Join(refreshErr, err)
		}
		state, err = c.state(ctx, subjectID)
		if err != nil {
			return ContinueResult{Outcome: outcome, State: state, KYCSession: &session}, errors.Join(refreshErr, err)
		}
		return ContinueResult{Outcome: domain.OutcomeFor(state), State: state, KYCSession: &session}, refreshErr
	}

	return ContinueResult{Outcome: outcome, State: state}, refreshErr
}

// State returns the subject's current verification state without touching
// providers. Absence of a stored record is the zero state, not an error.
func (c *Coordinator) State(ctx context.Context, subjectID string) (domain.VerificationState, error) {
	return c.state(ctx, subjectID)
}

// SessionCredentials serves the frozen bundle for a live liveness session.
func (c *Coordinator) SessionCredentials(ctx context.Context, sessionID string) (domain.ResolvedCredentials, error) {
	return c.sessions.Get(ctx, sessionID)
}

func (c *Coordinator) applyKYC(ctx context.Context, state *domain.VerificationState, status domain.TrackStatus) {
	from := state.KYCStatus
	ref := state.KYCSessionRef
	state.KYCStatus = status
	switch status {
	case domain.TrackApproved:
		if state.VerifiedAt == nil {
			at := requestcontext.Now(ctx)
			state.VerifiedAt = &at
		}
	case domain.TrackRejected:
		state.KYCProvider = ""
		state.KYCSessionRef = ""
	}
	if from != status {
		c.emitTransition(ctx, state.SubjectID, trackKYC, from, status, ref)
	}
}

func (c *Coordinator) state(ctx context.Context, subjectID string) (domain.VerificationState, error) {
	rec, err := c.store.Get(ctx, subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return domain.NewVerificationState(subjectID), nil
	}
	if err != nil {
		return domain.VerificationState{}, fmt.Errorf("load verification state: %w", err)
	}
	return rec.Verification, nil
}

func (c *Coordinator) emitTransition(ctx context.Context, subjectID, track string, from, to domain.TrackStatus, ref string) {
	transitionsTotal.WithLabelValues(track, string(to)).Inc()
	c.audit.Emit(audit.Event{
		SubjectID: subjectID,
		Action:    audit.ActionTrackTransition,
		Track:     track,
		From:      string(from),
		To:        string(to),
		Ref:       ref,
		RequestID: requestcontext.RequestID(ctx),
	})
}

func (c *Coordinator) acquire(subjectID, track string) (func(), bool) {
	key := subjectID + "/" + track
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return nil, false
	}
	c.inflight[key] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}, true
}
