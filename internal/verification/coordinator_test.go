package verification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verigate/internal/audit"
	"verigate/internal/domain"
	"verigate/internal/profile"
	"verigate/internal/sessioncache"
	"verigate/pkg/platform/sentinel"
	"verigate/pkg/requestcontext"
)

type fakeKYCGateway struct {
	session    KYCSession
	startErr   error
	startCalls int

	decision    domain.TrackStatus
	decisionErr error
	fetchCalls  int
}

func (f *fakeKYCGateway) StartSession(_ context.Context, _, _ string) (KYCSession, error) {
	f.startCalls++
	return f.session, f.startErr
}

func (f *fakeKYCGateway) FetchDecision(_ context.Context, _ string) (domain.TrackStatus, error) {
	f.fetchCalls++
	return f.decision, f.decisionErr
}

type fakeLivenessGateway struct {
	sessionID   string
	createErr   error
	createCalls int

	result     LivenessResult
	resultErr  error
	fetchCalls int
}

func (f *fakeLivenessGateway) CreateSession(_ context.Context) (string, error) {
	f.createCalls++
	return f.sessionID, f.createErr
}

func (f *fakeLivenessGateway) FetchResult(_ context.Context, _ string) (LivenessResult, error) {
	f.fetchCalls++
	return f.result, f.resultErr
}

type fakeCredentialSource struct {
	creds domain.ResolvedCredentials
	err   error
	calls int
}

func (f *fakeCredentialSource) Resolve(_ context.Context) (domain.ResolvedCredentials, error) {
	f.calls++
	return f.creds, f.err
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       profile.Store
	kyc         *fakeKYCGateway
	liveness    *fakeLivenessGateway
	creds       *fakeCredentialSource
	sessions    sessioncache.Store
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kyc := &fakeKYCGateway{
		session: KYCSession{SessionID: "kyc-sess-1", SessionURL: "https://verify.example/s/1", Provider: "veriff"},
	}
	liveness := &fakeLivenessGateway{sessionID: "live-sess-1"}
	creds := &fakeCredentialSource{
		creds: domain.ResolvedCredentials{
			AccessKeyID: "AKIA-TEST",
			Source:      "ambient",
			Expires:     time.Now().Add(time.Hour),
		},
	}
	store := profile.NewInMemoryStore()
	sessions := sessioncache.NewInMemoryStore()
	return &coordinatorFixture{
		coordinator: NewCoordinator(store, kyc, liveness, creds, sessions, audit.NewPublisher(64, log), log),
		store:       store,
		kyc:         kyc,
		liveness:    liveness,
		creds:       creds,
		sessions:    sessions,
	}
}

func (f *coordinatorFixture) seed(t *testing.T, state domain.VerificationState) {
	t.Helper()
	require.NoError(t, f.store.UpsertVerification(context.Background(), state))
}

func TestStartKYCOpensSessionAndPersistsPending(t *testing.T) {
	f := newCoordinatorFixture(t)

	session, err := f.coordinator.StartKYC(context.Background(), "subj-1", "https://app.example/return")
	require.NoError(t, err)
	assert.Equal(t, "kyc-sess-1", session.SessionID)
	assert.Equal(t, "https://verify.example/s/1", session.SessionURL)

	rec, err := f.store.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackPending, rec.Verification.KYCStatus)
	assert.Equal(t, "veriff", rec.Verification.KYCProvider)
	assert.Equal(t, "kyc-sess-1", rec.Verification.KYCSessionRef)
}

func TestStartKYCApprovedIsSticky(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackApproved
	f.seed(t, state)

	_, err := f.coordinator.StartKYC(context.Background(), "subj-1", "")
	assert.ErrorIs(t, err, sentinel.ErrAlreadyApproved)
	assert.Zero(t, f.kyc.startCalls)
}

func TestStartKYCAfterRejectionResetsSessionFields(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackRejected
	state.KYCProvider = "veriff"
	state.KYCSessionRef = "stale-sess"
	f.seed(t, state)

	session, err := f.coordinator.StartKYC(context.Background(), "subj-1", "")
	require.NoError(t, err)
	assert.Equal(t, "kyc-sess-1", session.SessionID)

	rec, err := f.store.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackPending, rec.Verification.KYCStatus)
	assert.Equal(t, "kyc-sess-1", rec.Verification.KYCSessionRef)
}

func TestStartKYCWhilePendingRefused(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackPending
	state.KYCSessionRef = "open-sess"
	f.seed(t, state)

	_, err := f.coordinator.StartKYC(context.Background(), "subj-1", "")
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	assert.Zero(t, f.kyc.startCalls)
}

func TestStartLivenessFreezesCredentialBundle(t *testing.T) {
	f := newCoordinatorFixture(t)

	start, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "live-sess-1", start.SessionID)
	assert.Equal(t, "AKIA-TEST", start.Credentials.AccessKeyID)
	assert.Equal(t, 1, f.creds.calls)

	frozen, err := f.sessions.Get(context.Background(), "live-sess-1")
	require.NoError(t, err)
	assert.Equal(t, start.Credentials, frozen)

	rec, err := f.store.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackPending, rec.Verification.LivenessStatus)
	assert.Equal(t, "live-sess-1", rec.Verification.LivenessSessionID)
}

func TestStartLivenessReentryServesFrozenBundle(t *testing.T) {
	f := newCoordinatorFixture(t)

	first, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	require.NoError(t, err)

	second, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.liveness.createCalls)
	assert.Equal(t, 1, f.creds.calls)
}

func TestStartLivenessCredentialFailureBlocksOnlyLiveness(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.creds.err = sentinel.ErrExchangeFailed

	_, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrExchangeFailed)
	assert.Zero(t, f.liveness.createCalls)

	// The KYC track is untouched by the failed liveness start.
	_, err = f.coordinator.StartKYC(context.Background(), "subj-1", "")
	require.NoError(t, err)
}

func TestStartLivenessDisabledProvider(t *testing.T) {
	f := newCoordinatorFixture(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	disabled := NewCoordinator(f.store, f.kyc, nil, f.creds, f.sessions, audit.NewPublisher(8, log), log)

	_, err := disabled.StartLiveness(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrNotConfigured)
}

func TestRefreshAppliesKYCApprovalWithVerifiedAt(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackPending
	state.KYCSessionRef = "kyc-sess-1"
	f.seed(t, state)
	f.kyc.decision = domain.TrackApproved

	pinned := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), pinned)

	got, err := f.coordinator.Refresh(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackApproved, got.KYCStatus)
	require.NotNil(t, got.VerifiedAt)
	assert.Equal(t, pinned, *got.VerifiedAt)
}

func TestRefreshKYCRejectionClearsSessionFields(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackPending
	state.KYCProvider = "veriff"
	state.KYCSessionRef = "kyc-sess-1"
	f.seed(t, state)
	f.kyc.decision = domain.TrackRejected

	got, err := f.coordinator.Refresh(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackRejected, got.KYCStatus)
	assert.Empty(t, got.KYCSessionRef)
	assert.Empty(t, got.KYCProvider)
	assert.Nil(t, got.VerifiedAt)
}

func TestRefreshLivenessDecisionRejectionEndsSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	start, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	require.NoError(t, err)
	f.liveness.result = LivenessResult{Status: "SUCCEEDED", Score: 0.4, Passed: false}

	got, err := f.coordinator.Refresh(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackRejected, got.LivenessStatus)
	assert.Empty(t, got.LivenessSessionID)

	_, err = f.sessions.Get(context.Background(), start.SessionID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestRefreshLivenessTransportErrorLeavesPending(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	require.NoError(t, err)
	f.liveness.resultErr = errors.New("connection reset")

	got, err := f.coordinator.Refresh(context.Background(), "subj-1")
	assert.Error(t, err)
	assert.Equal(t, domain.TrackPending, got.LivenessStatus)
	assert.Equal(t, "live-sess-1", got.LivenessSessionID)
}

func TestRefreshLivenessPassMarksApproved(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coordinator.StartLiveness(context.Background(), "subj-1")
	require.NoError(t, err)
	f.liveness.result = LivenessResult{Status: "SUCCEEDED", Score: 0.97, Passed: true}

	got, err := f.coordinator.Refresh(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackApproved, got.LivenessStatus)
	// VerifiedAt belongs to the KYC track only.
	assert.Nil(t, got.VerifiedAt)
}

func TestRefreshSkipsTerminalTracks(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackApproved
	state.LivenessStatus = domain.TrackApproved
	f.seed(t, state)

	got, err := f.coordinator.Refresh(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackApproved, got.KYCStatus)
	assert.Zero(t, f.kyc.fetchCalls)
	assert.Zero(t, f.liveness.fetchCalls)
}

func TestApplyKYCDecisionStickyApproved(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackApproved
	f.seed(t, state)

	got, err := f.coordinator.ApplyKYCDecision(context.Background(), "subj-1", domain.TrackRejected)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackApproved, got.KYCStatus)
}

func TestApplyKYCDecisionRecordsRejection(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackPending
	state.KYCSessionRef = "kyc-sess-1"
	f.seed(t, state)

	got, err := f.coordinator.ApplyKYCDecision(context.Background(), "subj-1", domain.TrackRejected)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackRejected, got.KYCStatus)
	assert.Empty(t, got.KYCSessionRef)
}

func TestContinueIfReadyAdvancesWhenBothApproved(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackApproved
	state.LivenessStatus = domain.TrackApproved
	f.seed(t, state)

	res, err := f.coordinator.ContinueIfReady(context.Background(), "subj-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAdvance, res.Outcome)
	assert.Nil(t, res.KYCSession)
}

func TestContinueIfReadyAutoStartsKYCOnly(t *testing.T) {
	f := newCoordinatorFixture(t)

	res, err := f.coordinator.ContinueIfReady(context.Background(), "subj-1", "https://app.example/return")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAwaitingBoth, res.Outcome)
	require.NotNil(t, res.KYCSession)
	assert.Equal(t, "kyc-sess-1", res.KYCSession.SessionID)
	assert.Equal(t, 1, f.kyc.startCalls)
	// Liveness is never auto-started.
	assert.Zero(t, f.liveness.createCalls)
	assert.Equal(t, domain.TrackNotStarted, res.State.LivenessStatus)
}

func TestContinueIfReadyIdempotentWhilePending(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackPending
	state.KYCSessionRef = "kyc-sess-1"
	state.LivenessStatus = domain.TrackPending
	state.LivenessSessionID = "live-sess-1"
	f.seed(t, state)
	f.kyc.decision = domain.TrackPending
	f.liveness.result = LivenessResult{Status: "IN_PROGRESS"}

	for i := 0; i < 3; i++ {
		res, err := f.coordinator.ContinueIfReady(context.Background(), "subj-1", "")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeAwaitingBoth, res.Outcome)
		assert.Nil(t, res.KYCSession)
	}
	assert.Zero(t, f.kyc.startCalls)

	rec, err := f.store.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "kyc-sess-1", rec.Verification.KYCSessionRef)
	assert.Equal(t, "live-sess-1", rec.Verification.LivenessSessionID)
}

func TestContinueIfReadyReportsAwaitingLiveness(t *testing.T) {
	f := newCoordinatorFixture(t)
	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackApproved
	f.seed(t, state)

	res, err := f.coordinator.ContinueIfReady(context.Background(), "subj-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAwaitingLiveness, res.Outcome)
	assert.Zero(t, f.kyc.startCalls)
	assert.Zero(t, f.liveness.createCalls)
}

// ctxCheckKYCGateway refuses the provider round-trip when its context is
// already cancelled, the way a real HTTP client would.
type ctxCheckKYCGateway struct {
	fakeKYCGateway
}

func (g *ctxCheckKYCGateway) FetchDecision(ctx context.Context, ref string) (domain.TrackStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.fakeKYCGateway.FetchDecision(ctx, ref)
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	f := newCoordinatorFixture(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kyc := &ctxCheckKYCGateway{fakeKYCGateway: fakeKYCGateway{decision: domain.TrackApproved}}
	coordinator := NewCoordinator(f.store, kyc, f.liveness, f.creds, f.sessions, audit.NewPublisher(64, log), log)

	state := domain.NewVerificationState("subj-1")
	state.KYCStatus = domain.TrackPending
	state.KYCSessionRef = "kyc-sess-1"
	f.seed(t, state)

	// The first caller's request dies before the shared round-trip runs;
	// piggybacked refreshes must still get a decision.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := coordinator.Refresh(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackApproved, got.KYCStatus)
	assert.Equal(t, 1, kyc.fetchCalls)
}
