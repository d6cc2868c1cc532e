package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verigate/internal/audit"
	"verigate/internal/domain"
	"verigate/internal/profile"
	"verigate/pkg/platform/sentinel"
)

type fakeScanner struct {
	flagBytes func(image []byte) bool
	flagURL   func(url string) bool
	bytesErr  error
	urlErr    error
	urlCalls  int
}

func (f *fakeScanner) ScanBytes(_ context.Context, image []byte) (domain.ModerationVerdict, error) {
	if f.bytesErr != nil {
		return domain.ModerationVerdict{}, f.bytesErr
	}
	if f.flagBytes != nil && f.flagBytes(image) {
		return domain.ModerationVerdict{Flagged: true, Reason: "Explicit"}, nil
	}
	return domain.ModerationVerdict{}, nil
}

func (f *fakeScanner) ScanURL(_ context.Context, url string) (domain.ModerationVerdict, error) {
	f.urlCalls++
	if f.urlErr != nil {
		return domain.ModerationVerdict{}, f.urlErr
	}
	if f.flagURL != nil && f.flagURL(url) {
		return domain.ModerationVerdict{Flagged: true, Reason: "Explicit"}, nil
	}
	return domain.ModerationVerdict{}, nil
}

type fakeObjectStore struct {
	keys        []string
	conflictKey string
}

func (f *fakeObjectStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.conflictKey != "" && strings.Contains(key, f.conflictKey) {
		return "", fmt.Errorf("object exists: %w", sentinel.ErrConflict)
	}
	for _, existing := range f.keys {
		if existing == key {
			return "", fmt.Errorf("object %q exists: %w", key, sentinel.ErrConflict)
		}
	}
	f.keys = append(f.keys, key)
	return "https://cdn.test/" + key, nil
}

type fakeAvatarClient struct {
	url   string
	err   error
	calls int
}

func (f *fakeAvatarClient) Generate(_ context.Context, subjectID string, _ map[domain.Pose]string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.url + subjectID, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	scanner  *fakeScanner
	objects  *fakeObjectStore
	profiles profile.Store
	avatars  *fakeAvatarClient
	auditPub *audit.Publisher
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	scanner := &fakeScanner{}
	objects := &fakeObjectStore{}
	profiles := profile.NewInMemoryStore()
	avatars := &fakeAvatarClient{url: "https://avatars.test/"}
	auditPub := audit.NewPublisher(64, log)
	return &pipelineFixture{
		pipeline: NewPipeline(scanner, objects, profiles, avatars, auditPub, log),
		scanner:  scanner,
		objects:  objects,
		profiles: profiles,
		avatars:  avatars,
		auditPub: auditPub,
	}
}

func captureOf(pose domain.Pose) domain.Capture {
	return domain.Capture{Pose: pose, Bytes: []byte(pose), ContentType: "image/jpeg"}
}

func (f *pipelineFixture) captureAll(t *testing.T, sess *Session) {
	t.Helper()
	for _, pose := range domain.PoseOrder {
		require.NoError(t, sess.Record(captureOf(pose)))
	}
}

func (f *pipelineFixture) drainAudit() []audit.Event {
	var events []audit.Event
	for {
		select {
		case event := <-f.auditPub.Inbox():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestSessionCursorAdvancesInFixedOrder(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")

	assert.Equal(t, domain.PoseFront, sess.Cursor())
	require.NoError(t, sess.Record(captureOf(domain.PoseFront)))
	assert.Equal(t, domain.PoseLeft, sess.Cursor())
	require.NoError(t, sess.Record(captureOf(domain.PoseLeft)))
	assert.Equal(t, domain.PoseRight, sess.Cursor())
	require.NoError(t, sess.Record(captureOf(domain.PoseRight)))
	assert.Equal(t, domain.PoseRight, sess.Cursor())
}

func TestSessionRecaptureKeepsCursor(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")

	require.NoError(t, sess.Record(captureOf(domain.PoseFront)))
	require.NoError(t, sess.Record(captureOf(domain.PoseFront)))
	assert.Equal(t, domain.PoseLeft, sess.Cursor())
	assert.Equal(t, domain.PoseCaptured, sess.States()[domain.PoseFront])
}

func TestOpenIsIdempotentPerSubject(t *testing.T) {
	f := newPipelineFixture(t)
	assert.Same(t, f.pipeline.Open("subj-1"), f.pipeline.Open("subj-1"))
}

func TestUploadRequiresConsent(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")
	f.captureAll(t, sess)

	_, err := f.pipeline.Upload(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrConsentRequired)
	assert.Empty(t, f.objects.keys)
}

func TestUploadRequiresAllPoses(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	require.NoError(t, sess.Record(captureOf(domain.PoseFront)))

	_, err := f.pipeline.Upload(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrPosesIncomplete)
}

func TestUploadAcceptsAndPersistsEachPose(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	outcomes, err := f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for i, pose := range domain.PoseOrder {
		assert.Equal(t, pose, outcomes[i].Pose)
		assert.Equal(t, domain.PoseAccepted, outcomes[i].State)
		assert.NotEmpty(t, outcomes[i].URL)
	}

	rec, err := f.profiles.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Len(t, rec.PoseURLs, 3)
}

func TestUploadPreScanFlagRejectsWithoutStoring(t *testing.T) {
	f := newPipelineFixture(t)
	f.scanner.flagBytes = func(image []byte) bool { return string(image) == "left" }
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	outcomes, err := f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, domain.PoseAccepted, outcomes[0].State)
	assert.Equal(t, domain.PoseRejected, outcomes[1].State)
	require.NotNil(t, outcomes[1].Rejected)
	assert.Equal(t, "Explicit", outcomes[1].Rejected.Reason)
	assert.Equal(t, domain.PoseAccepted, outcomes[2].State)

	// Nothing was stored for the flagged pose.
	for _, key := range f.objects.keys {
		assert.NotContains(t, key, "left")
	}
}

func TestUploadPostScanFlagVoidsURL(t *testing.T) {
	f := newPipelineFixture(t)
	f.scanner.flagURL = func(url string) bool { return strings.Contains(url, "right") }
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	outcomes, err := f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, domain.PoseAccepted, outcomes[0].State)
	assert.Equal(t, domain.PoseAccepted, outcomes[1].State)
	assert.Equal(t, domain.PoseRejected, outcomes[2].State)
	assert.Empty(t, outcomes[2].URL)

	// Exactly the two clean poses reached the profile record.
	rec, err := f.profiles.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Len(t, rec.PoseURLs, 2)
	assert.NotContains(t, rec.PoseURLs, domain.PoseRight)

	// The orphaned object is recorded in the audit trail.
	var flagged *audit.Event
	for _, event := range f.drainAudit() {
		if event.Action == audit.ActionModerationVerdict && event.Pose == "right" {
			flagged = &event
			break
		}
	}
	require.NotNil(t, flagged)
	assert.True(t, flagged.Flagged)
	assert.Contains(t, flagged.Ref, "right")
}

func TestUploadKeyCollisionIsFatal(t *testing.T) {
	f := newPipelineFixture(t)
	f.objects.conflictKey = "left"
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	outcomes, err := f.pipeline.Upload(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	// The run stops at the colliding pose; the right pose never runs.
	require.Len(t, outcomes, 2)
	assert.Equal(t, domain.PoseAccepted, outcomes[0].State)
	assert.Equal(t, domain.PoseCaptured, outcomes[1].State)
}

func TestUploadRetrySkipsAcceptedPoses(t *testing.T) {
	f := newPipelineFixture(t)
	f.scanner.flagBytes = func(image []byte) bool { return string(image) == "right" }
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	_, err := f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	stored := len(f.objects.keys)

	// Recapture the rejected pose with clean bytes and retry.
	f.scanner.flagBytes = nil
	require.NoError(t, sess.Record(domain.Capture{Pose: domain.PoseRight, Bytes: []byte("right-retake")}))

	outcomes, err := f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PoseAccepted, outcomes[2].State)
	// Only the retried pose hit storage again.
	assert.Equal(t, stored+1, len(f.objects.keys))
}

func TestUploadRetryWithinSameSecondGetsFreshKeys(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.now = func() time.Time { return time.Unix(1756380000, 0) }
	f.scanner.urlErr = fmt.Errorf("scan service unavailable")
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	// First run stores all three objects, then the post-store scan fails
	// transiently, so every pose falls back to captured.
	outcomes, err := f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	for _, outcome := range outcomes {
		assert.Equal(t, domain.PoseCaptured, outcome.State)
	}
	require.Len(t, f.objects.keys, 3)

	// The immediate retry must not land on the orphans from the first
	// attempt even though the clock has not moved.
	f.scanner.urlErr = nil
	outcomes, err = f.pipeline.Upload(context.Background(), "subj-1")
	require.NoError(t, err)
	for _, outcome := range outcomes {
		assert.Equal(t, domain.PoseAccepted, outcome.State)
	}
	assert.Len(t, f.objects.keys, 6)
}

func TestCloseEndsSession(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	f.pipeline.Close("subj-1")
	_, err := f.pipeline.Upload(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	// A new open starts from a fresh cursor.
	assert.Equal(t, domain.PoseFront, f.pipeline.Open("subj-1").Cursor())
}

func TestGenerateAvatarRequiresAllPoseURLs(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.profiles.SetPoseURL(context.Background(), "subj-1", domain.PoseFront, "https://cdn.test/front"))

	_, err := f.pipeline.GenerateAvatar(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrPosesIncomplete)
	assert.Zero(t, f.avatars.calls)
}

func TestGenerateAvatarReRunsUploadForMissingPoses(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.pipeline.Open("subj-1")
	sess.RecordConsent()
	f.captureAll(t, sess)

	url, err := f.pipeline.GenerateAvatar(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "https://avatars.test/subj-1", url)
	assert.Equal(t, 1, f.avatars.calls)

	rec, err := f.profiles.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, url, rec.AvatarURL)
	assert.Len(t, rec.PoseURLs, 3)
}

func TestGenerateAvatarPersistsAssetReference(t *testing.T) {
	f := newPipelineFixture(t)
	for _, pose := range domain.PoseOrder {
		require.NoError(t, f.profiles.SetPoseURL(context.Background(), "subj-1", pose, "https://cdn.test/"+string(pose)))
	}

	url, err := f.pipeline.GenerateAvatar(context.Background(), "subj-1")
	require.NoError(t, err)

	rec, err := f.profiles.Get(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, url, rec.AvatarURL)
}

func TestGenerateAvatarUnconfigured(t *testing.T) {
	f := newPipelineFixture(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline := NewPipeline(f.scanner, f.objects, f.profiles, nil, audit.NewPublisher(8, log), log)

	_, err := pipeline.GenerateAvatar(context.Background(), "subj-1")
	assert.ErrorIs(t, err, sentinel.ErrNotConfigured)
}
