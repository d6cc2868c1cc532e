package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStampsIDAndTimestamp(t *testing.T) {
	pub := NewPublisher(4, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pub.Emit(Event{SubjectID: "subj-1", Action: ActionTrackTransition, Track: "kyc"})

	event := <-pub.Inbox()
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "subj-1", event.SubjectID)
}

func TestPublisherDropsWhenFull(t *testing.T) {
	pub := NewPublisher(1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pub.Emit(Event{SubjectID: "subj-1", Action: ActionTrackTransition})
	// Buffer is full; this must not block.
	pub.Emit(Event{SubjectID: "subj-2", Action: ActionTrackTransition})

	event := <-pub.Inbox()
	assert.Equal(t, "subj-1", event.SubjectID)
	select {
	case extra := <-pub.Inbox():
		t.Fatalf("expected dropped event, got %+v", extra)
	default:
	}
}

func TestWorkerPersistsEvents(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	worker := NewWorker(store, pub.Inbox(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	pub.Emit(Event{SubjectID: "subj-1", Action: ActionModerationVerdict, Pose: "front", Flagged: true})
	pub.Emit(Event{SubjectID: "subj-1", Action: ActionTrackTransition, Track: "kyc", From: "not_started", To: "pending"})
	pub.Emit(Event{SubjectID: "other", Action: ActionTrackTransition, Track: "liveness"})

	require.Eventually(t, func() bool {
		events, err := store.ListBySubject(context.Background(), "subj-1")
		return err == nil && len(events) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	events, err := store.ListBySubject(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, ActionModerationVerdict, events[0].Action)
	assert.True(t, events[0].Flagged)
	assert.Equal(t, "pending", events[1].To)
}
