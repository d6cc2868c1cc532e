package audit

import (
	"context"
	"time"
)

// Action names the orchestration fact an event records.
type Action string

const (
	ActionTrackTransition   Action = "track_transition"
	ActionModerationVerdict Action = "moderation_verdict"
	ActionWebhookDecision   Action = "webhook_decision"
)

// Event is emitted from domain logic to capture key verification and
// moderation facts. Keep it transport-agnostic so stores can fan out.
type Event struct {
	ID        string
	Timestamp time.Time
	SubjectID string
	Action    Action
	// Track is "kyc" or "liveness" for transitions, empty otherwise.
	Track string
	// Pose is set for moderation verdicts.
	Pose string
	// From/To carry the transition for track events.
	From string
	To   string
	// Flagged and Reason carry the verdict for moderation events.
	Flagged bool
	Reason  string
	// Ref points at the session or image URL the event concerns.
	Ref string
	// RequestID ties the event to the request that caused it, when one did.
	RequestID string
}

// Error Contract:
// - Append never fails on duplicates; events are append-only facts.
// - ListBySubject returns an empty slice, never an error, for unknown subjects.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subjectID string) ([]Event, error)
}
