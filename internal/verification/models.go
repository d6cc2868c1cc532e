package verification

import (
	"context"
	"fmt"

	"verigate/internal/domain"
)

// KYCSession is what the document-verification provider hands back when a
// session is opened. SessionURL is the external page the subject is redirected
// to; the orchestrator only produces the URL, it never manages the redirect.
type KYCSession struct {
	SessionID  string
	SessionURL string
	Provider   string
}

// LivenessResult is the outcome of one liveness session as last reported by
// the provider. Passed implies Terminal; the reverse does not hold.
type LivenessResult struct {
	Status string
	Score  float32
	Passed bool
}

// Terminal reports whether the provider session can no longer change.
func (r LivenessResult) Terminal() bool {
	switch r.Status {
	case "SUCCEEDED", "FAILED", "EXPIRED":
		return true
	}
	return false
}

// KYCGateway is the document-verification provider boundary. No retries live
// here; retry policy belongs to the coordinator.
type KYCGateway interface {
	StartSession(ctx context.Context, subjectID, returnURL string) (KYCSession, error)
	FetchDecision(ctx context.Context, sessionID string) (domain.TrackStatus, error)
}

// LivenessGateway is the face-liveness provider boundary. CreateSession must
// return a fresh provider session every call; sessions are never reused.
type LivenessGateway interface {
	CreateSession(ctx context.Context) (string, error)
	FetchResult(ctx context.Context, sessionID string) (LivenessResult, error)
}

// SessionError wraps a provider failure with enough context for an actionable
// message: which provider, which operation.
type SessionError struct {
	Provider string
	Op       string
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
