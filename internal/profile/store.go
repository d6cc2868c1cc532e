// Package profile persists the durable per-subject record: verification
// fields written by the coordinator and accepted reference-photo URLs written
// by the capture pipeline. Writes are partial by design so each pose survives
// independently and a partial pipeline survives a reload.
package profile

import (
	"context"

	"verigate/internal/domain"
)

// Record is the durable profile row this service owns fields on.
type Record struct {
	SubjectID    string
	Verification domain.VerificationState
	PoseURLs     map[domain.Pose]string
	AvatarURL    string
}

// Error Contract:
// - Get returns sentinel.ErrNotFound (wrapped) when the subject has no row.
// - Upserts create the row when missing; they never fail on absence.
// - Infrastructure failures are returned wrapped with context.
type Store interface {
	// Get returns the subject's record.
	Get(ctx context.Context, subjectID string) (Record, error)
	// UpsertVerification writes the verification-derived fields.
	UpsertVerification(ctx context.Context, state domain.VerificationState) error
	// SetPoseURL persists one accepted pose URL. Poses persist independently,
	// never batched.
	SetPoseURL(ctx context.Context, subjectID string, pose domain.Pose, url string) error
	// SetAvatarURL persists the derived avatar asset reference.
	SetAvatarURL(ctx context.Context, subjectID string, url string) error
}
