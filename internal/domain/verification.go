package domain

import "time"

// TrackStatus is the lifecycle of one verification track (KYC or liveness).
type TrackStatus string

const (
	TrackNotStarted TrackStatus = "not_started"
	TrackPending    TrackStatus = "pending"
	TrackApproved   TrackStatus = "approved"
	TrackRejected   TrackStatus = "rejected"
)

// Terminal reports whether the status forbids implicit transitions. Rejected
// is terminal for the session but not for the track: an explicit start may
// follow it.
func (s TrackStatus) Terminal() bool {
	return s == TrackApproved || s == TrackRejected
}

// Startable reports whether a new session may be opened for a track in this
// status. Approved is sticky; everything else may (re)start.
func (s TrackStatus) Startable() bool {
	return s != TrackApproved && s != TrackPending
}

// VerificationState is the per-subject record merged from both tracks. It is
// created on first entry to the verification step and mutated only by the
// coordinator and the KYC webhook.
type VerificationState struct {
	SubjectID string

	KYCStatus     TrackStatus
	KYCProvider   string
	KYCSessionRef string

	LivenessStatus    TrackStatus
	LivenessSessionID string

	VerifiedAt *time.Time
}

// NewVerificationState returns the zero state for a subject: both tracks
// not started. Absence of a stored row maps here, never to an error.
func NewVerificationState(subjectID string) VerificationState {
	return VerificationState{
		SubjectID:      subjectID,
		KYCStatus:      TrackNotStarted,
		LivenessStatus: TrackNotStarted,
	}
}

// ResetKYC clears the KYC track's session fields ahead of a restart.
func (v *VerificationState) ResetKYC() {
	v.KYCStatus = TrackNotStarted
	v.KYCProvider = ""
	v.KYCSessionRef = ""
}

// ResetLiveness clears the liveness track's session fields ahead of a restart.
func (v *VerificationState) ResetLiveness() {
	v.LivenessStatus = TrackNotStarted
	v.LivenessSessionID = ""
}

// ContinueOutcome is the boundary condition ContinueIfReady exposes upward.
type ContinueOutcome string

const (
	OutcomeAdvance          ContinueOutcome = "advance"
	OutcomeAwaitingKYC      ContinueOutcome = "awaiting-kyc"
	OutcomeAwaitingLiveness ContinueOutcome = "awaiting-liveness"
	OutcomeAwaitingBoth     ContinueOutcome = "awaiting-both"
)

// OutcomeFor derives the continue outcome from the two track statuses.
func OutcomeFor(state VerificationState) ContinueOutcome {
	kycDone := state.KYCStatus == TrackApproved
	liveDone := state.LivenessStatus == TrackApproved
	switch {
	case kycDone && liveDone:
		return OutcomeAdvance
	case kycDone:
		return OutcomeAwaitingLiveness
	case liveDone:
		return OutcomeAwaitingKYC
	default:
		return OutcomeAwaitingBoth
	}
}
