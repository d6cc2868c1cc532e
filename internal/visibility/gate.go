// Package visibility decides whether a profile may surface in the
// marketplace. The rule is deliberately a pure function of verification
// state so every caller reaches the same answer.
package visibility

import "verigate/internal/domain"

// Eligible reports whether the subject's profile may be shown. Both tracks
// must be approved; no other status combination qualifies.
func Eligible(state domain.VerificationState) bool {
	return state.KYCStatus == domain.TrackApproved && state.LivenessStatus == domain.TrackApproved
}
