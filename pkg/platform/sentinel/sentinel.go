package sentinel

import "errors"

// Sentinel errors for infrastructure and orchestration facts. Stores, provider
// clients, and pipeline stages return these (optionally wrapped) so callers can
// translate them into actionable user-facing messages.
//
// These represent factual states, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: write refused because the target already exists
// - ErrAlreadyApproved: track is terminal; starting a new session is refused
// - ErrUnconfigured: a required provider setting (pool id, bucket) is unset
// - ErrExchangeFailed: every configured credential exchange failed
// - ErrModerationRejected: a content scan flagged the image
// - ErrTooLarge: image exceeds the moderation provider's byte limit
// - ErrConsentRequired: upload attempted before consent was recorded
// - ErrPosesIncomplete: downstream operation requires all three accepted poses
// - ErrNotConfigured: the feature's provider is disabled or missing
// - ErrUnavailable: provider or resource temporarily unavailable
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAlreadyApproved    = errors.New("already approved")
	ErrUnconfigured       = errors.New("credential exchange unconfigured")
	ErrExchangeFailed     = errors.New("credential exchange failed")
	ErrModerationRejected = errors.New("moderation rejected")
	ErrTooLarge           = errors.New("image too large")
	ErrConsentRequired    = errors.New("consent not recorded")
	ErrPosesIncomplete    = errors.New("reference poses incomplete")
	ErrNotConfigured      = errors.New("provider not configured")
	ErrUnavailable        = errors.New("unavailable")
)
