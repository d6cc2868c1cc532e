package domain

import "time"

// ResolvedCredentials is the ephemeral, scoped token bundle a liveness
// session runs under. Exactly one bundle is resolved per session and reused
// for that session's entire lifetime; rotation mid-session is a correctness
// bug, so the bundle is frozen at session start.
type ResolvedCredentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expires         time.Time `json:"expires"`
	// Source names the exchange that produced the bundle ("ambient" or
	// "identity-pool"), for diagnostics only.
	Source string `json:"source"`
}

// Expired reports whether the bundle is past its expiry at the given time.
// A zero expiry means the provider did not bound the bundle.
func (c ResolvedCredentials) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}
