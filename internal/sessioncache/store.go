// Package sessioncache freezes the credential bundle resolved for a liveness
// session. The detection widget may ask for credentials more than once during
// a session; serving every ask from this cache guarantees the bundle stays
// stable for the session's entire lifetime.
package sessioncache

import (
	"context"
	"time"

	"verigate/internal/domain"
)

// Error Contract:
// - Get returns sentinel.ErrNotFound (wrapped) when no bundle exists for the
//   session, including after TTL expiry.
// - Infrastructure failures are returned wrapped with context.
type Store interface {
	// Put freezes the bundle under the session id. The TTL should match the
	// bundle expiry so an expired bundle is never served.
	Put(ctx context.Context, sessionID string, creds domain.ResolvedCredentials, ttl time.Duration) error
	// Get returns the frozen bundle for a live session.
	Get(ctx context.Context, sessionID string) (domain.ResolvedCredentials, error)
	// Delete drops the bundle when a session ends.
	Delete(ctx context.Context, sessionID string) error
}
