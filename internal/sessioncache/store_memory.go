package sessioncache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

type memoryEntry struct {
	creds     domain.ResolvedCredentials
	expiresAt time.Time
}

// InMemoryStore holds frozen bundles in memory for tests/dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewInMemoryStore constructs an empty in-memory session cache.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *InMemoryStore) Put(_ context.Context, sessionID string, creds domain.ResolvedCredentials, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{creds: creds}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[sessionID] = entry
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (domain.ResolvedCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return domain.ResolvedCredentials{}, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		return domain.ResolvedCredentials{}, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	return entry.creds, nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}
