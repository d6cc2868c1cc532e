package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

const sessionKeyPrefix = "liveness:creds:"

// RedisStore is the deployment implementation: multiple instances share the
// frozen bundle, so a poll landing on another instance still sees the same
// credentials for the session.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed session cache.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, sessionID string, creds domain.ResolvedCredentials, ttl time.Duration) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sessionID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("freeze credentials for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (domain.ResolvedCredentials, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ResolvedCredentials{}, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("read credentials for session %s: %w", sessionID, err)
	}
	var creds domain.ResolvedCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete credentials for session %s: %w", sessionID, err)
	}
	return nil
}
