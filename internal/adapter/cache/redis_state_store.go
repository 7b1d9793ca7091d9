package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-session/internal/domain/oauth"
	"github.com/smallbiznis/valora-session/internal/repository"
)

const stateKeySpace = "oauth-state:"

// RedisStateStore keeps OAuth flow state in Redis for the "secondary"
// state strategy. Records are consumed atomically with GETDEL.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore stores state under prefix + "oauth-state:" + nonce.
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix + stateKeySpace}
}

func (s *RedisStateStore) key(nonce string) string {
	return s.prefix + nonce
}

// SaveState writes data with a TTL no longer than the record's own expiry.
func (s *RedisStateStore) SaveState(ctx context.Context, nonce string, data oauth.OAuthState, ttl time.Duration) error {
	if !data.ExpiresAt.IsZero() {
		if remaining := time.Until(data.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return fmt.Errorf("save oauth state: %w", oauth.ErrInvalidState)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode oauth state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(nonce), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// GetState returns nil, nil for an unknown or already consumed nonce.
func (s *RedisStateStore) GetState(ctx context.Context, nonce string) (*oauth.OAuthState, error) {
	raw, err := s.client.GetDel(ctx, s.key(nonce)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}

	var state oauth.OAuthState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	return &state, nil
}

func (s *RedisStateStore) DeleteState(ctx context.Context, nonce string) error {
	err := s.client.Del(ctx, s.key(nonce)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete oauth state: %w", err)
	}
	return nil
}
