package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/domain/oauth"
)

const stateIdentifierPrefix = "oauth-state:"

// VerificationStateStore keeps OAuth state as Verification rows keyed by
// the state nonce.
type VerificationStateStore struct {
	verifications VerificationRepository
	ids           *snowflake.Node
	now           func() time.Time
}

var _ OAuthStateStore = (*VerificationStateStore)(nil)

// NewVerificationStateStore builds a state store over verifications.
func NewVerificationStateStore(verifications VerificationRepository, ids *snowflake.Node, now func() time.Time) *VerificationStateStore {
	if now == nil {
		now = time.Now
	}
	return &VerificationStateStore{verifications: verifications, ids: ids, now: now}
}

func (s *VerificationStateStore) SaveState(ctx context.Context, key string, data oauth.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	now := s.now()
	_, err = s.verifications.Create(ctx, domain.Verification{
		ID:         s.ids.Generate().Int64(),
		Identifier: stateIdentifierPrefix + key,
		Value:      string(payload),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetState consumes the row in one statement so a state nonce is used once,
// even by concurrent callbacks.
func (s *VerificationStateStore) GetState(ctx context.Context, key string) (*oauth.OAuthState, error) {
	v, err := s.verifications.Consume(ctx, stateIdentifierPrefix+key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if v.Expired(s.now()) {
		return nil, nil
	}
	var state oauth.OAuthState
	if err := json.Unmarshal([]byte(v.Value), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

func (s *VerificationStateStore) DeleteState(ctx context.Context, key string) error {
	v, err := s.verifications.GetByIdentifier(ctx, stateIdentifierPrefix+key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete state: %w", err)
	}
	return s.verifications.Delete(ctx, v.ID)
}
