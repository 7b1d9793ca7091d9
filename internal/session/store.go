package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/adapter/cache"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
)

// Store persists sessions to the primary store, to secondary storage, or
// to both. With secondary storage configured and StoreInDatabase off, the
// secondary copy is authoritative and the sessions table is never read.
type Store struct {
	primary         repository.Store
	secondary       cache.SecondaryStorage
	index           *ActiveSessionIndex
	storeInDatabase bool
	now             func() time.Time
	logger          *zap.Logger
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Secondary       cache.SecondaryStorage
	StoreInDatabase bool
	Now             func() time.Time
	Metrics         *metrics.Metrics
}

// NewStore builds a Store over primary and the optional secondary storage.
func NewStore(primary repository.Store, opts StoreOptions, logger *zap.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		primary:         primary,
		secondary:       opts.Secondary,
		storeInDatabase: opts.StoreInDatabase,
		now:             opts.Now,
		logger:          logger,
	}
	if s.secondary != nil {
		s.index = NewActiveSessionIndex(s.secondary, opts.Now, opts.Metrics)
	}
	return s
}

// Primary exposes the primary repositories.
func (s *Store) Primary() repository.Store { return s.primary }

func (s *Store) useDatabase() bool { return s.secondary == nil || s.storeInDatabase }

// CreateSession writes session, owned by user, to every configured backend.
func (s *Store) CreateSession(ctx context.Context, session domain.Session, user domain.User) (domain.Session, error) {
	if s.useDatabase() {
		created, err := s.primary.Sessions().Create(ctx, session)
		if err != nil {
			return domain.Session{}, err
		}
		session = created
	}
	if s.secondary != nil {
		if err := s.putSecondary(ctx, domain.SessionWithUser{Session: session, User: user}); err != nil {
			return domain.Session{}, err
		}
	}
	return session, nil
}

// FindSession returns nil, nil when no session holds token.
func (s *Store) FindSession(ctx context.Context, token string) (*domain.SessionWithUser, error) {
	if s.secondary != nil {
		found, err := s.getSecondary(ctx, token)
		if err != nil || found != nil {
			return found, err
		}
		if !s.storeInDatabase {
			return nil, nil
		}
	}
	found, err := s.primary.Sessions().GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &found, nil
}

// FindSessions resolves every token that still maps to a session.
func (s *Store) FindSessions(ctx context.Context, tokens []string) ([]domain.SessionWithUser, error) {
	if s.secondary != nil && !s.storeInDatabase {
		var out []domain.SessionWithUser
		for _, token := range tokens {
			found, err := s.getSecondary(ctx, token)
			if err != nil {
				return nil, err
			}
			if found != nil {
				out = append(out, *found)
			}
		}
		return out, nil
	}
	return s.primary.Sessions().GetByTokens(ctx, tokens)
}

// UpdateSession applies patch and returns the updated session, or nil when
// token is unknown.
func (s *Store) UpdateSession(ctx context.Context, token string, patch domain.SessionPatch) (*domain.Session, error) {
	now := s.now()
	var updated *domain.Session

	if s.secondary != nil {
		found, err := s.getSecondary(ctx, token)
		if err != nil {
			return nil, err
		}
		if found != nil {
			patch.Apply(&found.Session)
			found.Session.UpdatedAt = now
			if err := s.putSecondary(ctx, *found); err != nil {
				return nil, err
			}
			updated = &found.Session
		}
	}
	if s.useDatabase() {
		sess, err := s.primary.Sessions().Update(ctx, token, patch, now)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return updated, nil
			}
			return nil, err
		}
		updated = &sess
	}
	return updated, nil
}

// DeleteSession removes token from every backend.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if s.secondary != nil {
		found, err := s.getSecondary(ctx, token)
		if err != nil {
			return err
		}
		if err := s.secondary.Delete(ctx, token); err != nil {
			return fmt.Errorf("delete secondary session: %w", err)
		}
		if found != nil {
			if err := s.index.Remove(ctx, found.Session.UserID, token); err != nil {
				return err
			}
		}
	}
	if s.useDatabase() {
		return s.primary.Sessions().Delete(ctx, token)
	}
	return nil
}

// DeleteSessionsByTokens removes each token. Owners' indexes are updated.
func (s *Store) DeleteSessionsByTokens(ctx context.Context, tokens []string) error {
	if s.secondary != nil {
		for _, token := range tokens {
			if err := s.DeleteSession(ctx, token); err != nil {
				return err
			}
		}
		if !s.useDatabase() {
			return nil
		}
	}
	return s.primary.Sessions().DeleteByTokens(ctx, tokens)
}

// DeleteUserSessions removes every session of userID.
func (s *Store) DeleteUserSessions(ctx context.Context, userID int64) error {
	if s.secondary != nil {
		entries, err := s.index.Load(ctx, userID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.secondary.Delete(ctx, e.Token); err != nil {
				return fmt.Errorf("delete secondary session: %w", err)
			}
		}
		if err := s.index.Clear(ctx, userID); err != nil {
			return err
		}
	}
	if s.useDatabase() {
		return s.primary.Sessions().DeleteByUser(ctx, userID)
	}
	return nil
}

// ListSessions returns the unexpired sessions of userID.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]domain.Session, error) {
	now := s.now()
	var sessions []domain.Session

	if s.secondary != nil && !s.storeInDatabase {
		entries, err := s.index.Load(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			found, err := s.getSecondary(ctx, e.Token)
			if err != nil {
				return nil, err
			}
			if found != nil {
				sessions = append(sessions, found.Session)
			}
		}
	} else {
		all, err := s.primary.Sessions().ListByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		sessions = all
	}

	out := sessions[:0]
	for _, sess := range sessions {
		if !sess.Expired(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// DeleteUser removes userID with its sessions and accounts.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	if err := s.DeleteUserSessions(ctx, userID); err != nil {
		return err
	}
	return s.primary.Users().Delete(ctx, userID)
}

// SyncUser rewrites the user copy held by each secondary session payload.
func (s *Store) SyncUser(ctx context.Context, user domain.User) error {
	if s.secondary == nil {
		return nil
	}
	entries, err := s.index.Load(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		found, err := s.getSecondary(ctx, e.Token)
		if err != nil {
			return err
		}
		if found == nil {
			continue
		}
		found.User = user
		if err := s.putSecondary(ctx, *found); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpired removes expired rows from the sessions table. Secondary
// payloads expire through their TTL.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	if !s.useDatabase() {
		return 0, nil
	}
	return s.primary.Sessions().DeleteExpired(ctx, s.now())
}

func (s *Store) putSecondary(ctx context.Context, data domain.SessionWithUser) error {
	ttl := data.Session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		if err := s.secondary.Delete(ctx, data.Session.Token); err != nil {
			return fmt.Errorf("delete secondary session: %w", err)
		}
		return s.index.Remove(ctx, data.Session.UserID, data.Session.Token)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode secondary session: %w", err)
	}
	if err := s.secondary.Set(ctx, data.Session.Token, string(payload), ttl); err != nil {
		return fmt.Errorf("write secondary session: %w", err)
	}
	return s.index.Upsert(ctx, data.Session.UserID, data.Session.Token, data.Session.ExpiresAt)
}

func (s *Store) getSecondary(ctx context.Context, token string) (*domain.SessionWithUser, error) {
	raw, ok, err := s.secondary.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("read secondary session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var out domain.SessionWithUser
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log().Warn("discarding undecodable secondary session", zap.Error(err))
		return nil, nil
	}
	return &out, nil
}

func (s *Store) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
