package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/domain/oauth"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("repository: duplicate")
)

// UserRepository persists users.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) (domain.User, error)
	GetByID(ctx context.Context, id int64) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	Update(ctx context.Context, id int64, patch domain.UserPatch, now time.Time) (domain.User, error)
	// Delete removes the user together with its sessions and accounts.
	Delete(ctx context.Context, id int64) error
}

// SessionRepository persists sessions in the primary store.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	GetByToken(ctx context.Context, token string) (domain.SessionWithUser, error)
	GetByTokens(ctx context.Context, tokens []string) ([]domain.SessionWithUser, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Session, error)
	Update(ctx context.Context, token string, patch domain.SessionPatch, now time.Time) (domain.Session, error)
	Delete(ctx context.Context, token string) error
	DeleteByTokens(ctx context.Context, tokens []string) error
	DeleteByUser(ctx context.Context, userID int64) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AccountRepository persists provider accounts.
type AccountRepository interface {
	Create(ctx context.Context, account domain.Account) (domain.Account, error)
	GetByProvider(ctx context.Context, providerID, accountID string) (domain.Account, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Account, error)
	// Update rewrites the token, password and scope columns of account.
	Update(ctx context.Context, account domain.Account) (domain.Account, error)
	Delete(ctx context.Context, id int64) error
}

// VerificationRepository persists single-use verification values.
type VerificationRepository interface {
	Create(ctx context.Context, v domain.Verification) (domain.Verification, error)
	// GetByIdentifier returns the most recent value for identifier.
	GetByIdentifier(ctx context.Context, identifier string) (domain.Verification, error)
	Delete(ctx context.Context, id int64) error
	// Consume deletes every value for identifier and returns the most
	// recent one. Only one of several concurrent callers gets a value; the
	// others see ErrNotFound.
	Consume(ctx context.Context, identifier string) (domain.Verification, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store groups the primary repositories and runs multi-row writes
// atomically.
type Store interface {
	Users() UserRepository
	Sessions() SessionRepository
	Accounts() AccountRepository
	Verifications() VerificationRepository
	// InTx runs fn against a Store bound to one transaction. fn's error
	// rolls every write back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// OAuthStateStore persists short-lived authorization state keyed by the
// state nonce.
type OAuthStateStore interface {
	SaveState(ctx context.Context, key string, data oauth.OAuthState, ttl time.Duration) error
	// GetState returns nil, nil when the key is absent.
	GetState(ctx context.Context, key string) (*oauth.OAuthState, error)
	DeleteState(ctx context.Context, key string) error
}
