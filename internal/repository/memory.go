package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/valora-session/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process fallback used when no database is
// configured. It is not shared across instances.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users         map[int64]domain.User
	sessions      map[string]domain.Session
	accounts      map[int64]domain.Account
	verifications map[int64]domain.Verification
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[int64]domain.User{},
		sessions:      map[string]domain.Session{},
		accounts:      map[int64]domain.Account{},
		verifications: map[int64]domain.Verification{},
	}
}

func (s *MemoryStore) Users() UserRepository                 { return memoryUsers{s} }
func (s *MemoryStore) Sessions() SessionRepository           { return memorySessions{s} }
func (s *MemoryStore) Accounts() AccountRepository           { return memoryAccounts{s} }
func (s *MemoryStore) Verifications() VerificationRepository { return memoryVerifications{s} }

// InTx serializes transactions and restores a snapshot when fn fails.
// Writes made outside InTx while a transaction is rolled back are lost.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	users, sessions, accounts, verifications := maps.Clone(s.users), maps.Clone(s.sessions), maps.Clone(s.accounts), maps.Clone(s.verifications)
	s.mu.Unlock()

	defer func() {
		p := recover()
		if err != nil || p != nil {
			s.mu.Lock()
			s.users, s.sessions, s.accounts, s.verifications = users, sessions, accounts, verifications
			s.mu.Unlock()
		}
		if p != nil {
			panic(p)
		}
	}()

	return fn(ctx, memoryTx{s})
}

// memoryTx is the Store handed to InTx callbacks; nested InTx calls join
// the running transaction.
type memoryTx struct{ *MemoryStore }

func (t memoryTx) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

type memoryUsers struct{ s *MemoryStore }

func (r memoryUsers) Create(_ context.Context, user domain.User) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	user.Email = domain.NormalizeEmail(user.Email)
	for _, existing := range r.s.users {
		if existing.Email == user.Email {
			return domain.User{}, fmt.Errorf("create user: %w", ErrDuplicate)
		}
	}
	if _, ok := r.s.users[user.ID]; ok {
		return domain.User{}, fmt.Errorf("create user: %w", ErrDuplicate)
	}
	r.s.users[user.ID] = user
	return user, nil
}

func (r memoryUsers) GetByID(_ context.Context, id int64) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return u, nil
}

func (r memoryUsers) GetByEmail(_ context.Context, email string) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email = domain.NormalizeEmail(email)
	for _, u := range r.s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("get user by email: %w", ErrNotFound)
}

func (r memoryUsers) Update(_ context.Context, id int64, patch domain.UserPatch, now time.Time) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("update user: %w", ErrNotFound)
	}
	patch.Apply(&u)
	for otherID, other := range r.s.users {
		if otherID != id && other.Email == u.Email {
			return domain.User{}, fmt.Errorf("update user: %w", ErrDuplicate)
		}
	}
	u.UpdatedAt = now
	r.s.users[id] = u
	return u, nil
}

func (r memoryUsers) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.users, id)
	for token, sess := range r.s.sessions {
		if sess.UserID == id {
			delete(r.s.sessions, token)
		}
	}
	for accountID, a := range r.s.accounts {
		if a.UserID == id {
			delete(r.s.accounts, accountID)
		}
	}
	return nil
}

type memorySessions struct{ s *MemoryStore }

func (r memorySessions) Create(_ context.Context, session domain.Session) (domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[session.UserID]; !ok {
		return domain.Session{}, fmt.Errorf("create session: user %d: %w", session.UserID, ErrNotFound)
	}
	if _, ok := r.s.sessions[session.Token]; ok {
		return domain.Session{}, fmt.Errorf("create session: %w", ErrDuplicate)
	}
	r.s.sessions[session.Token] = session
	return session, nil
}

func (r memorySessions) GetByToken(_ context.Context, token string) (domain.SessionWithUser, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[token]
	if !ok {
		return domain.SessionWithUser{}, fmt.Errorf("get session: %w", ErrNotFound)
	}
	u, ok := r.s.users[sess.UserID]
	if !ok {
		return domain.SessionWithUser{}, fmt.Errorf("get session: %w", ErrNotFound)
	}
	return domain.SessionWithUser{Session: sess, User: u}, nil
}

func (r memorySessions) GetByTokens(ctx context.Context, tokens []string) ([]domain.SessionWithUser, error) {
	var out []domain.SessionWithUser
	for _, token := range tokens {
		item, err := r.GetByToken(ctx, token)
		if err != nil {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt) })
	return out, nil
}

func (r memorySessions) ListByUser(_ context.Context, userID int64) ([]domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Session
	for _, sess := range r.s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memorySessions) Update(_ context.Context, token string, patch domain.SessionPatch, now time.Time) (domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[token]
	if !ok {
		return domain.Session{}, fmt.Errorf("update session: %w", ErrNotFound)
	}
	patch.Apply(&sess)
	sess.UpdatedAt = now
	r.s.sessions[token] = sess
	return sess, nil
}

func (r memorySessions) Delete(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, token)
	return nil
}

func (r memorySessions) DeleteByTokens(_ context.Context, tokens []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, token := range tokens {
		delete(r.s.sessions, token)
	}
	return nil
}

func (r memorySessions) DeleteByUser(_ context.Context, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for token, sess := range r.s.sessions {
		if sess.UserID == userID {
			delete(r.s.sessions, token)
		}
	}
	return nil
}

func (r memorySessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for token, sess := range r.s.sessions {
		if sess.Expired(now) {
			delete(r.s.sessions, token)
			n++
		}
	}
	return n, nil
}

type memoryAccounts struct{ s *MemoryStore }

func (r memoryAccounts) Create(_ context.Context, a domain.Account) (domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[a.UserID]; !ok {
		return domain.Account{}, fmt.Errorf("create account: user %d: %w", a.UserID, ErrNotFound)
	}
	for _, existing := range r.s.accounts {
		if existing.ProviderID == a.ProviderID && existing.AccountID == a.AccountID {
			return domain.Account{}, fmt.Errorf("create account: %w", ErrDuplicate)
		}
	}
	r.s.accounts[a.ID] = a
	return a, nil
}

func (r memoryAccounts) GetByProvider(_ context.Context, providerID, accountID string) (domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.ProviderID == providerID && a.AccountID == accountID {
			return a, nil
		}
	}
	return domain.Account{}, fmt.Errorf("get account: %w", ErrNotFound)
}

func (r memoryAccounts) ListByUser(_ context.Context, userID int64) ([]domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Account
	for _, a := range r.s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r memoryAccounts) Update(_ context.Context, a domain.Account) (domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.accounts[a.ID]
	if !ok {
		return domain.Account{}, fmt.Errorf("update account: %w", ErrNotFound)
	}
	current.AccessToken = a.AccessToken
	current.RefreshToken = a.RefreshToken
	current.IDToken = a.IDToken
	current.AccessTokenExpiresAt = a.AccessTokenExpiresAt
	current.RefreshTokenExpiresAt = a.RefreshTokenExpiresAt
	current.Scope = a.Scope
	current.Password = a.Password
	current.UpdatedAt = a.UpdatedAt
	r.s.accounts[a.ID] = current
	return current, nil
}

func (r memoryAccounts) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.accounts, id)
	return nil
}

type memoryVerifications struct{ s *MemoryStore }

func (r memoryVerifications) Create(_ context.Context, v domain.Verification) (domain.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.verifications[v.ID] = v
	return v, nil
}

func (r memoryVerifications) GetByIdentifier(_ context.Context, identifier string) (domain.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		found  domain.Verification
		exists bool
	)
	for _, v := range r.s.verifications {
		if v.Identifier != identifier {
			continue
		}
		if !exists || v.CreatedAt.After(found.CreatedAt) {
			found, exists = v, true
		}
	}
	if !exists {
		return domain.Verification{}, fmt.Errorf("get verification: %w", ErrNotFound)
	}
	return found, nil
}

func (r memoryVerifications) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.verifications, id)
	return nil
}

func (r memoryVerifications) Consume(_ context.Context, identifier string) (domain.Verification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		found  domain.Verification
		exists bool
	)
	for id, v := range r.s.verifications {
		if v.Identifier != identifier {
			continue
		}
		if !exists || v.CreatedAt.After(found.CreatedAt) {
			found, exists = v, true
		}
		delete(r.s.verifications, id)
	}
	if !exists {
		return domain.Verification{}, fmt.Errorf("consume verification: %w", ErrNotFound)
	}
	return found, nil
}

func (r memoryVerifications) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, v := range r.s.verifications {
		if v.Expired(now) {
			delete(r.s.verifications, id)
			n++
		}
	}
	return n, nil
}
