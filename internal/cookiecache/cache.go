// Package cookiecache keeps a tamper-evident snapshot of the session and
// user in a cookie so most requests skip the session store.
package cookiecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/crypto"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/jwt"
)

// RefreshCacheUpdateAgeRatio is the share of MaxAge used as the refresh
// threshold when UpdateAge is not configured.
const RefreshCacheUpdateAgeRatio = 0.2

const defaultVersion = "1"

var errInvalidPayload = errors.New("cookiecache: invalid payload")

// Snapshot is the cached, non-authoritative copy of a session.
type Snapshot struct {
	Session   domain.Session `json:"session"`
	User      domain.User    `json:"user"`
	UpdatedAt int64          `json:"updatedAt"`
	Version   string         `json:"version"`
}

// SessionWithUser returns the snapshot as a session/user pair.
func (s Snapshot) SessionWithUser() domain.SessionWithUser {
	return domain.SessionWithUser{Session: s.Session, User: s.User}
}

// Result is a successfully decoded cache entry.
type Result struct {
	Snapshot  Snapshot
	ExpiresAt time.Time
	Refreshed bool
}

// Options configures the cache.
type Options struct {
	Enabled  bool
	Strategy string
	MaxAge   time.Duration
	// UpdateAge is the remaining-lifetime threshold under which a cached
	// entry is re-issued. Zero means RefreshCacheUpdateAgeRatio * MaxAge.
	UpdateAge time.Duration
	Refresh   bool
	Version   string
	// VersionFunc, when set, computes the expected version per entry.
	VersionFunc func(domain.Session, domain.User) string
	Now         func() time.Time
}

// OptionsFromConfig maps the cookie cache configuration to Options.
func OptionsFromConfig(cfg config.CookieCacheConfig) Options {
	return Options{
		Enabled:   cfg.Enabled,
		Strategy:  cfg.Strategy,
		MaxAge:    cfg.MaxAge,
		UpdateAge: cfg.UpdateAge,
		Refresh:   cfg.Refresh,
		Version:   cfg.Version,
	}
}

type strategy interface {
	encode(snap Snapshot, issuedAt, expiresAt time.Time) (string, error)
	decode(value string, now time.Time) (Snapshot, time.Time, error)
}

// Cache reads and writes the session_data cookie.
type Cache struct {
	opts     Options
	codec    *cookie.Codec
	strategy strategy
	logger   *zap.Logger
}

// New builds a Cache.
func New(opts Options, codec *cookie.Codec, keys *jwt.KeyManager, logger *zap.Logger) (*Cache, error) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.UpdateAge <= 0 {
		opts.UpdateAge = time.Duration(float64(opts.MaxAge) * RefreshCacheUpdateAgeRatio)
	}
	if opts.Version == "" {
		opts.Version = defaultVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var s strategy
	switch opts.Strategy {
	case "", config.CacheStrategyCompact:
		s = compactStrategy{secrets: codec.Secrets()}
	case config.CacheStrategyJWT:
		s = jwtStrategy{keys: keys}
	case config.CacheStrategyJWE:
		s = jweStrategy{keys: keys}
	default:
		return nil, fmt.Errorf("unknown cookie cache strategy %q", opts.Strategy)
	}
	return &Cache{opts: opts, codec: codec, strategy: s, logger: logger}, nil
}

// Enabled reports whether the cache is configured on.
func (c *Cache) Enabled() bool {
	return c != nil && c.opts.Enabled
}

// MaxAge returns the cache entry lifetime.
func (c *Cache) MaxAge() time.Duration {
	return c.opts.MaxAge
}

// UpdateAge returns the refresh threshold.
func (c *Cache) UpdateAge() time.Duration {
	return c.opts.UpdateAge
}

// Write stores data in the session_data cookie with a fresh MaxAge window.
func (c *Cache) Write(w cookie.Sink, r cookie.Source, data domain.SessionWithUser) error {
	if !c.Enabled() {
		return nil
	}
	now := c.opts.Now()
	snap := Snapshot{
		Session:   data.Session,
		User:      data.User,
		UpdatedAt: now.UnixMilli(),
		Version:   c.expectedVersion(data.Session, data.User),
	}
	return c.write(w, r, snap, now)
}

func (c *Cache) write(w cookie.Sink, r cookie.Source, snap Snapshot, now time.Time) error {
	expiresAt := now.Add(c.opts.MaxAge)
	value, err := c.strategy.encode(snap, now, expiresAt)
	if err != nil {
		return fmt.Errorf("encode cookie cache: %w", err)
	}
	c.codec.SetChunked(w, r, c.codec.Names().SessionData, value, c.opts.MaxAge)
	return nil
}

// Read decodes the session_data cookie. Any verification failure, version
// mismatch or expiry clears the cookie and reports a miss. When refresh is
// on and the entry is close to expiry it is re-issued without consulting
// the session store.
func (c *Cache) Read(w cookie.Sink, r cookie.Source) (*Result, bool) {
	if !c.Enabled() {
		return nil, false
	}
	name := c.codec.Names().SessionData
	raw, ok := c.codec.GetChunked(r, name)
	if !ok {
		return nil, false
	}

	now := c.opts.Now()
	snap, expiresAt, err := c.strategy.decode(raw, now)
	if err != nil {
		c.log().Debug("cookie cache rejected", zap.Error(err))
		c.Clear(w, r)
		return nil, false
	}
	if !expiresAt.After(now) || snap.Session.Expired(now) {
		c.Clear(w, r)
		return nil, false
	}
	if snap.Version != c.expectedVersion(snap.Session, snap.User) {
		c.Clear(w, r)
		return nil, false
	}

	res := &Result{Snapshot: snap, ExpiresAt: expiresAt}
	if c.opts.Refresh && expiresAt.Sub(now) < c.opts.UpdateAge {
		snap.UpdatedAt = now.UnixMilli()
		if err := c.write(w, r, snap, now); err != nil {
			c.log().Warn("cookie cache refresh failed", zap.Error(err))
			return res, true
		}
		res.Snapshot = snap
		res.ExpiresAt = now.Add(c.opts.MaxAge)
		res.Refreshed = true
	}
	return res, true
}

// Clear removes the session_data cookie and all of its chunks.
func (c *Cache) Clear(w cookie.Sink, r cookie.Source) {
	c.codec.ClearChunked(w, r, c.codec.Names().SessionData)
}

// WriteAccount stores an encrypted account snapshot in account_data.
// Token fields are never serialized.
func (c *Cache) WriteAccount(w cookie.Sink, r cookie.Source, account domain.Account) error {
	if !c.Enabled() {
		return nil
	}
	payload, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account cookie: %w", err)
	}
	sealed, err := crypto.SymmetricEncrypt(c.codec.Secret(), string(payload))
	if err != nil {
		return fmt.Errorf("encrypt account cookie: %w", err)
	}
	c.codec.SetChunked(w, r, c.codec.Names().AccountData, sealed, c.opts.MaxAge)
	return nil
}

// ReadAccount decodes account_data. Undecryptable values read as absent.
func (c *Cache) ReadAccount(r cookie.Source) (domain.Account, bool) {
	if !c.Enabled() {
		return domain.Account{}, false
	}
	raw, ok := c.codec.GetChunked(r, c.codec.Names().AccountData)
	if !ok {
		return domain.Account{}, false
	}
	for _, secret := range c.codec.Secrets() {
		plain, err := crypto.SymmetricDecrypt(secret, raw)
		if err != nil {
			continue
		}
		var account domain.Account
		if err := json.Unmarshal([]byte(plain), &account); err != nil {
			return domain.Account{}, false
		}
		return account, true
	}
	return domain.Account{}, false
}

// ClearAccount removes account_data.
func (c *Cache) ClearAccount(w cookie.Sink, r cookie.Source) {
	c.codec.ClearChunked(w, r, c.codec.Names().AccountData)
}

func (c *Cache) expectedVersion(s domain.Session, u domain.User) string {
	if c.opts.VersionFunc != nil {
		return c.opts.VersionFunc(s, u)
	}
	return c.opts.Version
}

func (c *Cache) log() *zap.Logger {
	if c != nil && c.logger != nil {
		return c.logger
	}
	return zap.L()
}
