// Package session implements session storage and the per-request session
// lifecycle: lookup through the cookie cache, sliding expiration, issuing
// and revocation.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/cookiecache"
	"github.com/smallbiznis/valora-session/internal/crypto"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
)

const (
	tokenLength = 32
	// dontRememberLifetime caps sessions created without "remember me".
	dontRememberLifetime = 24 * time.Hour
)

// RequestContext carries the per-request inputs and outputs of the session
// lifecycle.
type RequestContext struct {
	Cookies   cookie.Source
	Out       cookie.Sink
	IPAddress string
	UserAgent string
}

// GetOptions are call-time overrides for Get.
type GetOptions struct {
	DisableCookieCache bool
	DisableRefresh     bool
}

// Options configures a Manager.
type Options struct {
	ExpiresIn      time.Duration
	UpdateAge      time.Duration
	FreshAge       time.Duration
	DisableRefresh bool
	Now            func() time.Time
}

// OptionsFromConfig maps session configuration to Options.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		ExpiresIn:      cfg.ExpiresIn,
		UpdateAge:      cfg.UpdateAge,
		FreshAge:       cfg.FreshAge,
		DisableRefresh: cfg.DisableRefresh,
	}
}

// Manager runs the session lifecycle.
type Manager struct {
	store   *Store
	codec   *cookie.Codec
	cache   *cookiecache.Cache
	ids     *snowflake.Node
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewManager wires a Manager. cache may be nil to disable the cookie cache.
func NewManager(store *Store, codec *cookie.Codec, cache *cookiecache.Cache, ids *snowflake.Node, opts Options, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if opts.ExpiresIn <= 0 {
		opts.ExpiresIn = 7 * 24 * time.Hour
	}
	if opts.UpdateAge < 0 {
		opts.UpdateAge = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		codec:   codec,
		cache:   cache,
		ids:     ids,
		opts:    opts,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("github.com/smallbiznis/valora-session/internal/session"),
	}
}

// Store exposes the underlying session store.
func (m *Manager) Store() *Store { return m.store }

// Codec exposes the cookie codec.
func (m *Manager) Codec() *cookie.Codec { return m.codec }

// Cache exposes the cookie cache, possibly nil.
func (m *Manager) Cache() *cookiecache.Cache { return m.cache }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.opts.Now() }

// Get resolves the current session of rc. It returns nil, nil when the
// request carries no valid session. Cookie verification failures never
// surface as errors; persistence failures do.
func (m *Manager) Get(ctx context.Context, rc *RequestContext, opts GetOptions) (*domain.SessionWithUser, error) {
	ctx, span := m.startSpan(ctx, "session.Manager.Get")
	defer span.End()

	token, ok := m.codec.GetSigned(rc.Cookies, m.codec.Names().SessionToken)
	if !ok || token == "" {
		return nil, nil
	}

	if m.cache.Enabled() && !opts.DisableCookieCache {
		if res, hit := m.cache.Read(rc.Out, rc.Cookies); hit {
			if res.Snapshot.Session.Token == token {
				span.SetAttributes(attribute.Bool("session.cache_hit", true))
				if res.Refreshed {
					m.metrics.CookieCache("refreshed")
				} else {
					m.metrics.CookieCache("hit")
				}
				data := res.Snapshot.SessionWithUser()
				return &data, nil
			}
			m.cache.Clear(rc.Out, rc.Cookies)
		}
		m.metrics.CookieCache("miss")
	}

	found, err := m.store.FindSession(ctx, token)
	if err != nil {
		span.RecordError(err)
		m.log().Error("load session", zap.Error(err))
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := m.opts.Now()
	if found == nil || found.Session.Expired(now) {
		m.ClearCookies(rc)
		if found != nil {
			if err := m.store.DeleteSession(ctx, token); err != nil {
				m.log().Warn("delete expired session", zap.Error(err))
			}
		}
		return nil, nil
	}

	if m.dontRemember(rc) || opts.DisableRefresh || m.opts.DisableRefresh {
		m.writeCache(rc, *found)
		return found, nil
	}

	if !found.Session.ExpiresAt.Add(-m.opts.ExpiresIn).Add(m.opts.UpdateAge).After(now) {
		expiresAt := now.Add(m.opts.ExpiresIn)
		updated, err := m.store.UpdateSession(ctx, token, domain.SessionPatch{ExpiresAt: &expiresAt})
		if err != nil {
			span.RecordError(err)
			m.log().Error("refresh session", zap.Error(err))
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		if updated == nil {
			m.ClearCookies(rc)
			return nil, nil
		}
		refreshed := domain.SessionWithUser{Session: *updated, User: found.User}
		m.writeCookies(rc, refreshed, false)
		m.metrics.SessionRefreshed()
		m.audit("session.refreshed", "user_id", found.User.ID, "session_id", updated.ID)
		return &refreshed, nil
	}

	m.writeCache(rc, *found)
	return found, nil
}

// Create issues a session for user and writes its cookies.
func (m *Manager) Create(ctx context.Context, rc *RequestContext, user domain.User, dontRemember bool) (domain.SessionWithUser, error) {
	ctx, span := m.startSpan(ctx, "session.Manager.Create")
	defer span.End()

	session, err := m.Issue(ctx, rc, user, dontRemember)
	if err != nil {
		span.RecordError(err)
		return domain.SessionWithUser{}, err
	}
	data := domain.SessionWithUser{Session: session, User: user}
	m.writeCookies(rc, data, dontRemember)
	return data, nil
}

// Issue persists a new session for user without touching cookies.
func (m *Manager) Issue(ctx context.Context, rc *RequestContext, user domain.User, dontRemember bool) (domain.Session, error) {
	now := m.opts.Now()
	lifetime := m.opts.ExpiresIn
	if dontRemember && lifetime > dontRememberLifetime {
		lifetime = dontRememberLifetime
	}
	token, err := crypto.RandomString(tokenLength)
	if err != nil {
		return domain.Session{}, fmt.Errorf("generate session token: %w", err)
	}
	session := domain.Session{
		ID:        m.ids.Generate().Int64(),
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: now.Add(lifetime),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rc != nil {
		session.IPAddress = rc.IPAddress
		session.UserAgent = rc.UserAgent
	}
	created, err := m.store.CreateSession(ctx, session, user)
	if err != nil {
		m.log().Error("create session", zap.Error(err))
		return domain.Session{}, domain.ErrFailedToCreateSession
	}
	m.metrics.SessionCreated()
	m.audit("session.created", "user_id", user.ID, "session_id", created.ID)
	return created, nil
}

// SetCookies writes the token, dont-remember marker and cache cookies for
// data.
func (m *Manager) SetCookies(rc *RequestContext, data domain.SessionWithUser, dontRemember bool) {
	m.writeCookies(rc, data, dontRemember)
}

// Revoke deletes the session holding token.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if err := m.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	m.metrics.SessionsRevoked(1)
	m.audit("session.revoked", "count", 1)
	return nil
}

// RevokeAll deletes every session of userID.
func (m *Manager) RevokeAll(ctx context.Context, userID int64) error {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if err := m.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	m.metrics.SessionsRevoked(len(sessions))
	m.audit("session.revoked", "user_id", userID, "scope", "all", "count", len(sessions))
	return nil
}

// RevokeOthers deletes every session of userID except currentToken.
func (m *Manager) RevokeOthers(ctx context.Context, userID int64, currentToken string) error {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var tokens []string
	for _, s := range sessions {
		if s.Token != currentToken {
			tokens = append(tokens, s.Token)
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	if err := m.store.DeleteSessionsByTokens(ctx, tokens); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	m.metrics.SessionsRevoked(len(tokens))
	m.audit("session.revoked", "user_id", userID, "scope", "others", "count", len(tokens))
	return nil
}

// List returns the unexpired sessions of userID.
func (m *Manager) List(ctx context.Context, userID int64) ([]domain.Session, error) {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// RequireFresh rejects sessions created longer than FreshAge ago. A zero
// FreshAge disables the check.
func (m *Manager) RequireFresh(s domain.Session) error {
	if m.opts.FreshAge <= 0 {
		return nil
	}
	if m.opts.Now().Sub(s.CreatedAt) > m.opts.FreshAge {
		return domain.ErrSessionNotFresh
	}
	return nil
}

// ClearCookies removes every session-related cookie.
func (m *Manager) ClearCookies(rc *RequestContext) {
	names := m.codec.Names()
	m.codec.Clear(rc.Out, names.SessionToken)
	m.codec.Clear(rc.Out, names.DontRemember)
	if m.cache != nil {
		m.cache.Clear(rc.Out, rc.Cookies)
		m.cache.ClearAccount(rc.Out, rc.Cookies)
	}
}

func (m *Manager) writeCookies(rc *RequestContext, data domain.SessionWithUser, dontRemember bool) {
	names := m.codec.Names()
	maxAge := data.Session.ExpiresAt.Sub(m.opts.Now())
	if dontRemember || m.dontRemember(rc) {
		maxAge = 0
		m.codec.SetSigned(rc.Out, names.DontRemember, "true", 0)
	} else {
		m.codec.Clear(rc.Out, names.DontRemember)
	}
	m.codec.SetSigned(rc.Out, names.SessionToken, data.Session.Token, maxAge)
	m.writeCache(rc, data)
}

func (m *Manager) writeCache(rc *RequestContext, data domain.SessionWithUser) {
	if !m.cache.Enabled() {
		return
	}
	if err := m.cache.Write(rc.Out, rc.Cookies, data); err != nil {
		m.log().Warn("write cookie cache", zap.Error(err))
	}
}

func (m *Manager) dontRemember(rc *RequestContext) bool {
	if rc == nil || rc.Cookies == nil {
		return false
	}
	v, ok := m.codec.GetSigned(rc.Cookies, m.codec.Names().DontRemember)
	return ok && v == "true"
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name)
}

func (m *Manager) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	m.log().Info("audit", fields...)
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}
