package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/crypto"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/mailer"
	"github.com/smallbiznis/valora-session/internal/metrics"
	pw "github.com/smallbiznis/valora-session/internal/password"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/session"
)

const (
	resetPasswordPrefix = "reset-password:"
	resetTokenLength    = 24
)

// AuthService implements the email/password flows and account management.
type AuthService struct {
	store    repository.Store
	sessions *session.Manager
	mailer   mailer.Sender
	ids      *snowflake.Node
	cfg      config.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService wires dependencies.
func NewAuthService(store repository.Store, sessions *session.Manager, sender mailer.Sender, ids *snowflake.Node, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) *AuthService {
	return &AuthService{
		store:    store,
		sessions: sessions,
		mailer:   sender,
		ids:      ids,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-session/internal/service"),
	}
}

// SignUpEmail registers a user with a credential account and signs them in.
func (s *AuthService) SignUpEmail(ctx context.Context, rc *session.RequestContext, in SignUpInput) (*AuthResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.SignUpEmail")
	defer span.End()

	if s.cfg.DisableSignUp {
		return nil, domain.ErrSignUpDisabled
	}
	email, err := validEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := s.checkPasswordLength(in.Password); err != nil {
		return nil, err
	}

	// Hash before the lookup so a duplicate email answers in the same time.
	hash, err := pw.Hash(in.Password)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.store.Users().GetByEmail(ctx, email); err == nil {
		return nil, domain.ErrUserAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	now := s.sessions.Now()
	var user domain.User
	err = s.store.InTx(ctx, func(ctx context.Context, tx repository.Store) error {
		created, err := tx.Users().Create(ctx, domain.User{
			ID:        s.ids.Generate().Int64(),
			Email:     email,
			Name:      in.Name,
			Image:     in.Image,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		if _, err := tx.Accounts().Create(ctx, domain.Account{
			ID:         s.ids.Generate().Int64(),
			ProviderID: domain.CredentialProviderID,
			AccountID:  strconv.FormatInt(created.ID, 10),
			UserID:     created.ID,
			Password:   hash,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
		user = created
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.ErrUserAlreadyExists
		}
		span.RecordError(err)
		s.log().Error("sign up", zap.Error(err))
		return nil, domain.ErrFailedToCreateUser
	}

	data, err := s.sessions.Create(ctx, rc, user, dontRemember(in.RememberMe))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.metrics.SignIn("email", "sign_up")
	s.audit("user.signed_up", "user_id", user.ID)
	return newAuthResult(data), nil
}

// SignInEmail verifies email and password and creates a session. Unknown
// emails and missing credential accounts burn one password verification so
// every failure takes the same time.
func (s *AuthService) SignInEmail(ctx context.Context, rc *session.RequestContext, in SignInInput) (*AuthResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.SignInEmail")
	defer span.End()

	email, err := validEmail(in.Email)
	if err != nil {
		return nil, err
	}

	user, err := s.store.Users().GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			span.RecordError(err)
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		s.burnVerify(in.Password)
		s.metrics.SignIn("email", "failure")
		return nil, domain.ErrInvalidEmailOrPassword
	}

	account, err := s.credentialAccount(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if account == nil {
		s.burnVerify(in.Password)
		s.metrics.SignIn("email", "failure")
		return nil, domain.ErrInvalidEmailOrPassword
	}
	ok, err := pw.Verify(account.Password, in.Password)
	if err != nil || !ok {
		if err != nil {
			s.log().Warn("verify password", zap.Int64("user_id", user.ID), zap.Error(err))
		}
		s.metrics.SignIn("email", "failure")
		return nil, domain.ErrInvalidEmailOrPassword
	}

	data, err := s.sessions.Create(ctx, rc, user, dontRemember(in.RememberMe))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.metrics.SignIn("email", "success")
	s.audit("password.login.success", "user_id", user.ID)
	return newAuthResult(data), nil
}

// SignOut revokes the current session, if any, and clears its cookies.
func (s *AuthService) SignOut(ctx context.Context, rc *session.RequestContext) error {
	ctx, span := s.startSpan(ctx, "AuthService.SignOut")
	defer span.End()

	codec := s.sessions.Codec()
	if token, ok := codec.GetSigned(rc.Cookies, codec.Names().SessionToken); ok {
		if err := s.sessions.Revoke(ctx, token); err != nil {
			span.RecordError(err)
			s.log().Warn("sign out", zap.Error(err))
		}
	}
	s.sessions.ClearCookies(rc)
	return nil
}

// RequestPasswordReset stores a reset token for email and mails its link.
// It reports success for unknown emails.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	ctx, span := s.startSpan(ctx, "AuthService.RequestPasswordReset")
	defer span.End()

	normalized, err := validEmail(email)
	if err != nil {
		return err
	}
	token, err := crypto.RandomString(resetTokenLength)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	user, err := s.store.Users().GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log().Info("password reset requested for unknown email")
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("lookup user: %w", err)
	}

	now := s.sessions.Now()
	if _, err := s.store.Verifications().Create(ctx, domain.Verification{
		ID:         s.ids.Generate().Int64(),
		Identifier: resetPasswordPrefix + token,
		Value:      strconv.FormatInt(user.ID, 10),
		ExpiresAt:  now.Add(s.cfg.Password.ResetTokenTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store reset token: %w", err)
	}

	link := s.cfg.BaseURL + "/api/auth/reset-password/" + token
	if redirectTo != "" {
		link += "?callbackURL=" + url.QueryEscape(redirectTo)
	}
	if err := s.mailer.Send(ctx, mailer.Email{
		To:      []string{user.Email},
		Subject: "Reset your password",
		Body:    "Use the link below to reset your password:\n\n" + link + "\n",
	}); err != nil {
		span.RecordError(err)
		s.log().Error("send reset email", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	s.audit("password.reset_requested", "user_id", user.ID)
	return nil
}

// CheckResetToken reports whether token names an unexpired reset request.
func (s *AuthService) CheckResetToken(ctx context.Context, token string) bool {
	v, err := s.store.Verifications().GetByIdentifier(ctx, resetPasswordPrefix+token)
	return err == nil && !v.Expired(s.sessions.Now())
}

// ResetPassword consumes token and sets newPassword on its user.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, span := s.startSpan(ctx, "AuthService.ResetPassword")
	defer span.End()

	if token == "" {
		return domain.ErrInvalidToken
	}
	if err := s.checkPasswordLength(newPassword); err != nil {
		return err
	}
	v, err := s.store.Verifications().Consume(ctx, resetPasswordPrefix+token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrInvalidToken
		}
		span.RecordError(err)
		return fmt.Errorf("consume reset token: %w", err)
	}
	if v.Expired(s.sessions.Now()) {
		return domain.ErrInvalidToken
	}
	userID, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return domain.ErrInvalidToken
	}

	if err := s.setPassword(ctx, userID, newPassword); err != nil {
		span.RecordError(err)
		return err
	}
	if s.cfg.Password.RevokeSessionsOnReset {
		if err := s.sessions.RevokeAll(ctx, userID); err != nil {
			span.RecordError(err)
			return err
		}
	}
	s.audit("password.reset", "user_id", userID)
	return nil
}

// ChangePassword replaces the credential password of the session's user.
// With revokeOthers every session is revoked and a new one issued.
func (s *AuthService) ChangePassword(ctx context.Context, rc *session.RequestContext, current domain.SessionWithUser, currentPassword, newPassword string, revokeOthers bool) (*AuthResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.ChangePassword")
	defer span.End()

	if err := s.checkPasswordLength(newPassword); err != nil {
		return nil, err
	}
	account, err := s.credentialAccount(ctx, current.User.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if account == nil {
		s.burnVerify(currentPassword)
		return nil, domain.ErrCredentialAccountMissing
	}
	ok, err := pw.Verify(account.Password, currentPassword)
	if err != nil || !ok {
		return nil, domain.ErrInvalidPassword
	}
	if err := s.setPassword(ctx, current.User.ID, newPassword); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.audit("password.changed", "user_id", current.User.ID)

	if !revokeOthers {
		return &AuthResult{User: current.User}, nil
	}
	if err := s.sessions.RevokeAll(ctx, current.User.ID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	data, err := s.sessions.Create(ctx, rc, current.User, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return newAuthResult(data), nil
}

// UpdateUser changes profile fields of userID and propagates them to every
// stored copy of the user.
func (s *AuthService) UpdateUser(ctx context.Context, rc *session.RequestContext, current domain.SessionWithUser, patch domain.UserPatch) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "AuthService.UpdateUser")
	defer span.End()

	if patch.Email != nil {
		// Email changes need a verification flow this service doesn't offer.
		return domain.User{}, domain.ErrInvalidRequest
	}
	user, err := s.store.Users().Update(ctx, current.User.ID, patch, s.sessions.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.User{}, domain.ErrUserNotFound
		}
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	if err := s.sessions.Store().SyncUser(ctx, user); err != nil {
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("sync user: %w", err)
	}
	s.sessions.SetCookies(rc, domain.SessionWithUser{Session: current.Session, User: user}, false)
	return user, nil
}

// ListAccounts returns the accounts linked to userID.
func (s *AuthService) ListAccounts(ctx context.Context, userID int64) ([]domain.Account, error) {
	accounts, err := s.store.Accounts().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// UnlinkAccount removes the providerID account of userID. An empty
// accountID matches any account of that provider. The last account can only
// be removed when unlinking all accounts is allowed.
func (s *AuthService) UnlinkAccount(ctx context.Context, userID int64, providerID, accountID string) error {
	ctx, span := s.startSpan(ctx, "AuthService.UnlinkAccount")
	defer span.End()

	accounts, err := s.ListAccounts(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(accounts) == 1 && !s.cfg.AccountLinking.AllowUnlinkingAll {
		return domain.ErrFailedToUnlinkLast
	}
	for _, a := range accounts {
		if a.ProviderID != providerID || (accountID != "" && a.AccountID != accountID) {
			continue
		}
		if err := s.store.Accounts().Delete(ctx, a.ID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("unlink account: %w", err)
		}
		s.audit("account.unlinked", "user_id", userID, "provider", providerID)
		return nil
	}
	return domain.ErrAccountNotFound
}

// DeleteUser removes the session's user with its sessions and accounts.
// The session must be fresh; a supplied password must also match.
func (s *AuthService) DeleteUser(ctx context.Context, rc *session.RequestContext, current domain.SessionWithUser, password string) error {
	ctx, span := s.startSpan(ctx, "AuthService.DeleteUser")
	defer span.End()

	if err := s.sessions.RequireFresh(current.Session); err != nil {
		return err
	}
	if password != "" {
		account, err := s.credentialAccount(ctx, current.User.ID)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if account == nil {
			return domain.ErrCredentialAccountMissing
		}
		if ok, err := pw.Verify(account.Password, password); err != nil || !ok {
			return domain.ErrInvalidPassword
		}
	}
	if err := s.sessions.Store().DeleteUser(ctx, current.User.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete user: %w", err)
	}
	s.sessions.ClearCookies(rc)
	s.audit("user.deleted", "user_id", current.User.ID)
	return nil
}

func (s *AuthService) setPassword(ctx context.Context, userID int64, password string) error {
	hash, err := pw.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	account, err := s.credentialAccount(ctx, userID)
	if err != nil {
		return err
	}
	now := s.sessions.Now()
	if account == nil {
		_, err = s.store.Accounts().Create(ctx, domain.Account{
			ID:         s.ids.Generate().Int64(),
			ProviderID: domain.CredentialProviderID,
			AccountID:  strconv.FormatInt(userID, 10),
			UserID:     userID,
			Password:   hash,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("create credential account: %w", err)
		}
		return nil
	}
	account.Password = hash
	account.UpdatedAt = now
	if _, err := s.store.Accounts().Update(ctx, *account); err != nil {
		return fmt.Errorf("update credential account: %w", err)
	}
	return nil
}

func (s *AuthService) credentialAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	accounts, err := s.store.Accounts().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for i := range accounts {
		if accounts[i].IsCredential() && accounts[i].Password != "" {
			return &accounts[i], nil
		}
	}
	return nil, nil
}

// burnVerify runs one verification against a fixed hash.
func (s *AuthService) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		hash, err := pw.Hash("valora-session-timing-guard")
		if err != nil {
			s.log().Warn("build timing guard hash", zap.Error(err))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_, _ = pw.Verify(s.dummyHash, password)
	}
}

func (s *AuthService) checkPasswordLength(password string) error {
	n := utf8.RuneCountInString(password)
	if n < s.cfg.Password.MinLength {
		return domain.ErrPasswordTooShort
	}
	if n > s.cfg.Password.MaxLength {
		return domain.ErrPasswordTooLong
	}
	return nil
}

func validEmail(email string) (string, error) {
	normalized := domain.NormalizeEmail(email)
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized {
		return "", domain.ErrInvalidEmail
	}
	return normalized, nil
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
