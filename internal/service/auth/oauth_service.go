package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/valora-session/internal/adapter/oauth"
	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/crypto"
	"github.com/smallbiznis/valora-session/internal/domain"
	domainoauth "github.com/smallbiznis/valora-session/internal/domain/oauth"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/session"
)

const (
	stateLength    = 32
	verifierLength = 128
)

// MapProfileFunc lets the caller adjust the normalized profile before
// reconciliation.
type MapProfileFunc func(ctx context.Context, providerID string, info domainoauth.UserInfoResult) (domainoauth.UserInfo, error)

// StartAuthorizationInput contains parameters for constructing authorization URLs.
type StartAuthorizationInput struct {
	Provider      string
	CallbackURL   string
	ErrorURL      string
	NewUserURL    string
	Scopes        []string
	LoginHint     string
	RequestSignUp bool
	RememberMe    *bool
}

// StartAuthorizationOutput returns the prepared authorization URL.
type StartAuthorizationOutput struct {
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// OAuthCallbackInput captures callback parameters from the query or form.
type OAuthCallbackInput struct {
	Provider         string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is where the browser goes next. Code is empty on success.
type CallbackResult struct {
	RedirectURL string
	Code        string
	Session     *domain.SessionWithUser
	Linked      bool
	NewUser     bool
}

// AccessTokenResult is a usable provider access token.
type AccessTokenResult struct {
	AccessToken          string     `json:"accessToken"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
	Scopes               []string   `json:"scopes"`
	IDToken              string     `json:"idToken,omitempty"`
}

// Options holds the optional hooks of an OAuthService.
type Options struct {
	MapProfile MapProfileFunc
	// Now defaults to the session manager's clock.
	Now func() time.Time
}

// OAuthService runs provider sign-in, account linking and provider token
// retrieval.
type OAuthService struct {
	store     repository.Store
	sessions  *session.Manager
	providers *oauthadapter.Registry
	states    repository.OAuthStateStore
	ids       *snowflake.Node
	cfg       config.Config
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewOAuthService wires the OAuth service. states may be nil when the
// cookie state strategy is configured.
func NewOAuthService(
	store repository.Store,
	sessions *session.Manager,
	providers *oauthadapter.Registry,
	states repository.OAuthStateStore,
	ids *snowflake.Node,
	cfg config.Config,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OAuthService {
	if opts.Now == nil {
		opts.Now = sessions.Now
	}
	return &OAuthService{
		store:     store,
		sessions:  sessions,
		providers: providers,
		states:    states,
		ids:       ids,
		cfg:       cfg,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/valora-session/internal/service/auth"),
	}
}

// ListProviders returns the configured provider ids.
func (s *OAuthService) ListProviders() []string {
	return s.providers.IDs()
}

// StartAuthorization persists a new authorization request and returns the
// provider URL to send the browser to.
func (s *OAuthService) StartAuthorization(ctx context.Context, rc *session.RequestContext, in StartAuthorizationInput) (*StartAuthorizationOutput, error) {
	return s.start(ctx, rc, in, nil)
}

// LinkSocial starts a flow that links a provider account to the signed-in
// user instead of signing in.
func (s *OAuthService) LinkSocial(ctx context.Context, rc *session.RequestContext, current domain.SessionWithUser, in StartAuthorizationInput) (*StartAuthorizationOutput, error) {
	accounts, err := s.store.Accounts().ListByUser(ctx, current.User.ID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accounts {
		if a.ProviderID == in.Provider {
			return nil, domain.ErrSocialAccountLinked
		}
	}
	return s.start(ctx, rc, in, &domainoauth.LinkTarget{UserID: current.User.ID, Email: current.User.Email})
}

func (s *OAuthService) start(ctx context.Context, rc *session.RequestContext, in StartAuthorizationInput, link *domainoauth.LinkTarget) (*StartAuthorizationOutput, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.StartAuthorization")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.provider", in.Provider))

	provider, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, domain.ErrProviderNotFound
	}
	state, err := crypto.RandomString(stateLength)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier, err := crypto.RandomString(verifierLength)
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}

	callbackURL := in.CallbackURL
	if callbackURL == "" {
		callbackURL = s.cfg.BaseURL
	}
	record := domainoauth.OAuthState{
		State:         state,
		CodeVerifier:  verifier,
		ProviderID:    in.Provider,
		CallbackURL:   callbackURL,
		ErrorURL:      in.ErrorURL,
		NewUserURL:    in.NewUserURL,
		Link:          link,
		RequestSignUp: in.RequestSignUp,
		RememberMe:    in.RememberMe == nil || *in.RememberMe,
		ExpiresAt:     s.opts.Now().Add(domainoauth.StateLifetime),
	}
	if err := s.saveState(ctx, rc, record); err != nil {
		span.RecordError(err)
		return nil, err
	}

	authURL, err := provider.CreateAuthorizationURL(ctx, domainoauth.AuthorizationURLInput{
		State:        state,
		CodeVerifier: verifier,
		Scopes:       in.Scopes,
		RedirectURI:  s.redirectURI(in.Provider),
		LoginHint:    in.LoginHint,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("build authorization url: %w", err)
	}
	return &StartAuthorizationOutput{URL: authURL.String(), Redirect: true}, nil
}

// HandleCallback completes a flow. It never fails: every outcome is a
// redirect, with Code naming the failure.
func (s *OAuthService) HandleCallback(ctx context.Context, rc *session.RequestContext, in OAuthCallbackInput) *CallbackResult {
	ctx, span := s.startSpan(ctx, "OAuthService.HandleCallback")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.provider", in.Provider))

	defaultErrorURL := s.cfg.BaseURL + "/api/auth/error"
	if in.State == "" {
		return s.fail(in.Provider, defaultErrorURL, domainoauth.CodeStateMismatch, "", errors.New("callback without state"))
	}

	record, err := s.consumeState(ctx, rc, in)
	if err != nil {
		span.RecordError(err)
		return s.fail(in.Provider, defaultErrorURL, domainoauth.CodeStateMismatch, "", err)
	}
	errorURL := record.ErrorURL
	if errorURL == "" {
		errorURL = defaultErrorURL
	}

	if in.Error != "" {
		return s.fail(in.Provider, errorURL, in.Error, in.ErrorDescription, errors.New("provider reported "+in.Error))
	}
	if in.Code == "" {
		return s.fail(in.Provider, errorURL, "no_code", "", errors.New("callback without code"))
	}

	provider, err := s.providers.Get(in.Provider)
	if err != nil {
		return s.fail(in.Provider, errorURL, "oauth_provider_not_found", "", err)
	}
	tokens, err := provider.ValidateAuthorizationCode(ctx, domainoauth.CodeExchangeInput{
		Code:         in.Code,
		CodeVerifier: record.CodeVerifier,
		RedirectURI:  s.redirectURI(in.Provider),
	})
	if err != nil {
		span.RecordError(err)
		return s.fail(in.Provider, errorURL, domainoauth.CodeInvalidCode, "", err)
	}
	info, err := provider.GetUserInfo(ctx, *tokens)
	if err != nil || info == nil {
		if err == nil {
			err = errors.New("provider returned no profile")
		}
		span.RecordError(err)
		return s.fail(in.Provider, errorURL, domainoauth.CodeUnableToGetUser, "", err)
	}
	if s.opts.MapProfile != nil {
		mapped, err := s.opts.MapProfile(ctx, in.Provider, *info)
		if err != nil {
			return s.fail(in.Provider, errorURL, domainoauth.CodeUnableToGetUser, "", err)
		}
		info.User = mapped
	}
	if info.User.Email == "" {
		return s.fail(in.Provider, errorURL, domainoauth.ErrorCode(domainoauth.ErrEmailNotFound), "", domainoauth.ErrEmailNotFound)
	}
	info.User.Email = domain.NormalizeEmail(info.User.Email)

	if record.Link != nil {
		account, err := s.linkAccount(ctx, in.Provider, *record.Link, info.User, *tokens)
		if err != nil {
			return s.fail(in.Provider, errorURL, domainoauth.ErrorCode(err), "", err)
		}
		s.writeAccountCookie(rc, account)
		s.metrics.OAuthCallback(in.Provider, "linked")
		return &CallbackResult{RedirectURL: record.CallbackURL, Linked: true}
	}

	data, account, isNew, err := s.reconcile(ctx, rc, in.Provider, info.User, *tokens, record)
	if err != nil {
		span.RecordError(err)
		return s.fail(in.Provider, errorURL, domainoauth.ErrorCode(err), "", err)
	}
	s.writeAccountCookie(rc, account)
	s.metrics.OAuthCallback(in.Provider, "success")

	target := record.CallbackURL
	if isNew && record.NewUserURL != "" {
		target = record.NewUserURL
	}
	return &CallbackResult{RedirectURL: target, Session: &data, NewUser: isNew}
}

// reconcile maps a provider identity onto a local user and signs them in.
func (s *OAuthService) reconcile(ctx context.Context, rc *session.RequestContext, providerID string, info domainoauth.UserInfo, tokens domainoauth.Tokens, record *domainoauth.OAuthState) (domain.SessionWithUser, domain.Account, bool, error) {
	accounts := s.store.Accounts()
	now := s.opts.Now()

	var (
		user    domain.User
		account domain.Account
		isNew   bool
	)
	existing, err := accounts.GetByProvider(ctx, providerID, info.ID)
	switch {
	case err == nil:
		account = existing
		user, err = s.store.Users().GetByID(ctx, account.UserID)
		if err != nil {
			return domain.SessionWithUser{}, domain.Account{}, false, fmt.Errorf("load linked user: %w", err)
		}
		if s.cfg.Account.UpdateOnSignIn {
			if account, err = s.storeTokens(ctx, account, tokens); err != nil {
				return domain.SessionWithUser{}, domain.Account{}, false, err
			}
		}
		if user, err = s.syncProfile(ctx, user, info); err != nil {
			return domain.SessionWithUser{}, domain.Account{}, false, err
		}

	case errors.Is(err, repository.ErrNotFound):
		user, err = s.store.Users().GetByEmail(ctx, info.Email)
		switch {
		case err == nil:
			if !s.cfg.AccountLinking.Enabled {
				return domain.SessionWithUser{}, domain.Account{}, false, domainoauth.ErrAccountNotLinked
			}
			if !s.cfg.AccountLinking.TrustedProvider(providerID) && !info.EmailVerified {
				s.log().Warn("refusing implicit link of unverified email", zap.String("provider", providerID), zap.Int64("user_id", user.ID))
				return domain.SessionWithUser{}, domain.Account{}, false, domainoauth.ErrAccountNotLinked
			}
			account, err = accounts.Create(ctx, s.newAccount(user.ID, providerID, info.ID, tokens, now))
			if err != nil {
				s.log().Error("link account", zap.Error(err))
				return domain.SessionWithUser{}, domain.Account{}, false, domainoauth.ErrUnableToLinkAccount
			}
			if user, err = s.promoteVerified(ctx, user, info); err != nil {
				return domain.SessionWithUser{}, domain.Account{}, false, err
			}
			s.audit("oauth.account_linked", "user_id", user.ID, "provider", providerID)

		case errors.Is(err, repository.ErrNotFound):
			if s.cfg.DisableSignUp || (s.cfg.DisableImplicitSignUp && !record.RequestSignUp) {
				return domain.SessionWithUser{}, domain.Account{}, false, domainoauth.ErrSignUpDisabled
			}
			user, account, err = s.createUser(ctx, providerID, info, tokens, now)
			if err != nil {
				s.log().Error("create oauth user", zap.Error(err))
				return domain.SessionWithUser{}, domain.Account{}, false, domainoauth.ErrUnableToCreateUser
			}
			isNew = true
			s.audit("oauth.user_created", "user_id", user.ID, "provider", providerID)

		default:
			return domain.SessionWithUser{}, domain.Account{}, false, fmt.Errorf("lookup user: %w", err)
		}

	default:
		return domain.SessionWithUser{}, domain.Account{}, false, fmt.Errorf("lookup account: %w", err)
	}

	data, err := s.sessions.Create(ctx, rc, user, !record.RememberMe)
	if err != nil {
		s.log().Error("create oauth session", zap.Error(err))
		return domain.SessionWithUser{}, domain.Account{}, false, domainoauth.ErrUnableToCreateSession
	}
	return data, account, isNew, nil
}

func (s *OAuthService) createUser(ctx context.Context, providerID string, info domainoauth.UserInfo, tokens domainoauth.Tokens, now time.Time) (domain.User, domain.Account, error) {
	var (
		user    domain.User
		account domain.Account
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Store) error {
		created, err := tx.Users().Create(ctx, domain.User{
			ID:            s.ids.Generate().Int64(),
			Email:         info.Email,
			EmailVerified: info.EmailVerified,
			Name:          info.Name,
			Image:         info.Image,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		linked, err := tx.Accounts().Create(ctx, s.newAccount(created.ID, providerID, info.ID, tokens, now))
		if err != nil {
			return err
		}
		user, account = created, linked
		return nil
	})
	return user, account, err
}

func (s *OAuthService) linkAccount(ctx context.Context, providerID string, target domainoauth.LinkTarget, info domainoauth.UserInfo, tokens domainoauth.Tokens) (domain.Account, error) {
	if info.Email != domain.NormalizeEmail(target.Email) && !s.cfg.AccountLinking.AllowDifferentEmails {
		return domain.Account{}, domainoauth.ErrEmailDoesntMatch
	}
	existing, err := s.store.Accounts().GetByProvider(ctx, providerID, info.ID)
	switch {
	case err == nil:
		if existing.UserID != target.UserID {
			return domain.Account{}, domainoauth.ErrAccountAlreadyLinked
		}
		return s.storeTokens(ctx, existing, tokens)
	case !errors.Is(err, repository.ErrNotFound):
		return domain.Account{}, fmt.Errorf("lookup account: %w", err)
	}

	account, err := s.store.Accounts().Create(ctx, s.newAccount(target.UserID, providerID, info.ID, tokens, s.opts.Now()))
	if err != nil {
		s.log().Error("link account", zap.Error(err))
		return domain.Account{}, domainoauth.ErrUnableToLinkAccount
	}
	s.audit("oauth.account_linked", "user_id", target.UserID, "provider", providerID, "explicit", true)
	return account, nil
}

// syncProfile applies provider profile changes to a returning user.
func (s *OAuthService) syncProfile(ctx context.Context, user domain.User, info domainoauth.UserInfo) (domain.User, error) {
	var patch domain.UserPatch
	changed := false
	if s.cfg.Account.OverrideUserInfoOnSignIn {
		if info.Name != "" && info.Name != user.Name {
			patch.Name, changed = &info.Name, true
		}
		if info.Image != "" && info.Image != user.Image {
			patch.Image, changed = &info.Image, true
		}
	}
	if info.EmailVerified && !user.EmailVerified && info.Email == user.Email {
		verified := true
		patch.EmailVerified, changed = &verified, true
	}
	if !changed {
		return user, nil
	}
	return s.updateUser(ctx, user.ID, patch)
}

func (s *OAuthService) promoteVerified(ctx context.Context, user domain.User, info domainoauth.UserInfo) (domain.User, error) {
	if !info.EmailVerified || user.EmailVerified || info.Email != user.Email {
		return user, nil
	}
	verified := true
	return s.updateUser(ctx, user.ID, domain.UserPatch{EmailVerified: &verified})
}

func (s *OAuthService) updateUser(ctx context.Context, userID int64, patch domain.UserPatch) (domain.User, error) {
	user, err := s.store.Users().Update(ctx, userID, patch, s.opts.Now())
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	if err := s.sessions.Store().SyncUser(ctx, user); err != nil {
		s.log().Warn("sync user into secondary sessions", zap.Error(err))
	}
	return user, nil
}

// GetAccessToken returns a provider access token for userID, refreshing it
// when it expires within accessTokenRefreshLeeway.
func (s *OAuthService) GetAccessToken(ctx context.Context, userID int64, providerID, accountID string) (*AccessTokenResult, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.GetAccessToken")
	defer span.End()

	provider, account, err := s.providerAccount(ctx, userID, providerID, accountID)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	if account.RefreshToken != "" && account.AccessTokenExpiresAt != nil && account.AccessTokenExpiresAt.Sub(now) < accessTokenRefreshLeeway {
		refreshed, err := s.refresh(ctx, provider, account)
		if err != nil {
			span.RecordError(err)
			s.log().Warn("refresh provider token", zap.String("provider", providerID), zap.Error(err))
			return nil, domain.ErrFailedToGetAccessToken
		}
		account = refreshed
	}
	result, err := s.tokenResult(account)
	if err != nil {
		span.RecordError(err)
		return nil, domain.ErrFailedToGetAccessToken
	}
	return result, nil
}

// RefreshToken forces a provider token refresh for userID.
func (s *OAuthService) RefreshToken(ctx context.Context, userID int64, providerID, accountID string) (*AccessTokenResult, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.RefreshToken")
	defer span.End()

	provider, account, err := s.providerAccount(ctx, userID, providerID, accountID)
	if err != nil {
		return nil, err
	}
	if account.RefreshToken == "" {
		return nil, domain.ErrFailedToRefreshToken
	}
	refreshed, err := s.refresh(ctx, provider, account)
	if err != nil {
		span.RecordError(err)
		s.log().Warn("refresh provider token", zap.String("provider", providerID), zap.Error(err))
		return nil, domain.ErrFailedToRefreshToken
	}
	result, err := s.tokenResult(refreshed)
	if err != nil {
		return nil, domain.ErrFailedToRefreshToken
	}
	return result, nil
}

const accessTokenRefreshLeeway = 5 * time.Second

func (s *OAuthService) providerAccount(ctx context.Context, userID int64, providerID, accountID string) (oauthadapter.Provider, domain.Account, error) {
	provider, err := s.providers.Get(providerID)
	if err != nil {
		return nil, domain.Account{}, domain.ErrProviderNotFound
	}
	accounts, err := s.store.Accounts().ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.Account{}, fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accounts {
		if a.ProviderID == providerID && (accountID == "" || a.AccountID == accountID) {
			return provider, a, nil
		}
	}
	return nil, domain.Account{}, domain.ErrAccountNotFound
}

func (s *OAuthService) refresh(ctx context.Context, provider oauthadapter.Provider, account domain.Account) (domain.Account, error) {
	refreshToken, err := s.openToken(account.RefreshToken)
	if err != nil {
		return domain.Account{}, err
	}
	tokens, err := provider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return domain.Account{}, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return s.storeTokens(ctx, account, *tokens)
}

func (s *OAuthService) tokenResult(account domain.Account) (*AccessTokenResult, error) {
	accessToken, err := s.openToken(account.AccessToken)
	if err != nil {
		return nil, err
	}
	idToken, err := s.openToken(account.IDToken)
	if err != nil {
		return nil, err
	}
	var scopes []string
	if account.Scope != "" {
		scopes = strings.Split(account.Scope, ",")
	}
	return &AccessTokenResult{
		AccessToken:          accessToken,
		AccessTokenExpiresAt: account.AccessTokenExpiresAt,
		Scopes:               scopes,
		IDToken:              idToken,
	}, nil
}

func (s *OAuthService) newAccount(userID int64, providerID, externalID string, tokens domainoauth.Tokens, now time.Time) domain.Account {
	account := domain.Account{
		ID:         s.ids.Generate().Int64(),
		ProviderID: providerID,
		AccountID:  externalID,
		UserID:     userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.applyTokens(&account, tokens)
	return account
}

func (s *OAuthService) storeTokens(ctx context.Context, account domain.Account, tokens domainoauth.Tokens) (domain.Account, error) {
	s.applyTokens(&account, tokens)
	account.UpdatedAt = s.opts.Now()
	updated, err := s.store.Accounts().Update(ctx, account)
	if err != nil {
		return domain.Account{}, fmt.Errorf("update account tokens: %w", err)
	}
	return updated, nil
}

func (s *OAuthService) applyTokens(account *domain.Account, tokens domainoauth.Tokens) {
	account.AccessToken = s.sealToken(tokens.AccessToken)
	if tokens.RefreshToken != "" {
		account.RefreshToken = s.sealToken(tokens.RefreshToken)
	}
	if tokens.IDToken != "" {
		account.IDToken = s.sealToken(tokens.IDToken)
	}
	account.AccessTokenExpiresAt = tokens.AccessTokenExpiresAt
	if tokens.RefreshTokenExpiresAt != nil {
		account.RefreshTokenExpiresAt = tokens.RefreshTokenExpiresAt
	}
	if len(tokens.Scopes) > 0 {
		account.Scope = strings.Join(tokens.Scopes, ",")
	}
}

// sealToken encrypts provider tokens at rest when configured. Encryption
// failures keep the token out of storage.
func (s *OAuthService) sealToken(token string) string {
	if token == "" || !s.cfg.Account.EncryptOAuthTokens {
		return token
	}
	sealed, err := crypto.SymmetricEncrypt(s.cfg.Secret, token)
	if err != nil {
		s.log().Error("encrypt provider token", zap.Error(err))
		return ""
	}
	return sealed
}

func (s *OAuthService) openToken(token string) (string, error) {
	if token == "" || !s.cfg.Account.EncryptOAuthTokens {
		return token, nil
	}
	var lastErr error
	for _, secret := range s.cfg.Secrets() {
		plain, err := crypto.SymmetricDecrypt(secret, token)
		if err == nil {
			return plain, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("decrypt provider token: %w", lastErr)
}

func (s *OAuthService) saveState(ctx context.Context, rc *session.RequestContext, record domainoauth.OAuthState) error {
	codec := s.sessions.Codec()
	names := codec.Names()
	if s.cfg.OAuthStateStrategy == config.StateStrategyCookie {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		sealed, err := crypto.SymmetricEncrypt(codec.Secret(), string(payload))
		if err != nil {
			return fmt.Errorf("encrypt state: %w", err)
		}
		codec.Set(rc.Out, names.OAuthState, sealed, domainoauth.StateLifetime)
	} else if err := s.states.SaveState(ctx, record.State, record, domainoauth.StateLifetime); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	codec.SetSigned(rc.Out, names.State, record.State, domainoauth.StateLifetime)
	return nil
}

// consumeState loads and invalidates the state record named by in.State.
func (s *OAuthService) consumeState(ctx context.Context, rc *session.RequestContext, in OAuthCallbackInput) (*domainoauth.OAuthState, error) {
	codec := s.sessions.Codec()
	names := codec.Names()
	defer codec.Clear(rc.Out, names.State)

	var record *domainoauth.OAuthState
	if s.cfg.OAuthStateStrategy == config.StateStrategyCookie {
		defer codec.Clear(rc.Out, names.OAuthState)
		sealed, ok := codec.Get(rc.Cookies, names.OAuthState)
		if !ok {
			return nil, fmt.Errorf("state cookie missing: %w", domainoauth.ErrInvalidState)
		}
		decoded, err := s.openState(sealed)
		if err != nil {
			return nil, err
		}
		if !crypto.ConstantTimeEqual([]byte(decoded.State), []byte(in.State)) {
			return nil, fmt.Errorf("state cookie mismatch: %w", domainoauth.ErrInvalidState)
		}
		record = decoded
	} else {
		loaded, err := s.states.GetState(ctx, in.State)
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if loaded == nil {
			return nil, fmt.Errorf("state not found: %w", domainoauth.ErrInvalidState)
		}
		bound, ok := codec.GetSigned(rc.Cookies, names.State)
		if !ok || !crypto.ConstantTimeEqual([]byte(bound), []byte(in.State)) {
			return nil, fmt.Errorf("state not bound to this browser: %w", domainoauth.ErrInvalidState)
		}
		record = loaded
	}

	if record.Expired(s.opts.Now()) {
		return nil, fmt.Errorf("state expired: %w", domainoauth.ErrInvalidState)
	}
	if record.ProviderID != in.Provider {
		return nil, fmt.Errorf("state issued for %q: %w", record.ProviderID, domainoauth.ErrInvalidState)
	}
	return record, nil
}

func (s *OAuthService) openState(sealed string) (*domainoauth.OAuthState, error) {
	for _, secret := range s.sessions.Codec().Secrets() {
		plain, err := crypto.SymmetricDecrypt(secret, sealed)
		if err != nil {
			continue
		}
		var record domainoauth.OAuthState
		if err := json.Unmarshal([]byte(plain), &record); err != nil {
			return nil, fmt.Errorf("decode state cookie: %w", domainoauth.ErrInvalidState)
		}
		return &record, nil
	}
	return nil, fmt.Errorf("decrypt state cookie: %w", domainoauth.ErrInvalidState)
}

func (s *OAuthService) writeAccountCookie(rc *session.RequestContext, account domain.Account) {
	cache := s.sessions.Cache()
	if cache == nil || !cache.Enabled() {
		return
	}
	if err := cache.WriteAccount(rc.Out, rc.Cookies, account); err != nil {
		s.log().Warn("write account cookie", zap.Error(err))
	}
}

func (s *OAuthService) fail(providerID, errorURL, code, description string, cause error) *CallbackResult {
	s.log().Warn("oauth callback failed", zap.String("provider", providerID), zap.String("code", code), zap.Error(cause))
	s.metrics.OAuthCallback(providerID, "failure")
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	return &CallbackResult{RedirectURL: withQuery(errorURL, params), Code: code}
}

func (s *OAuthService) redirectURI(providerID string) string {
	return s.cfg.BaseURL + "/api/auth/callback/" + url.PathEscape(providerID)
}

func withQuery(target string, params url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *OAuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *OAuthService) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.log().Info("audit", fields...)
}

func (s *OAuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
