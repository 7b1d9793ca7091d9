package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/valora-session/internal/adapter/oauth"
	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/cookiecache"
	"github.com/smallbiznis/valora-session/internal/domain"
	domainoauth "github.com/smallbiznis/valora-session/internal/domain/oauth"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/session"
)

type fakeProvider struct {
	oauthadapter.Unsupported
	id           string
	profile      domainoauth.UserInfo
	tokens       domainoauth.Tokens
	exchanges    int
	lastVerifier string
	refreshes    int
	refreshErr   error
}

func (p *fakeProvider) ID() oauthadapter.ProviderID { return oauthadapter.ProviderID(p.id) }

func (p *fakeProvider) CreateAuthorizationURL(_ context.Context, in domainoauth.AuthorizationURLInput) (*url.URL, error) {
	u, err := url.Parse("https://idp.example/" + p.id + "/authorize")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("state", in.State)
	q.Set("redirect_uri", in.RedirectURI)
	q.Set("code_challenge", oauthadapter.CodeChallenge(in.CodeVerifier))
	u.RawQuery = q.Encode()
	return u, nil
}

func (p *fakeProvider) ValidateAuthorizationCode(_ context.Context, in domainoauth.CodeExchangeInput) (*domainoauth.Tokens, error) {
	p.exchanges++
	p.lastVerifier = in.CodeVerifier
	if in.Code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	tokens := p.tokens
	return &tokens, nil
}

func (p *fakeProvider) GetUserInfo(context.Context, domainoauth.Tokens) (*domainoauth.UserInfoResult, error) {
	return &domainoauth.UserInfoResult{User: p.profile}, nil
}

func (p *fakeProvider) RefreshAccessToken(_ context.Context, refreshToken string) (*domainoauth.Tokens, error) {
	p.refreshes++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	exp := time.Date(2026, 4, 1, 13, 0, 0, 0, time.UTC)
	return &domainoauth.Tokens{AccessToken: "refreshed-" + refreshToken, AccessTokenExpiresAt: &exp}, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type harness struct {
	clk     *clock
	store   *repository.MemoryStore
	mgr     *session.Manager
	svc     *OAuthService
	google  *fakeProvider
	github  *fakeProvider
	jar     *cookie.Jar
	rc      *session.RequestContext
	nodeIDs *snowflake.Node
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Secret = "oauth-test-secret-0123456789abcdefghij"
	cfg.BaseURL = "https://auth.example.com"
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}

	codec := cookie.New(cookie.Options{Prefix: cfg.Cookie.Prefix, Secrets: cfg.Secrets()})
	cc, err := cookiecache.New(cookiecache.Options{Enabled: true, Strategy: config.CacheStrategyCompact, MaxAge: 5 * time.Minute, Now: clk.Now}, codec, jwt.NewKeyManager(cfg.Secrets()), zap.NewNop())
	require.NoError(t, err)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	opts := session.OptionsFromConfig(cfg.Session)
	opts.Now = clk.Now
	mgr := session.NewManager(session.NewStore(store, session.StoreOptions{Now: clk.Now}, zap.NewNop()), codec, cc, node, opts, nil, zap.NewNop())

	google := &fakeProvider{
		id:      "google",
		profile: domainoauth.UserInfo{ID: "g-1", Email: "new@x.com", Name: "New", EmailVerified: true},
		tokens:  domainoauth.Tokens{AccessToken: "g-at", RefreshToken: "g-rt", Scopes: []string{"openid", "email"}},
	}
	github := &fakeProvider{
		id:      "github",
		profile: domainoauth.UserInfo{ID: "gh-1", Email: "a@x.com", Name: "Octo", EmailVerified: false},
		tokens:  domainoauth.Tokens{AccessToken: "gh-at"},
	}
	var states repository.OAuthStateStore
	if cfg.OAuthStateStrategy != config.StateStrategyCookie {
		states = repository.NewVerificationStateStore(store.Verifications(), node, clk.Now)
	}
	svc := NewOAuthService(store, mgr, oauthadapter.NewRegistry(google, github), states, node, cfg, Options{}, nil, zap.NewNop())

	jar := cookie.NewJar()
	return &harness{
		clk: clk, store: store, mgr: mgr, svc: svc, google: google, github: github,
		jar: jar, rc: &session.RequestContext{Cookies: jar, Out: jar}, nodeIDs: node,
	}
}

func (h *harness) start(t *testing.T, provider string) string {
	t.Helper()
	out, err := h.svc.StartAuthorization(context.Background(), h.rc, StartAuthorizationInput{
		Provider: provider, CallbackURL: "/dashboard", ErrorURL: "/login", NewUserURL: "/welcome",
	})
	require.NoError(t, err)
	u, err := url.Parse(out.URL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func (h *harness) callback(provider, state, code string) *CallbackResult {
	return h.svc.HandleCallback(context.Background(), h.rc, OAuthCallbackInput{Provider: provider, State: state, Code: code})
}

func (h *harness) seedPasswordUser(t *testing.T, email string) domain.User {
	t.Helper()
	ctx := context.Background()
	user, err := h.store.Users().Create(ctx, domain.User{ID: h.nodeIDs.Generate().Int64(), Email: email, Name: "Ada"})
	require.NoError(t, err)
	_, err = h.store.Accounts().Create(ctx, domain.Account{ID: h.nodeIDs.Generate().Int64(), ProviderID: domain.CredentialProviderID, AccountID: "pw", UserID: user.ID, Password: "hash"})
	require.NoError(t, err)
	return user
}

func TestStartAuthorizationPersistsState(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.svc.StartAuthorization(context.Background(), h.rc, StartAuthorizationInput{Provider: "google"})
	require.NoError(t, err)
	require.True(t, out.Redirect)

	u, err := url.Parse(out.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.Len(t, state, 32)
	require.Equal(t, "https://auth.example.com/api/auth/callback/google", u.Query().Get("redirect_uri"))

	v, err := h.store.Verifications().GetByIdentifier(context.Background(), "oauth-state:"+state)
	require.NoError(t, err)
	require.Equal(t, h.clk.now.Add(600*time.Second), v.ExpiresAt)

	_, ok := h.jar.Get(h.mgr.Codec().Names().State)
	require.True(t, ok)

	_, err = h.svc.StartAuthorization(context.Background(), h.rc, StartAuthorizationInput{Provider: "twitter"})
	require.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestGoogleNewUserSignIn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	state := h.start(t, "google")
	res := h.callback("google", state, "good")
	require.Empty(t, res.Code)
	require.True(t, res.NewUser)
	require.Equal(t, "/welcome", res.RedirectURL)
	require.NotNil(t, res.Session)
	require.Len(t, h.google.lastVerifier, 128)

	user, err := h.store.Users().GetByEmail(ctx, "new@x.com")
	require.NoError(t, err)
	require.True(t, user.EmailVerified)
	account, err := h.store.Accounts().GetByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, user.ID, account.UserID)
	require.Equal(t, "g-at", account.AccessToken)

	got, err := h.mgr.Get(ctx, h.rc, session.GetOptions{DisableCookieCache: true})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, user.ID, got.User.ID)

	cached, ok := h.mgr.Cache().ReadAccount(h.jar)
	require.True(t, ok)
	require.Equal(t, "google", cached.ProviderID)
	require.Empty(t, cached.AccessToken)
}

func TestPKCEVerifierRoundTrips(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.svc.StartAuthorization(context.Background(), h.rc, StartAuthorizationInput{Provider: "google"})
	require.NoError(t, err)
	u, err := url.Parse(out.URL)
	require.NoError(t, err)

	h.callback("google", u.Query().Get("state"), "good")
	require.Equal(t, u.Query().Get("code_challenge"), oauthadapter.CodeChallenge(h.google.lastVerifier))
}

func TestUnverifiedGitHubEmailIsNotLinked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	user := h.seedPasswordUser(t, "a@x.com")

	state := h.start(t, "github")
	res := h.callback("github", state, "good")
	require.Equal(t, "account_not_linked", res.Code)
	require.Nil(t, res.Session)
	require.Equal(t, "/login?error=account_not_linked", res.RedirectURL)

	_, err := h.store.Accounts().GetByProvider(ctx, "github", "gh-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
	sessions, err := h.store.Sessions().ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestTrustedProviderLinksUnverifiedEmail(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AccountLinking.TrustedProviders = []string{"github"} })
	ctx := context.Background()
	user := h.seedPasswordUser(t, "a@x.com")

	res := h.callback("github", h.start(t, "github"), "good")
	require.Empty(t, res.Code)
	require.False(t, res.NewUser)
	require.Equal(t, "/dashboard", res.RedirectURL)

	account, err := h.store.Accounts().GetByProvider(ctx, "github", "gh-1")
	require.NoError(t, err)
	require.Equal(t, user.ID, account.UserID)
}

func TestVerifiedEmailPromotesUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	user := h.seedPasswordUser(t, "a@x.com")
	h.google.profile = domainoauth.UserInfo{ID: "g-2", Email: "A@x.com", EmailVerified: true}

	res := h.callback("google", h.start(t, "google"), "good")
	require.Empty(t, res.Code)

	updated, err := h.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, updated.EmailVerified)
}

func TestLinkingDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AccountLinking.Enabled = false })
	h.seedPasswordUser(t, "new@x.com")
	res := h.callback("google", h.start(t, "google"), "good")
	require.Equal(t, "account_not_linked", res.Code)
}

func TestStateReplayIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	state := h.start(t, "google")

	first := h.callback("google", state, "good")
	require.Empty(t, first.Code)
	user, err := h.store.Users().GetByEmail(ctx, "new@x.com")
	require.NoError(t, err)
	before, err := h.store.Sessions().ListByUser(ctx, user.ID)
	require.NoError(t, err)

	// Replay with the state cookie restored.
	h.mgr.Codec().SetSigned(h.jar, h.mgr.Codec().Names().State, state, time.Minute)
	replay := h.callback("google", state, "good")
	require.Equal(t, domainoauth.CodeStateMismatch, replay.Code)
	require.Equal(t, 1, h.google.exchanges)

	after, err := h.store.Sessions().ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
}

func TestUnknownOrUnboundStateIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	res := h.callback("google", "never-issued", "good")
	require.Equal(t, domainoauth.CodeStateMismatch, res.Code)
	require.Equal(t, "https://auth.example.com/api/auth/error?error=state_mismatch", res.RedirectURL)

	// A state issued to another browser lacks the binding cookie.
	state := h.start(t, "google")
	h.jar = cookie.NewJar()
	h.rc = &session.RequestContext{Cookies: h.jar, Out: h.jar}
	res = h.callback("google", state, "good")
	require.Equal(t, domainoauth.CodeStateMismatch, res.Code)

	res = h.callback("google", "", "good")
	require.Equal(t, domainoauth.CodeStateMismatch, res.Code)
	require.Zero(t, h.google.exchanges)
}

func TestStateForOtherProviderIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	state := h.start(t, "google")
	res := h.callback("github", state, "good")
	require.Equal(t, domainoauth.CodeStateMismatch, res.Code)
	require.Zero(t, h.github.exchanges)
}

func TestExpiredStateIsRejected(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.OAuthStateStrategy = config.StateStrategyCookie })
	state := h.start(t, "google")
	h.clk.now = h.clk.now.Add(11 * time.Minute)
	res := h.callback("google", state, "good")
	require.Equal(t, domainoauth.CodeStateMismatch, res.Code)
}

func TestProviderErrorSkipsExchange(t *testing.T) {
	h := newHarness(t, nil)
	state := h.start(t, "google")
	res := h.svc.HandleCallback(context.Background(), h.rc, OAuthCallbackInput{Provider: "google", State: state, Error: "access_denied"})
	require.Equal(t, "access_denied", res.Code)
	require.Equal(t, "/login?error=access_denied", res.RedirectURL)
	require.Zero(t, h.google.exchanges)
}

func TestCodeExchangeFailure(t *testing.T) {
	h := newHarness(t, nil)
	res := h.callback("google", h.start(t, "google"), "bad")
	require.Equal(t, domainoauth.CodeInvalidCode, res.Code)
}

func TestCookieStateStrategy(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.OAuthStateStrategy = config.StateStrategyCookie })
	state := h.start(t, "google")

	_, ok := h.jar.Get(h.mgr.Codec().Names().OAuthState)
	require.True(t, ok)

	res := h.callback("google", state, "good")
	require.Empty(t, res.Code)
	_, ok = h.jar.Get(h.mgr.Codec().Names().OAuthState)
	require.False(t, ok, "state cookie is consumed")

	res = h.callback("google", state, "good")
	require.Equal(t, domainoauth.CodeStateMismatch, res.Code)
}

func TestSignUpDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.DisableSignUp = true })
	res := h.callback("google", h.start(t, "google"), "good")
	require.Equal(t, "signup_disabled", res.Code)
	_, err := h.store.Users().GetByEmail(context.Background(), "new@x.com")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestImplicitSignUpNeedsRequest(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.DisableImplicitSignUp = true })
	res := h.callback("google", h.start(t, "google"), "good")
	require.Equal(t, "signup_disabled", res.Code)

	out, err := h.svc.StartAuthorization(context.Background(), h.rc, StartAuthorizationInput{Provider: "google", RequestSignUp: true})
	require.NoError(t, err)
	u, _ := url.Parse(out.URL)
	res = h.callback("google", u.Query().Get("state"), "good")
	require.Empty(t, res.Code)
}

func TestReturningLoginUpdatesTokens(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Account.UpdateOnSignIn = true
		c.Account.OverrideUserInfoOnSignIn = true
	})
	ctx := context.Background()
	require.Empty(t, h.callback("google", h.start(t, "google"), "good").Code)

	h.google.tokens.AccessToken = "g-at-2"
	h.google.profile.Name = "Renamed"
	res := h.callback("google", h.start(t, "google"), "good")
	require.Empty(t, res.Code)
	require.False(t, res.NewUser)
	require.Equal(t, "/dashboard", res.RedirectURL)

	account, err := h.store.Accounts().GetByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, "g-at-2", account.AccessToken)
	require.Equal(t, "Renamed", res.Session.User.Name)
}

func TestLinkSocial(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	user := h.seedPasswordUser(t, "new@x.com")
	current, err := h.mgr.Create(ctx, h.rc, user, false)
	require.NoError(t, err)

	out, err := h.svc.LinkSocial(ctx, h.rc, current, StartAuthorizationInput{Provider: "google", CallbackURL: "/settings"})
	require.NoError(t, err)
	u, _ := url.Parse(out.URL)
	res := h.callback("google", u.Query().Get("state"), "good")
	require.Empty(t, res.Code)
	require.True(t, res.Linked)
	require.Equal(t, "/settings", res.RedirectURL)

	account, err := h.store.Accounts().GetByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, user.ID, account.UserID)

	_, err = h.svc.LinkSocial(ctx, h.rc, current, StartAuthorizationInput{Provider: "google"})
	require.ErrorIs(t, err, domain.ErrSocialAccountLinked)
}

func TestLinkSocialRejectsDifferentEmail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	user := h.seedPasswordUser(t, "someone@x.com")
	current, err := h.mgr.Create(ctx, h.rc, user, false)
	require.NoError(t, err)

	out, err := h.svc.LinkSocial(ctx, h.rc, current, StartAuthorizationInput{Provider: "google"})
	require.NoError(t, err)
	u, _ := url.Parse(out.URL)
	res := h.callback("google", u.Query().Get("state"), "good")
	require.Equal(t, "email_doesn't_match", res.Code)
}

func TestLinkSocialRejectsAccountOfOtherUser(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AccountLinking.AllowDifferentEmails = true })
	ctx := context.Background()
	require.Empty(t, h.callback("google", h.start(t, "google"), "good").Code)

	other := h.seedPasswordUser(t, "other@x.com")
	current, err := h.mgr.Create(ctx, h.rc, other, false)
	require.NoError(t, err)
	out, err := h.svc.LinkSocial(ctx, h.rc, current, StartAuthorizationInput{Provider: "google"})
	require.NoError(t, err)
	u, _ := url.Parse(out.URL)
	res := h.callback("google", u.Query().Get("state"), "good")
	require.Equal(t, "account_already_linked_to_different_user", res.Code)
}

func TestGetAccessTokenRefreshesNearExpiry(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Account.EncryptOAuthTokens = true })
	ctx := context.Background()
	soon := h.clk.now.Add(3 * time.Second)
	h.google.tokens.AccessTokenExpiresAt = &soon
	res := h.callback("google", h.start(t, "google"), "good")
	require.Empty(t, res.Code)
	userID := res.Session.User.ID

	stored, err := h.store.Accounts().GetByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	require.NotEqual(t, "g-at", stored.AccessToken, "tokens are encrypted at rest")

	tok, err := h.svc.GetAccessToken(ctx, userID, "google", "")
	require.NoError(t, err)
	require.Equal(t, "refreshed-g-rt", tok.AccessToken)
	require.Equal(t, 1, h.google.refreshes)

	// The refreshed token is valid for an hour: no second refresh.
	tok, err = h.svc.GetAccessToken(ctx, userID, "google", "")
	require.NoError(t, err)
	require.Equal(t, "refreshed-g-rt", tok.AccessToken)
	require.Equal(t, 1, h.google.refreshes)
}

func TestProviderTokenErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.callback("google", h.start(t, "google"), "good")
	userID := res.Session.User.ID

	_, err := h.svc.GetAccessToken(ctx, userID, "twitter", "")
	require.ErrorIs(t, err, domain.ErrProviderNotFound)
	_, err = h.svc.GetAccessToken(ctx, userID, "github", "")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	h.google.refreshErr = errors.New("upstream down")
	_, err = h.svc.RefreshToken(ctx, userID, "google", "")
	require.ErrorIs(t, err, domain.ErrFailedToRefreshToken)

	h.google.refreshErr = nil
	tok, err := h.svc.RefreshToken(ctx, userID, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, "refreshed-g-rt", tok.AccessToken)
}
