package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/cookiecache"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/mailer"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/session"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type outbox struct {
	mu   sync.Mutex
	sent []mailer.Email
}

func (o *outbox) Send(_ context.Context, e mailer.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, e)
	return nil
}

func (o *outbox) last(t *testing.T) mailer.Email {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent)
	return o.sent[len(o.sent)-1]
}

type harness struct {
	clk   *clock
	store *repository.MemoryStore
	mgr   *session.Manager
	svc   *AuthService
	mail  *outbox
	jar   *cookie.Jar
	rc    *session.RequestContext
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Secret = "service-test-secret-0123456789abcdef"
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	codec := cookie.New(cookie.Options{Prefix: cfg.Cookie.Prefix, Secrets: cfg.Secrets()})
	cc, err := cookiecache.New(cookiecache.Options{Strategy: config.CacheStrategyCompact, MaxAge: time.Minute, Now: clk.Now}, codec, jwt.NewKeyManager(cfg.Secrets()), zap.NewNop())
	require.NoError(t, err)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	sessions := session.NewStore(store, session.StoreOptions{Now: clk.Now}, zap.NewNop())
	opts := session.OptionsFromConfig(cfg.Session)
	opts.Now = clk.Now
	mgr := session.NewManager(sessions, codec, cc, node, opts, nil, zap.NewNop())

	mail := &outbox{}
	jar := cookie.NewJar()
	return &harness{
		clk:   clk,
		store: store,
		mgr:   mgr,
		svc:   NewAuthService(store, mgr, mail, node, cfg, nil, zap.NewNop()),
		mail:  mail,
		jar:   jar,
		rc:    &session.RequestContext{Cookies: jar, Out: jar},
	}
}

func (h *harness) signUp(t *testing.T, email, password string) *AuthResult {
	t.Helper()
	res, err := h.svc.SignUpEmail(context.Background(), h.rc, SignUpInput{Name: "Ada", Email: email, Password: password})
	require.NoError(t, err)
	return res
}

func (h *harness) current(t *testing.T) domain.SessionWithUser {
	t.Helper()
	got, err := h.mgr.Get(context.Background(), h.rc, session.GetOptions{DisableCookieCache: true})
	require.NoError(t, err)
	require.NotNil(t, got)
	return *got
}

func TestSignUpCreatesUserAccountAndSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.signUp(t, " A@X.com ", "correct horse")
	require.Equal(t, "a@x.com", res.User.Email)
	require.NotNil(t, res.Session)
	require.Equal(t, res.Session.Token, res.Token)

	accounts, err := h.store.Accounts().ListByUser(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.True(t, accounts[0].IsCredential())
	require.NotEqual(t, "correct horse", accounts[0].Password)

	require.Equal(t, res.Session.ID, h.current(t).Session.ID)
}

func TestSignUpValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.SignUpEmail(ctx, h.rc, SignUpInput{Email: "not-an-email", Password: "long enough"})
	require.ErrorIs(t, err, domain.ErrInvalidEmail)
	_, err = h.svc.SignUpEmail(ctx, h.rc, SignUpInput{Email: "a@x.com", Password: "short"})
	require.ErrorIs(t, err, domain.ErrPasswordTooShort)
	_, err = h.svc.SignUpEmail(ctx, h.rc, SignUpInput{Email: "a@x.com", Password: strings.Repeat("p", 129)})
	require.ErrorIs(t, err, domain.ErrPasswordTooLong)

	h.signUp(t, "a@x.com", "long enough")
	_, err = h.svc.SignUpEmail(ctx, h.rc, SignUpInput{Email: "A@x.com", Password: "long enough"})
	require.ErrorIs(t, err, domain.ErrUserAlreadyExists)
}

func TestSignUpDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.DisableSignUp = true })
	_, err := h.svc.SignUpEmail(context.Background(), h.rc, SignUpInput{Email: "a@x.com", Password: "long enough"})
	require.ErrorIs(t, err, domain.ErrSignUpDisabled)
}

func TestSignInEmail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.signUp(t, "a@x.com", "correct horse")
	h.jar = cookie.NewJar()
	h.rc = &session.RequestContext{Cookies: h.jar, Out: h.jar}

	res, err := h.svc.SignInEmail(ctx, h.rc, SignInInput{Email: "a@x.com", Password: "correct horse"})
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	_, err = h.svc.SignInEmail(ctx, h.rc, SignInInput{Email: "a@x.com", Password: "wrong horse"})
	require.ErrorIs(t, err, domain.ErrInvalidEmailOrPassword)

	// Unknown users are indistinguishable from a bad password.
	_, err = h.svc.SignInEmail(ctx, h.rc, SignInInput{Email: "nobody@x.com", Password: "correct horse"})
	require.ErrorIs(t, err, domain.ErrInvalidEmailOrPassword)
	require.NotEmpty(t, h.svc.dummyHash)
}

func TestSignInWithoutCredentialAccount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.store.Users().Create(ctx, domain.User{ID: 9, Email: "oauth@x.com"})
	require.NoError(t, err)

	_, err = h.svc.SignInEmail(ctx, h.rc, SignInInput{Email: "oauth@x.com", Password: "whatever1"})
	require.ErrorIs(t, err, domain.ErrInvalidEmailOrPassword)
}

func TestSignInRememberMeFalse(t *testing.T) {
	h := newHarness(t, nil)
	h.signUp(t, "a@x.com", "correct horse")
	remember := false
	res, err := h.svc.SignInEmail(context.Background(), h.rc, SignInInput{Email: "a@x.com", Password: "correct horse", RememberMe: &remember})
	require.NoError(t, err)
	require.Equal(t, h.clk.now.Add(24*time.Hour), res.Session.ExpiresAt)
}

func TestSignOutRevokesAndClears(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.signUp(t, "a@x.com", "correct horse")

	require.NoError(t, h.svc.SignOut(ctx, h.rc))
	_, ok := h.jar.Get(h.mgr.Codec().Names().SessionToken)
	require.False(t, ok)
	_, err := h.store.Sessions().GetByToken(ctx, res.Session.Token)
	require.ErrorIs(t, err, repository.ErrNotFound)

	// Signing out twice is harmless.
	require.NoError(t, h.svc.SignOut(ctx, h.rc))
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Password.RevokeSessionsOnReset = true })
	ctx := context.Background()
	res := h.signUp(t, "a@x.com", "correct horse")

	require.NoError(t, h.svc.RequestPasswordReset(ctx, "a@x.com", "/done"))
	email := h.mail.last(t)
	require.Equal(t, []string{"a@x.com"}, email.To)
	idx := strings.Index(email.Body, "/reset-password/")
	require.Positive(t, idx)
	token := email.Body[idx+len("/reset-password/"):]
	token = token[:strings.IndexAny(token, "?\n")]
	require.Len(t, token, 24)
	require.True(t, h.svc.CheckResetToken(ctx, token))

	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, "short"), domain.ErrPasswordTooShort)
	require.NoError(t, h.svc.ResetPassword(ctx, token, "battery staple"))
	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, "battery staple"), domain.ErrInvalidToken, "tokens are single use")

	_, err := h.store.Sessions().GetByToken(ctx, res.Session.Token)
	require.ErrorIs(t, err, repository.ErrNotFound)

	_, err = h.svc.SignInEmail(ctx, h.rc, SignInInput{Email: "a@x.com", Password: "battery staple"})
	require.NoError(t, err)
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.RequestPasswordReset(context.Background(), "nobody@x.com", ""))
	require.Empty(t, h.mail.sent)
	require.ErrorIs(t, h.svc.RequestPasswordReset(context.Background(), "bad", ""), domain.ErrInvalidEmail)
}

func TestPasswordResetTokenExpires(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.signUp(t, "a@x.com", "correct horse")
	require.NoError(t, h.svc.RequestPasswordReset(ctx, "a@x.com", ""))
	body := h.mail.last(t).Body
	token := strings.TrimSpace(body[strings.Index(body, "/reset-password/")+len("/reset-password/"):])

	h.clk.now = h.clk.now.Add(2 * time.Hour)
	require.False(t, h.svc.CheckResetToken(ctx, token))
	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, "battery staple"), domain.ErrInvalidToken)
}

func TestResetCreatesCredentialForOAuthUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	user, err := h.store.Users().Create(ctx, domain.User{ID: 5, Email: "oauth@x.com"})
	require.NoError(t, err)

	require.NoError(t, h.svc.RequestPasswordReset(ctx, user.Email, ""))
	body := h.mail.last(t).Body
	token := strings.TrimSpace(body[strings.Index(body, "/reset-password/")+len("/reset-password/"):])
	require.NoError(t, h.svc.ResetPassword(ctx, token, "battery staple"))

	account, err := h.svc.credentialAccount(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, account)
}

func TestChangePasswordRevokesOthers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.signUp(t, "a@x.com", "correct horse")
	_, err := h.mgr.Issue(ctx, nil, first.User, false)
	require.NoError(t, err)
	cur := h.current(t)

	_, err = h.svc.ChangePassword(ctx, h.rc, cur, "wrong", "battery staple", true)
	require.ErrorIs(t, err, domain.ErrInvalidPassword)

	res, err := h.svc.ChangePassword(ctx, h.rc, cur, "correct horse", "battery staple", true)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	require.NotEqual(t, first.Session.Token, res.Session.Token)

	sessions, err := h.mgr.List(ctx, first.User.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, res.Session.Token, sessions[0].Token)
	require.Equal(t, res.Session.Token, h.current(t).Session.Token)
}

func TestUpdateUserRefreshesCookies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.signUp(t, "a@x.com", "correct horse")
	cur := h.current(t)

	name := "Grace"
	user, err := h.svc.UpdateUser(ctx, h.rc, cur, domain.UserPatch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Grace", user.Name)
	require.Equal(t, "Grace", h.current(t).User.Name)

	email := "b@x.com"
	_, err = h.svc.UpdateUser(ctx, h.rc, cur, domain.UserPatch{Email: &email})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUnlinkLastAccountGuard(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.signUp(t, "a@x.com", "correct horse")

	err := h.svc.UnlinkAccount(ctx, res.User.ID, domain.CredentialProviderID, "")
	require.ErrorIs(t, err, domain.ErrFailedToUnlinkLast)
	accounts, err := h.svc.ListAccounts(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	_, err = h.store.Accounts().Create(ctx, domain.Account{ID: 77, ProviderID: "github", AccountID: "gh-1", UserID: res.User.ID})
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.UnlinkAccount(ctx, res.User.ID, "google", ""), domain.ErrAccountNotFound)
	require.NoError(t, h.svc.UnlinkAccount(ctx, res.User.ID, "github", "gh-1"))

	accounts, err = h.svc.ListAccounts(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, domain.CredentialProviderID, accounts[0].ProviderID)
}

func TestUnlinkAllAllowed(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AccountLinking.AllowUnlinkingAll = true })
	res := h.signUp(t, "a@x.com", "correct horse")
	require.NoError(t, h.svc.UnlinkAccount(context.Background(), res.User.ID, domain.CredentialProviderID, ""))
}

func TestDeleteUserRequiresFreshSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.signUp(t, "a@x.com", "correct horse")
	cur := h.current(t)

	h.clk.now = h.clk.now.Add(25 * time.Hour)
	require.ErrorIs(t, h.svc.DeleteUser(ctx, h.rc, cur, ""), domain.ErrSessionNotFresh)

	h.clk.now = cur.Session.CreatedAt.Add(time.Minute)
	require.ErrorIs(t, h.svc.DeleteUser(ctx, h.rc, cur, "wrong"), domain.ErrInvalidPassword)
	require.NoError(t, h.svc.DeleteUser(ctx, h.rc, cur, "correct horse"))

	_, err := h.store.Users().GetByID(ctx, res.User.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = h.store.Sessions().GetByToken(ctx, res.Session.Token)
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, ok := h.jar.Get(h.mgr.Codec().Names().SessionToken)
	require.False(t, ok)
}

type blockingRelay struct {
	release chan struct{}
	inner   *outbox
}

func (b *blockingRelay) Send(ctx context.Context, e mailer.Email) error {
	<-b.release
	return b.inner.Send(ctx, e)
}

func TestPasswordResetDoesNotWaitForRelay(t *testing.T) {
	h := newHarness(t, nil)
	h.signUp(t, "a@x.com", "correct horse")

	relay := &blockingRelay{release: make(chan struct{}), inner: h.mail}
	queue := mailer.NewQueue(relay, 4, zap.NewNop())
	go queue.Run()
	h.svc.mailer = queue

	done := make(chan error, 1)
	go func() { done <- h.svc.RequestPasswordReset(context.Background(), "a@x.com", "") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reset request blocked on mail delivery")
	}

	close(relay.release)
	require.NoError(t, queue.Close(context.Background()))
	require.Equal(t, []string{"a@x.com"}, h.mail.last(t).To)
}
