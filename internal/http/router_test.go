package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/valora-session/internal/adapter/oauth"
	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/cookiecache"
	domainoauth "github.com/smallbiznis/valora-session/internal/domain/oauth"
	"github.com/smallbiznis/valora-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/mailer"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/middleware"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/service"
	authsvc "github.com/smallbiznis/valora-session/internal/service/auth"
	"github.com/smallbiznis/valora-session/internal/session"
)

type stubProvider struct {
	oauthadapter.Unsupported
}

func (stubProvider) ID() oauthadapter.ProviderID { return "google" }

func (stubProvider) CreateAuthorizationURL(_ context.Context, in domainoauth.AuthorizationURLInput) (*url.URL, error) {
	return url.Parse("https://accounts.example/authorize?state=" + url.QueryEscape(in.State))
}

func (stubProvider) ValidateAuthorizationCode(context.Context, domainoauth.CodeExchangeInput) (*domainoauth.Tokens, error) {
	return &domainoauth.Tokens{AccessToken: "at"}, nil
}

func (stubProvider) GetUserInfo(context.Context, domainoauth.Tokens) (*domainoauth.UserInfoResult, error) {
	return &domainoauth.UserInfoResult{User: domainoauth.UserInfo{ID: "sub-1", Email: "social@x.com", Name: "Social", EmailVerified: true}}, nil
}

type outbox struct{ sent []mailer.Email }

func (o *outbox) Send(_ context.Context, e mailer.Email) error {
	o.sent = append(o.sent, e)
	return nil
}

type client struct {
	t      *testing.T
	router *gin.Engine
	jar    *cookie.Jar
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range c.jar.Cookies() {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		c.jar.SetCookie(ck)
	}
	return w
}

func newTestClient(t *testing.T) (*client, *outbox, *repository.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Defaults()
	cfg.Secret = "router-test-secret-0123456789abcdefghij"
	cfg.BaseURL = "http://auth.test"
	cfg.ServiceName = "valora-session-test"

	logger := zap.NewNop()
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	codec := cookie.New(cookie.Options{Prefix: cfg.Cookie.Prefix, Secrets: cfg.Secrets()})
	cache, err := cookiecache.New(cookiecache.Options{Enabled: true, Strategy: config.CacheStrategyJWT, MaxAge: 5 * time.Minute}, codec, jwt.NewKeyManager(cfg.Secrets()), logger)
	require.NoError(t, err)
	m := metrics.New()

	sessions := session.NewManager(session.NewStore(store, session.StoreOptions{Metrics: m}, logger), codec, cache, node, session.OptionsFromConfig(cfg.Session), m, logger)
	mail := &outbox{}
	authService := service.NewAuthService(store, sessions, mail, node, cfg, m, logger)
	oauthService := authsvc.NewOAuthService(store, sessions, oauthadapter.NewRegistry(stubProvider{}),
		repository.NewVerificationStateStore(store.Verifications(), node, nil), node, cfg, authsvc.Options{}, m, logger)

	origins := middleware.NewTrustedOrigins(cfg)
	h := handler.NewAuthHandler(authService, oauthService, sessions, origins, logger)
	router := NewRouter(cfg, h, httpmiddleware.NewAuth(sessions, logger), origins, nil, m, logger)
	return &client{t: t, router: router, jar: cookie.NewJar()}, mail, store
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestEmailSessionLifecycle(t *testing.T) {
	c, _, _ := newTestClient(t)

	w := c.do(http.MethodGet, "/api/auth/get-session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "null", strings.TrimSpace(w.Body.String()))

	w = c.do(http.MethodPost, "/api/auth/sign-up/email", map[string]any{"name": "Ada", "email": "Ada@X.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	require.NotEmpty(t, body["token"])
	require.Equal(t, "ada@x.com", body["user"].(map[string]any)["email"])

	_, ok := c.jar.Get("better-auth.session_token")
	require.True(t, ok)
	_, ok = c.jar.Get("better-auth.session_data")
	require.True(t, ok)

	w = c.do(http.MethodGet, "/api/auth/get-session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Ada", decode(t, w)["user"].(map[string]any)["name"])

	w = c.do(http.MethodGet, "/api/auth/list-sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = c.do(http.MethodPost, "/api/auth/sign-out", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = c.jar.Get("better-auth.session_token")
	require.False(t, ok)

	w = c.do(http.MethodGet, "/api/auth/list-sessions", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "UNAUTHORIZED", decode(t, w)["code"])
}

func TestSignInErrorsUseCodeTable(t *testing.T) {
	c, _, _ := newTestClient(t)
	w := c.do(http.MethodPost, "/api/auth/sign-up/email", map[string]any{"name": "Ada", "email": "ada@x.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)

	w = c.do(http.MethodPost, "/api/auth/sign-up/email", map[string]any{"name": "Ada", "email": "ada@x.com", "password": "correct horse"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "USER_ALREADY_EXISTS", decode(t, w)["code"])

	w = c.do(http.MethodPost, "/api/auth/sign-in/email", map[string]any{"email": "ada@x.com", "password": "wrong password"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "INVALID_EMAIL_OR_PASSWORD", decode(t, w)["code"])

	w = c.do(http.MethodPost, "/api/auth/sign-in/email", map[string]any{"email": "ada@x.com", "password": "correct horse", "callbackURL": "https://evil.com"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "INVALID_ORIGIN", decode(t, w)["code"])

	w = c.do(http.MethodPost, "/api/auth/sign-in/email", map[string]any{"email": "ada@x.com", "password": "correct horse", "callbackURL": "/home"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, true, body["redirect"])
	require.Equal(t, "/home", body["url"])
}

func TestPasswordResetOverHTTP(t *testing.T) {
	c, mail, _ := newTestClient(t)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/auth/sign-up/email", map[string]any{"name": "Ada", "email": "ada@x.com", "password": "correct horse"}).Code)

	w := c.do(http.MethodPost, "/api/auth/request-password-reset", map[string]any{"email": "ada@x.com", "redirectTo": "/reset"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mail.sent, 1)

	idx := strings.Index(mail.sent[0].Body, "http://auth.test/api/auth/reset-password/")
	require.GreaterOrEqual(t, idx, 0)
	link := strings.Fields(mail.sent[0].Body[idx:])[0]
	u, err := url.Parse(link)
	require.NoError(t, err)

	w = c.do(http.MethodGet, u.RequestURI(), nil)
	require.Equal(t, http.StatusFound, w.Code)
	target, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/reset", target.Path)
	token := target.Query().Get("token")
	require.NotEmpty(t, token)

	w = c.do(http.MethodPost, "/api/auth/reset-password", map[string]any{"token": token, "newPassword": "battery staple"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodPost, "/api/auth/reset-password", map[string]any{"token": token, "newPassword": "battery staple"})
	require.Equal(t, "INVALID_TOKEN", decode(t, w)["code"])

	w = c.do(http.MethodPost, "/api/auth/sign-in/email", map[string]any{"email": "ada@x.com", "password": "battery staple"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSocialSignInOverHTTP(t *testing.T) {
	c, _, store := newTestClient(t)

	w := c.do(http.MethodPost, "/api/auth/sign-in/social", map[string]any{"provider": "google", "callbackURL": "/app"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	require.Equal(t, true, body["redirect"])
	authURL, err := url.Parse(body["url"].(string))
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	w = c.do(http.MethodGet, "/api/auth/callback/google?code=abc&state="+url.QueryEscape(state), nil)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/app", w.Header().Get("Location"))

	user, err := store.Users().GetByEmail(context.Background(), "social@x.com")
	require.NoError(t, err)
	require.True(t, user.EmailVerified)

	w = c.do(http.MethodGet, "/api/auth/list-accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"providerId":"google"`)
	require.NotContains(t, w.Body.String(), `"at"`)

	// Replaying the callback fails closed.
	w = c.do(http.MethodGet, "/api/auth/callback/google?code=abc&state="+url.QueryEscape(state), nil)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "http://auth.test/api/auth/error?error=state_mismatch", w.Header().Get("Location"))
}

func TestFormPostCallbackRedirectsToQueryCallback(t *testing.T) {
	c, _, store := newTestClient(t)

	w := c.do(http.MethodPost, "/api/auth/sign-in/social", map[string]any{"provider": "google", "callbackURL": "/app"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	authURL, err := url.Parse(decode(t, w)["url"].(string))
	require.NoError(t, err)
	state := authURL.Query().Get("state")

	// A cross-site form_post arrives without the Lax state cookie.
	form := url.Values{"code": {"abc"}, "state": {state}}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/callback/google", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://accounts.example")
	w = httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/api/auth/callback/google", location.Path)
	require.Equal(t, "abc", location.Query().Get("code"))
	require.Equal(t, state, location.Query().Get("state"))

	_, err = store.Users().GetByEmail(context.Background(), "social@x.com")
	require.ErrorIs(t, err, repository.ErrNotFound)

	// The browser follows with a top-level GET that carries its cookies.
	w = c.do(http.MethodGet, location.String(), nil)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/app", w.Header().Get("Location"))

	_, err = store.Users().GetByEmail(context.Background(), "social@x.com")
	require.NoError(t, err)
}

func TestSocialRejectsUnknownProviderAndUntrustedCallback(t *testing.T) {
	c, _, _ := newTestClient(t)

	w := c.do(http.MethodPost, "/api/auth/sign-in/social", map[string]any{"provider": "myspace"})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "PROVIDER_NOT_FOUND", decode(t, w)["code"])

	w = c.do(http.MethodPost, "/api/auth/sign-in/social", map[string]any{"provider": "google", "callbackURL": "https://evil.com/x"})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestOKErrorAndMetrics(t *testing.T) {
	c, _, _ := newTestClient(t)

	w := c.do(http.MethodGet, "/api/auth/ok", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["ok"])

	w = c.do(http.MethodGet, "/api/auth/error?error=<script>", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "&lt;script&gt;")

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/auth/sign-up/email", map[string]any{"name": "Ada", "email": "ada@x.com", "password": "correct horse"}).Code)
	w = c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "session_created_total")

	w = c.do(http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", decode(t, w)["code"])
}
