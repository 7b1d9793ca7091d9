package handler

import (
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/http/middleware"
	apimiddleware "github.com/smallbiznis/valora-session/internal/middleware"
	"github.com/smallbiznis/valora-session/internal/service"
	authsvc "github.com/smallbiznis/valora-session/internal/service/auth"
	"github.com/smallbiznis/valora-session/internal/session"
)

// AuthHandler serves the /api/auth endpoints.
type AuthHandler struct {
	Auth     *service.AuthService
	OAuth    *authsvc.OAuthService
	Sessions *session.Manager
	Origins  *apimiddleware.TrustedOrigins
	Logger   *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService, oauth *authsvc.OAuthService, sessions *session.Manager, origins *apimiddleware.TrustedOrigins, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{Auth: auth, OAuth: oauth, Sessions: sessions, Origins: origins, Logger: logger}
}

type sessionResponse struct {
	Session domain.Session `json:"session"`
	User    domain.User    `json:"user"`
}

// GetSession returns the current session or JSON null.
func (h *AuthHandler) GetSession(c *gin.Context) {
	opts := session.GetOptions{
		DisableCookieCache: queryBool(c, "disableCookieCache"),
		DisableRefresh:     queryBool(c, "disableRefresh"),
	}
	data, err := h.Sessions.Get(c.Request.Context(), middleware.RequestContext(c), opts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if data == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: data.Session, User: data.User})
}

// ListSessions returns the caller's live sessions.
func (h *AuthHandler) ListSessions(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	sessions, err := h.Sessions.List(c.Request.Context(), current.User.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// RevokeSession deletes one of the caller's sessions by token.
func (h *AuthHandler) RevokeSession(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	owned, err := h.Sessions.List(c.Request.Context(), current.User.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	for _, s := range owned {
		if s.Token == req.Token {
			if err := h.Sessions.Revoke(c.Request.Context(), req.Token); err != nil {
				h.respondError(c, err)
				return
			}
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": true})
}

// RevokeSessions deletes every session of the caller, including this one.
func (h *AuthHandler) RevokeSessions(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	if err := h.Sessions.RevokeAll(c.Request.Context(), current.User.ID); err != nil {
		h.respondError(c, err)
		return
	}
	h.Sessions.ClearCookies(middleware.RequestContext(c))
	c.JSON(http.StatusOK, gin.H{"status": true})
}

// RevokeOtherSessions keeps only the current session.
func (h *AuthHandler) RevokeOtherSessions(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	if err := h.Sessions.RevokeOthers(c.Request.Context(), current.User.ID, current.Session.Token); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true})
}

type socialRequest struct {
	Provider           string   `json:"provider"`
	CallbackURL        string   `json:"callbackURL"`
	ErrorCallbackURL   string   `json:"errorCallbackURL"`
	NewUserCallbackURL string   `json:"newUserCallbackURL"`
	Scopes             []string `json:"scopes"`
	LoginHint          string   `json:"loginHint"`
	RequestSignUp      bool     `json:"requestSignUp"`
	DisableRedirect    bool     `json:"disableRedirect"`
	RememberMe         *bool    `json:"rememberMe"`
}

func (h *AuthHandler) bindSocial(c *gin.Context) (authsvc.StartAuthorizationInput, bool, bool) {
	var req socialRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Provider) == "" {
		h.respondError(c, domain.ErrInvalidRequest)
		return authsvc.StartAuthorizationInput{}, false, false
	}
	for _, target := range []string{req.CallbackURL, req.ErrorCallbackURL, req.NewUserCallbackURL} {
		if !h.Origins.ValidRedirect(target) {
			h.respondError(c, domain.ErrInvalidOrigin)
			return authsvc.StartAuthorizationInput{}, false, false
		}
	}
	return authsvc.StartAuthorizationInput{
		Provider:      strings.TrimSpace(req.Provider),
		CallbackURL:   req.CallbackURL,
		ErrorURL:      req.ErrorCallbackURL,
		NewUserURL:    req.NewUserCallbackURL,
		Scopes:        req.Scopes,
		LoginHint:     req.LoginHint,
		RequestSignUp: req.RequestSignUp,
		RememberMe:    req.RememberMe,
	}, req.DisableRedirect, true
}

// SignInSocial starts an OAuth authorization flow.
func (h *AuthHandler) SignInSocial(c *gin.Context) {
	in, disableRedirect, ok := h.bindSocial(c)
	if !ok {
		return
	}
	out, err := h.OAuth.StartAuthorization(c.Request.Context(), middleware.RequestContext(c), in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": out.URL, "redirect": out.Redirect && !disableRedirect})
}

// LinkSocial starts a flow that links a provider to the signed-in user.
func (h *AuthHandler) LinkSocial(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	in, disableRedirect, ok := h.bindSocial(c)
	if !ok {
		return
	}
	out, err := h.OAuth.LinkSocial(c.Request.Context(), middleware.RequestContext(c), *current, in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": out.URL, "redirect": out.Redirect && !disableRedirect})
}

// OAuthCallback completes a provider flow from the query parameters.
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	res := h.OAuth.HandleCallback(c.Request.Context(), middleware.RequestContext(c), authsvc.OAuthCallbackInput{
		Provider:         c.Param("provider"),
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	c.Redirect(http.StatusFound, res.RedirectURL)
}

// OAuthCallbackFormPost accepts response_mode=form_post deliveries. The
// cross-site POST does not carry SameSite=Lax cookies, so the parameters are
// moved into the query of a top-level GET to the same callback path.
func (h *AuthHandler) OAuthCallbackFormPost(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	merged := url.Values{}
	for key, values := range c.Request.PostForm {
		merged[key] = values
	}
	for key, values := range c.Request.URL.Query() {
		merged[key] = values
	}
	target := url.URL{Path: c.Request.URL.Path, RawQuery: merged.Encode()}
	c.Redirect(http.StatusFound, target.String())
}

// ListProviders exposes the configured provider ids.
func (h *AuthHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.OAuth.ListProviders()})
}

type providerTokenRequest struct {
	ProviderID string `json:"providerId"`
	AccountID  string `json:"accountId"`
}

// GetAccessToken returns a usable provider access token, refreshing it when
// it is about to expire.
func (h *AuthHandler) GetAccessToken(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req providerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProviderID == "" {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	tok, err := h.OAuth.GetAccessToken(c.Request.Context(), current.User.ID, req.ProviderID, req.AccountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// RefreshToken forces a provider token refresh.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req providerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProviderID == "" {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	tok, err := h.OAuth.RefreshToken(c.Request.Context(), current.User.ID, req.ProviderID, req.AccountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// OK is the liveness probe.
func (h *AuthHandler) OK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ErrorPage renders the default target of failed OAuth callbacks.
func (h *AuthHandler) ErrorPage(c *gin.Context) {
	code := c.Query("error")
	if code == "" {
		code = "unknown"
	}
	body := "<!doctype html><html><head><title>Authentication error</title></head><body>" +
		"<h1>Authentication error</h1><p>Code: <code>" + html.EscapeString(code) + "</code></p></body></html>"
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
}

func (h *AuthHandler) respondError(c *gin.Context, err error) {
	middleware.WriteError(c, h.Logger, err)
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}
