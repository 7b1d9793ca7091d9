package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/service"
)

type authResponse struct {
	Redirect bool        `json:"redirect"`
	URL      string      `json:"url,omitempty"`
	Token    string      `json:"token"`
	User     domain.User `json:"user"`
}

// SignUpEmail registers an email/password user and signs them in.
func (h *AuthHandler) SignUpEmail(c *gin.Context) {
	var req struct {
		service.SignUpInput
		CallbackURL string `json:"callbackURL"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	if !h.Origins.ValidRedirect(req.CallbackURL) {
		h.respondError(c, domain.ErrInvalidOrigin)
		return
	}
	res, err := h.Auth.SignUpEmail(c.Request.Context(), middleware.RequestContext(c), req.SignUpInput)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, authResponse{Redirect: req.CallbackURL != "", URL: req.CallbackURL, Token: res.Token, User: res.User})
}

// SignInEmail authenticates with email and password.
func (h *AuthHandler) SignInEmail(c *gin.Context) {
	var req struct {
		service.SignInInput
		CallbackURL string `json:"callbackURL"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	if !h.Origins.ValidRedirect(req.CallbackURL) {
		h.respondError(c, domain.ErrInvalidOrigin)
		return
	}
	res, err := h.Auth.SignInEmail(c.Request.Context(), middleware.RequestContext(c), req.SignInInput)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, authResponse{Redirect: req.CallbackURL != "", URL: req.CallbackURL, Token: res.Token, User: res.User})
}

// SignOut deletes the current session and clears its cookies.
func (h *AuthHandler) SignOut(c *gin.Context) {
	if err := h.Auth.SignOut(c.Request.Context(), middleware.RequestContext(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RequestPasswordReset mails a reset link. The response never reveals
// whether the email is registered.
func (h *AuthHandler) RequestPasswordReset(c *gin.Context) {
	var req struct {
		Email      string `json:"email"`
		RedirectTo string `json:"redirectTo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	if !h.Origins.ValidRedirect(req.RedirectTo) {
		h.respondError(c, domain.ErrInvalidOrigin)
		return
	}
	if err := h.Auth.RequestPasswordReset(c.Request.Context(), req.Email, req.RedirectTo); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true})
}

// ResetPasswordCallback is the target of mailed links. It forwards the
// browser to callbackURL with either ?token= or ?error=INVALID_TOKEN.
func (h *AuthHandler) ResetPasswordCallback(c *gin.Context) {
	token := c.Param("token")
	callbackURL := c.Query("callbackURL")
	if callbackURL == "" || !h.Origins.ValidRedirect(callbackURL) {
		h.respondError(c, domain.ErrInvalidOrigin)
		return
	}
	params := url.Values{}
	if h.Auth.CheckResetToken(c.Request.Context(), token) {
		params.Set("token", token)
	} else {
		params.Set("error", domain.ErrInvalidToken.Code)
	}
	c.Redirect(http.StatusFound, appendQuery(callbackURL, params))
}

// ResetPassword consumes a reset token and sets a new password.
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req struct {
		NewPassword string `json:"newPassword"`
		Token       string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	if req.Token == "" {
		req.Token = c.Query("token")
	}
	if req.Token == "" {
		h.respondError(c, domain.ErrInvalidToken)
		return
	}
	if err := h.Auth.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true})
}

// ChangePassword rotates the caller's password and session.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req struct {
		CurrentPassword     string `json:"currentPassword"`
		NewPassword         string `json:"newPassword"`
		RevokeOtherSessions bool   `json:"revokeOtherSessions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	res, err := h.Auth.ChangePassword(c.Request.Context(), middleware.RequestContext(c), *current, req.CurrentPassword, req.NewPassword, req.RevokeOtherSessions)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": res.Token, "user": res.User})
}

// UpdateUser changes the caller's name or image.
func (h *AuthHandler) UpdateUser(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req struct {
		Name  *string `json:"name"`
		Image *string `json:"image"`
		Email *string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	user, err := h.Auth.UpdateUser(c.Request.Context(), middleware.RequestContext(c), *current, domain.UserPatch{Name: req.Name, Image: req.Image, Email: req.Email})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "user": user})
}

// ListAccounts returns the providers linked to the caller.
func (h *AuthHandler) ListAccounts(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	accounts, err := h.Auth.ListAccounts(c.Request.Context(), current.User.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		var scopes []string
		if a.Scope != "" {
			scopes = strings.Split(a.Scope, ",")
		}
		out = append(out, gin.H{
			"id":         a.ID,
			"providerId": a.ProviderID,
			"accountId":  a.AccountID,
			"userId":     a.UserID,
			"scopes":     scopes,
			"createdAt":  a.CreatedAt,
			"updatedAt":  a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// UnlinkAccount removes a linked provider account.
func (h *AuthHandler) UnlinkAccount(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req struct {
		ProviderID string `json:"providerId"`
		AccountID  string `json:"accountId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ProviderID == "" {
		h.respondError(c, domain.ErrInvalidRequest)
		return
	}
	if err := h.Auth.UnlinkAccount(c.Request.Context(), current.User.ID, req.ProviderID, req.AccountID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true})
}

// DeleteUser removes the caller. It requires a fresh session.
func (h *AuthHandler) DeleteUser(c *gin.Context) {
	current, _ := middleware.GetSession(c)
	var req struct {
		Password string `json:"password"`
	}
	// An empty body is allowed.
	_ = c.ShouldBindJSON(&req)
	if err := h.Auth.DeleteUser(c.Request.Context(), middleware.RequestContext(c), *current, req.Password); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User deleted"})
}

func appendQuery(target string, params url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k := range params {
		q.Set(k, params.Get(k))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
