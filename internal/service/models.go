package service

import "github.com/smallbiznis/valora-session/internal/domain"

// SignUpInput is the email/password registration payload.
type SignUpInput struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Image      string `json:"image,omitempty"`
	RememberMe *bool  `json:"rememberMe,omitempty"`
}

// SignInInput is the email/password sign-in payload.
type SignInInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe *bool  `json:"rememberMe,omitempty"`
}

// AuthResult is returned by every flow that establishes a session.
type AuthResult struct {
	User    domain.User     `json:"user"`
	Session *domain.Session `json:"session,omitempty"`
	// Token repeats Session.Token for clients that don't read cookies.
	Token string `json:"token,omitempty"`
}

func newAuthResult(data domain.SessionWithUser) *AuthResult {
	return &AuthResult{User: data.User, Session: &data.Session, Token: data.Session.Token}
}

func dontRemember(rememberMe *bool) bool {
	return rememberMe != nil && !*rememberMe
}
