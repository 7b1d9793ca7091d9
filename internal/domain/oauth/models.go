package oauth

import "time"

// StateLifetime bounds how long an authorization request stays valid.
const StateLifetime = 10 * time.Minute

// LinkTarget is set when an authenticated user links a new provider.
type LinkTarget struct {
	UserID int64  `json:"userId,string"`
	Email  string `json:"email"`
}

// OAuthState captures what the initiating request bound to a state nonce.
type OAuthState struct {
	State         string      `json:"state"`
	CodeVerifier  string      `json:"codeVerifier"`
	ProviderID    string      `json:"providerId"`
	CallbackURL   string      `json:"callbackURL"`
	ErrorURL      string      `json:"errorURL,omitempty"`
	NewUserURL    string      `json:"newUserURL,omitempty"`
	Link          *LinkTarget `json:"link,omitempty"`
	RequestSignUp bool        `json:"requestSignUp,omitempty"`
	RememberMe    bool        `json:"rememberMe"`
	ExpiresAt     time.Time   `json:"expiresAt"`
}

// Expired reports whether the state is past its lifetime at now.
func (s OAuthState) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Tokens is the normalized token-endpoint response.
type Tokens struct {
	AccessToken           string
	RefreshToken          string
	IDToken               string
	TokenType             string
	Scopes                []string
	AccessTokenExpiresAt  *time.Time
	RefreshTokenExpiresAt *time.Time
	Raw                   map[string]any
}

// UserInfo is the canonical profile shape every provider maps to.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	Image         string `json:"image,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

// UserInfoResult pairs the normalized profile with the raw provider payload.
type UserInfoResult struct {
	User UserInfo
	Data map[string]any
}

// AuthorizationURLInput parameterises an authorization request.
type AuthorizationURLInput struct {
	State        string
	CodeVerifier string
	Scopes       []string
	RedirectURI  string
	LoginHint    string
}

// CodeExchangeInput parameterises an authorization-code exchange.
type CodeExchangeInput struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
}
