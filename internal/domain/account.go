package domain

import "time"

// CredentialProviderID identifies email/password accounts.
const CredentialProviderID = "credential"

// Account links a User to one identity provider. Fields tagged `json:"-"`
// are never returned to clients nor embedded in cookies.
type Account struct {
	ID                    int64      `json:"id,string"`
	ProviderID            string     `json:"providerId"`
	AccountID             string     `json:"accountId"`
	UserID                int64      `json:"userId,string"`
	AccessToken           string     `json:"-"`
	RefreshToken          string     `json:"-"`
	IDToken               string     `json:"-"`
	AccessTokenExpiresAt  *time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	Scope                 string     `json:"scope,omitempty"`
	Password              string     `json:"-"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// IsCredential reports whether the account holds a password hash.
func (a Account) IsCredential() bool {
	return a.ProviderID == CredentialProviderID
}

// Verification is a single-use, time-boxed token record.
type Verification struct {
	ID         int64     `json:"id,string"`
	Identifier string    `json:"identifier"`
	Value      string    `json:"value"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Expired reports whether the verification is past its expiry at now.
func (v Verification) Expired(now time.Time) bool {
	return !v.ExpiresAt.After(now)
}
