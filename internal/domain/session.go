package domain

import "time"

// Session is one authenticated device or browser. Token is the bearer
// credential carried in the signed session cookie.
type Session struct {
	ID        int64     `json:"id,string"`
	Token     string    `json:"token"`
	UserID    int64     `json:"userId,string"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionWithUser pairs a session with its owning user.
type SessionWithUser struct {
	Session Session `json:"session"`
	User    User    `json:"user"`
}

// SessionPatch lists the mutable session fields.
type SessionPatch struct {
	ExpiresAt *time.Time
	IPAddress *string
	UserAgent *string
}

// Apply copies the non-nil patch fields onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.ExpiresAt != nil {
		s.ExpiresAt = *p.ExpiresAt
	}
	if p.IPAddress != nil {
		s.IPAddress = *p.IPAddress
	}
	if p.UserAgent != nil {
		s.UserAgent = *p.UserAgent
	}
}
