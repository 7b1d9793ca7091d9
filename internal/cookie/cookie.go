// Package cookie reads and writes the session cookies: naming, attributes,
// HMAC-signed values and chunking of payloads that exceed the browser size
// ceiling.
package cookie

import (
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/valora-session/internal/crypto"
)

const securePrefix = "__Secure-"

// Source yields request cookies. *http.Request satisfies it.
type Source interface {
	Cookies() []*http.Cookie
}

// Sink receives response cookies.
type Sink interface {
	SetCookie(c *http.Cookie)
}

// ResponseSink writes Set-Cookie headers to an http.ResponseWriter.
type ResponseSink struct {
	W http.ResponseWriter
}

// SetCookie implements Sink.
func (s ResponseSink) SetCookie(c *http.Cookie) {
	http.SetCookie(s.W, c)
}

// Options configures the codec.
type Options struct {
	Prefix string
	Secure bool
	// Domain is set for cross-subdomain cookies; empty keeps host-only cookies.
	Domain string
	// Secrets holds the current signing secret first, then rotated-out ones.
	Secrets []string
}

// Names holds the resolved cookie names for one prefix.
type Names struct {
	SessionToken string
	SessionData  string
	AccountData  string
	DontRemember string
	State        string
	OAuthState   string
}

// Codec encodes, signs and chunks cookies.
type Codec struct {
	names   Names
	secure  bool
	domain  string
	secrets []string
}

// New builds a Codec.
func New(opts Options) *Codec {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "better-auth"
	}
	name := func(suffix string) string {
		n := prefix + "." + suffix
		if opts.Secure {
			n = securePrefix + n
		}
		return n
	}
	return &Codec{
		names: Names{
			SessionToken: name("session_token"),
			SessionData:  name("session_data"),
			AccountData:  name("account_data"),
			DontRemember: name("dont_remember"),
			State:        name("state"),
			OAuthState:   name("oauth_state"),
		},
		secure:  opts.Secure,
		domain:  opts.Domain,
		secrets: opts.Secrets,
	}
}

// Names returns the resolved cookie names.
func (c *Codec) Names() Names {
	return c.names
}

// Secret returns the current signing secret.
func (c *Codec) Secret() string {
	if len(c.secrets) == 0 {
		return ""
	}
	return c.secrets[0]
}

// Secrets returns all accepted secrets, current first.
func (c *Codec) Secrets() []string {
	return c.secrets
}

// Set writes a cookie. A zero maxAge produces a browser-session cookie.
func (c *Codec) Set(w Sink, name, value string, maxAge time.Duration) {
	ck := c.base(name, value)
	if maxAge > 0 {
		ck.MaxAge = int(maxAge / time.Second)
		ck.Expires = time.Now().Add(maxAge).UTC()
	}
	w.SetCookie(ck)
}

// Clear expires a cookie immediately.
func (c *Codec) Clear(w Sink, name string) {
	ck := c.base(name, "")
	ck.MaxAge = -1
	ck.Expires = time.Unix(0, 0).UTC()
	w.SetCookie(ck)
}

// Get returns the raw value of name.
func (c *Codec) Get(r Source, name string) (string, bool) {
	for _, ck := range r.Cookies() {
		if ck.Name == name {
			return ck.Value, ck.Value != ""
		}
	}
	return "", false
}

// SetSigned writes "<value>.<signature>".
func (c *Codec) SetSigned(w Sink, name, value string, maxAge time.Duration) {
	c.Set(w, name, value+"."+crypto.Sign(c.Secret(), []byte(value)), maxAge)
}

// GetSigned returns the value of a signed cookie. A missing, malformed or
// forged cookie reads as absent.
func (c *Codec) GetSigned(r Source, name string) (string, bool) {
	raw, ok := c.Get(r, name)
	if !ok {
		return "", false
	}
	return c.Unsign(raw)
}

// Unsign verifies a "<value>.<signature>" string against every accepted secret.
func (c *Codec) Unsign(raw string) (string, bool) {
	idx := strings.LastIndexByte(raw, '.')
	if idx <= 0 || idx == len(raw)-1 {
		return "", false
	}
	value, sig := raw[:idx], raw[idx+1:]
	if !crypto.VerifySignature(c.secrets, []byte(value), sig) {
		return "", false
	}
	return value, true
}

func (c *Codec) base(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
