package middleware

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/domain"
)

const (
	allowedMethods = "GET, POST, OPTIONS"
	allowedHeaders = "Content-Type, Authorization, X-Request-ID"
)

// TrustedOrigins is the set of origins allowed to drive state-changing
// requests and to receive redirects. Entries may use "*" host wildcards
// such as "https://*.example.com".
type TrustedOrigins struct {
	origins []string
}

// NewTrustedOrigins trusts the base URL origin plus cfg.TrustedOrigins.
func NewTrustedOrigins(cfg config.Config) *TrustedOrigins {
	seen := map[string]struct{}{}
	var origins []string
	for _, item := range append([]string{originOf(cfg.BaseURL)}, cfg.TrustedOrigins...) {
		item = strings.TrimRight(strings.TrimSpace(item), "/")
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		origins = append(origins, item)
	}
	return &TrustedOrigins{origins: origins}
}

// Allowed reports whether origin (scheme://host[:port]) is trusted.
func (t *TrustedOrigins) Allowed(origin string) bool {
	origin = strings.TrimRight(origin, "/")
	if origin == "" {
		return false
	}
	for _, candidate := range t.origins {
		if strings.EqualFold(candidate, origin) {
			return true
		}
		if strings.Contains(candidate, "*") {
			if ok, _ := path.Match(strings.ToLower(candidate), strings.ToLower(origin)); ok {
				return true
			}
		}
	}
	return false
}

// ValidRedirect reports whether a client-supplied callback URL is safe to
// redirect to: empty, a relative path, or an absolute URL on a trusted origin.
func (t *TrustedOrigins) ValidRedirect(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	if strings.HasPrefix(raw, "/") {
		// "//host" and "/\host" are protocol-relative in browsers.
		return !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\")
	}
	return t.Allowed(originOf(raw))
}

// Handler answers CORS preflights for trusted origins and rejects
// state-changing requests whose Origin (or Referer) is not trusted with
// 403 INVALID_ORIGIN. Requests carrying neither header pass through.
func (t *TrustedOrigins) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && t.Allowed(origin) {
			header := c.Writer.Header()
			header.Set("Vary", "Origin")
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Methods", allowedMethods)
			header.Set("Access-Control-Allow-Headers", allowedHeaders)
			header.Set("Access-Control-Allow-Credentials", "true")
		}

		switch c.Request.Method {
		case http.MethodOptions:
			c.AbortWithStatus(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
			c.Next()
			return
		}

		source := origin
		if source == "" {
			source = originOf(c.GetHeader("Referer"))
		}
		if source != "" && source != "null" && !t.Allowed(source) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": domain.ErrInvalidOrigin.Code, "message": domain.ErrInvalidOrigin.Message})
			return
		}
		c.Next()
	}
}

func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
