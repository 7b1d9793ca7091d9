package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Rule overrides the default budget for paths starting with Prefix.
type Rule struct {
	Prefix string
	Max    int
	Window time.Duration
}

// DefaultRules throttle credential endpoints harder than the rest of the API.
var DefaultRules = []Rule{
	{Prefix: "/api/auth/sign-in", Max: 3, Window: 10 * time.Second},
	{Prefix: "/api/auth/sign-up", Max: 3, Window: 10 * time.Second},
	{Prefix: "/api/auth/request-password-reset", Max: 3, Window: 60 * time.Second},
	{Prefix: "/api/auth/change-password", Max: 3, Window: 10 * time.Second},
}

// RateLimiter enforces per-client, per-rule throttling.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	rules   []Rule
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the provided requests-per-minute budget.
func NewRateLimiter(requestsPerMinute int, rules ...Rule) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		rules:   rules,
		window:  5 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Handler returns the gin middleware enforcing throttling behaviour.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		limiter, retryAfter := r.getLimiter(c.ClientIP(), c.Request.URL.Path)
		if !limiter.AllowN(r.now(), 1) {
			c.Header("X-Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_REQUESTS",
				"message": "Too many requests. Please try again later.",
			})
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) getLimiter(ip, path string) (*rate.Limiter, string) {
	limit, burst, key, retry := r.limit, r.burst, ip, "60"
	for _, rule := range r.rules {
		if strings.HasPrefix(path, rule.Prefix) && rule.Max > 0 && rule.Window > 0 {
			limit = rate.Limit(float64(rule.Max) / rule.Window.Seconds())
			burst = rule.Max
			key = ip + "|" + rule.Prefix
			retry = strconv.Itoa(int(rule.Window.Seconds()))
			break
		}
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter, retry
	}

	limiter := rate.NewLimiter(limit, burst)
	r.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	r.cleanupLocked(now)
	return limiter, retry
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.clients, key)
		}
	}
}
