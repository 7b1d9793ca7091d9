// Package metrics exposes Prometheus counters for the session core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated  prometheus.Counter
	sessionsRefresh  prometheus.Counter
	sessionsRevoked  prometheus.Counter
	cookieCache      *prometheus.CounterVec
	signIns          *prometheus.CounterVec
	oauthCallbacks   *prometheus.CounterVec
	sweptRows        *prometheus.CounterVec
	activeIndexWrite prometheus.Counter
}

// New registers every collector on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_created_total",
			Help: "Sessions issued.",
		}),
		sessionsRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_refreshed_total",
			Help: "Sessions whose expiry was extended.",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_revoked_total",
			Help: "Sessions deleted by sign-out or revocation.",
		}),
		cookieCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_cookie_cache_total",
			Help: "Cookie cache lookups by result.",
		}, []string{"result"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_sign_in_total",
			Help: "Sign-in attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_callback_total",
			Help: "OAuth callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		sweptRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expiry_sweep_deleted_total",
			Help: "Expired rows removed by the sweeper.",
		}, []string{"table"}),
		activeIndexWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_active_index_writes_total",
			Help: "Rewrites of the per-user active session index.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated, m.sessionsRefresh, m.sessionsRevoked,
		m.cookieCache, m.signIns, m.oauthCallbacks, m.sweptRows, m.activeIndexWrite,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) SessionRefreshed() {
	if m != nil {
		m.sessionsRefresh.Inc()
	}
}

func (m *Metrics) SessionsRevoked(n int) {
	if m != nil && n > 0 {
		m.sessionsRevoked.Add(float64(n))
	}
}

// CookieCache records "hit", "refreshed" or "miss".
func (m *Metrics) CookieCache(result string) {
	if m != nil {
		m.cookieCache.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SignIn(method, outcome string) {
	if m != nil {
		m.signIns.WithLabelValues(method, outcome).Inc()
	}
}

func (m *Metrics) OAuthCallback(provider, outcome string) {
	if m != nil {
		m.oauthCallbacks.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) Swept(table string, n int64) {
	if m != nil && n > 0 {
		m.sweptRows.WithLabelValues(table).Add(float64(n))
	}
}

func (m *Metrics) ActiveIndexWritten() {
	if m != nil {
		m.activeIndexWrite.Inc()
	}
}
