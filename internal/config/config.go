package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devSecret = "valora-session-development-secret-change-me"

// Cookie cache encoding strategies.
const (
	CacheStrategyCompact = "compact"
	CacheStrategyJWT     = "jwt"
	CacheStrategyJWE     = "jwe"
)

// OAuth state persistence strategies.
const (
	StateStrategyDatabase  = "database"
	StateStrategyCookie    = "cookie"
	StateStrategySecondary = "secondary"
)

// Config contains runtime configuration values. It is resolved once at
// startup and treated as immutable afterwards.
type Config struct {
	Environment     string
	HTTPPort        string
	BaseURL         string
	Secret          string
	PreviousSecrets []string

	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	StoreSessionInDatabase bool

	Session        SessionConfig
	Cookie         CookieConfig
	CookieCache    CookieCacheConfig
	Account        AccountConfig
	AccountLinking AccountLinkingConfig
	Password       PasswordConfig

	OAuthStateStrategy    string
	Providers             []ProviderConfig
	DisableSignUp         bool
	// DisableImplicitSignUp only lets OAuth create users when the flow was
	// started with an explicit sign-up request.
	DisableImplicitSignUp bool
	TrustedOrigins        []string

	SMTP SMTPConfig

	ServiceName       string
	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool
	SweepInterval     time.Duration
	AdminEmail        string
	AdminPassword     string
}

// SessionConfig controls session lifetime and sliding expiration.
type SessionConfig struct {
	ExpiresIn      time.Duration
	UpdateAge      time.Duration
	FreshAge       time.Duration
	DisableRefresh bool
}

// CookieConfig controls cookie naming and attributes.
type CookieConfig struct {
	Prefix               string
	Secure               bool
	CrossSubdomainDomain string
}

// CookieCacheConfig controls the client-held session snapshot.
type CookieCacheConfig struct {
	Enabled  bool
	MaxAge   time.Duration
	Strategy string
	Version  string
	Refresh  bool

	// UpdateAge of zero means the cache package default ratio of MaxAge.
	UpdateAge time.Duration
}

// AccountConfig controls how OAuth accounts are persisted.
type AccountConfig struct {
	UpdateOnSignIn           bool
	OverrideUserInfoOnSignIn bool
	EncryptOAuthTokens       bool
}

// AccountLinkingConfig controls implicit and explicit account linking.
type AccountLinkingConfig struct {
	Enabled              bool
	TrustedProviders     []string
	AllowDifferentEmails bool
	AllowUnlinkingAll    bool
}

// PasswordConfig controls credential sign-up and reset.
type PasswordConfig struct {
	MinLength             int
	MaxLength             int
	ResetTokenTTL         time.Duration
	RevokeSessionsOnReset bool
}

// ProviderConfig describes one configured OAuth provider.
type ProviderConfig struct {
	ID             string
	ClientID       string
	ClientSecret   string
	AuthURL        string
	TokenURL       string
	UserInfoURL    string
	JWKSURL        string
	Issuer         string
	Scopes         []string
	Authentication string
	PKCE           bool
}

// SMTPConfig configures outbound mail.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Defaults returns the built-in configuration layer.
func Defaults() Config {
	return Config{
		Environment: "development",
		HTTPPort:    "8080",
		BaseURL:     "http://localhost:8080",
		RedisDB:     0,
		Session: SessionConfig{
			ExpiresIn: 7 * 24 * time.Hour,
			UpdateAge: 24 * time.Hour,
			FreshAge:  24 * time.Hour,
		},
		Cookie: CookieConfig{Prefix: "better-auth"},
		CookieCache: CookieCacheConfig{
			MaxAge:   5 * time.Minute,
			Strategy: CacheStrategyCompact,
		},
		AccountLinking: AccountLinkingConfig{Enabled: true},
		Password: PasswordConfig{
			MinLength:     8,
			MaxLength:     128,
			ResetTokenTTL: time.Hour,
		},
		OAuthStateStrategy: StateStrategyDatabase,
		SMTP:               SMTPConfig{Port: 587},
		ServiceName:        "valora-session",
		RateLimitRPM:       600,
		TelemetryInsecure:  true,
		SweepInterval:      time.Hour,
	}
}

// Load reads configuration from environment variables layered over Defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	def := Defaults()
	cfg := Config{
		Environment:            getEnv("APP_ENV", def.Environment),
		HTTPPort:               getEnv("HTTP_PORT", def.HTTPPort),
		BaseURL:                strings.TrimRight(getEnv("BASE_URL", def.BaseURL), "/"),
		Secret:                 strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		PreviousSecrets:        getList("AUTH_SECRETS_PREVIOUS", nil),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getInt("REDIS_DB", def.RedisDB),
		StoreSessionInDatabase: getBool("STORE_SESSION_IN_DATABASE", false),
		Session: SessionConfig{
			ExpiresIn:      getDuration("SESSION_EXPIRES_IN", def.Session.ExpiresIn),
			UpdateAge:      getDuration("SESSION_UPDATE_AGE", def.Session.UpdateAge),
			FreshAge:       getDuration("SESSION_FRESH_AGE", def.Session.FreshAge),
			DisableRefresh: getBool("SESSION_DISABLE_REFRESH", false),
		},
		CookieCache: CookieCacheConfig{
			Enabled:   getBool("COOKIE_CACHE_ENABLED", false),
			MaxAge:    getDuration("COOKIE_CACHE_MAX_AGE", def.CookieCache.MaxAge),
			Strategy:  strings.ToLower(getEnv("COOKIE_CACHE_STRATEGY", def.CookieCache.Strategy)),
			Version:   os.Getenv("COOKIE_CACHE_VERSION"),
			UpdateAge: getDuration("COOKIE_CACHE_UPDATE_AGE", 0),
		},
		Account: AccountConfig{
			UpdateOnSignIn:           getBool("ACCOUNT_UPDATE_ON_SIGN_IN", true),
			OverrideUserInfoOnSignIn: getBool("ACCOUNT_OVERRIDE_USER_INFO_ON_SIGN_IN", false),
			EncryptOAuthTokens:       getBool("ACCOUNT_ENCRYPT_OAUTH_TOKENS", false),
		},
		AccountLinking: AccountLinkingConfig{
			Enabled:              getBool("ACCOUNT_LINKING_ENABLED", def.AccountLinking.Enabled),
			TrustedProviders:     getList("ACCOUNT_LINKING_TRUSTED_PROVIDERS", nil),
			AllowDifferentEmails: getBool("ACCOUNT_LINKING_ALLOW_DIFFERENT_EMAILS", false),
			AllowUnlinkingAll:    getBool("ACCOUNT_LINKING_ALLOW_UNLINK_ALL", false),
		},
		Password: PasswordConfig{
			MinLength:             getInt("PASSWORD_MIN_LENGTH", def.Password.MinLength),
			MaxLength:             getInt("PASSWORD_MAX_LENGTH", def.Password.MaxLength),
			ResetTokenTTL:         getDuration("RESET_PASSWORD_TOKEN_TTL", def.Password.ResetTokenTTL),
			RevokeSessionsOnReset: getBool("REVOKE_SESSIONS_ON_PASSWORD_RESET", false),
		},
		OAuthStateStrategy:    strings.ToLower(getEnv("OAUTH_STATE_STRATEGY", def.OAuthStateStrategy)),
		DisableSignUp:         getBool("DISABLE_SIGN_UP", false),
		DisableImplicitSignUp: getBool("DISABLE_IMPLICIT_SIGN_UP", false),
		TrustedOrigins:        getList("TRUSTED_ORIGINS", nil),
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getInt("SMTP_PORT", def.SMTP.Port),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		ServiceName:       getEnv("SERVICE_NAME", def.ServiceName),
		RateLimitRPM:      getInt("RATE_LIMIT_RPM", def.RateLimitRPM),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", def.TelemetryInsecure),
		SweepInterval:     getDuration("SWEEP_INTERVAL", def.SweepInterval),
		AdminEmail:        strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword:     strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),
	}

	cfg.Cookie = CookieConfig{
		Prefix:               getEnv("COOKIE_PREFIX", def.Cookie.Prefix),
		Secure:               getBool("COOKIE_SECURE", strings.HasPrefix(cfg.BaseURL, "https://") || cfg.IsProduction()),
		CrossSubdomainDomain: os.Getenv("COOKIE_CROSS_SUBDOMAIN_DOMAIN"),
	}
	// Refreshing a cache that shadows a durable store would let it drift.
	cfg.CookieCache.Refresh = getBool("COOKIE_CACHE_REFRESH", cfg.DatabaseURL == "" && cfg.RedisAddr == "")
	cfg.Providers = loadProviders()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills the development secret.
func (c *Config) Validate() error {
	if c.Secret == "" {
		if c.Environment != "development" {
			return fmt.Errorf("AUTH_SECRET is required")
		}
		c.Secret = devSecret
	}
	if c.Environment != "development" && len(c.Secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 characters")
	}
	switch c.CookieCache.Strategy {
	case CacheStrategyCompact, CacheStrategyJWT, CacheStrategyJWE:
	default:
		return fmt.Errorf("COOKIE_CACHE_STRATEGY %q is not supported", c.CookieCache.Strategy)
	}
	switch c.OAuthStateStrategy {
	case StateStrategyDatabase, StateStrategyCookie:
	case StateStrategySecondary:
		if c.RedisAddr == "" {
			return fmt.Errorf("OAUTH_STATE_STRATEGY=secondary requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("OAUTH_STATE_STRATEGY %q is not supported", c.OAuthStateStrategy)
	}
	if c.Password.MinLength <= 0 || c.Password.MaxLength < c.Password.MinLength {
		return fmt.Errorf("invalid password length bounds %d..%d", c.Password.MinLength, c.Password.MaxLength)
	}
	if c.Session.ExpiresIn <= 0 {
		return fmt.Errorf("SESSION_EXPIRES_IN must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// Secrets returns the current secret followed by rotated-out secrets.
func (c Config) Secrets() []string {
	out := make([]string, 0, 1+len(c.PreviousSecrets))
	out = append(out, c.Secret)
	return append(out, c.PreviousSecrets...)
}

// TrustedProvider reports whether id is in the linking allowlist.
func (c AccountLinkingConfig) TrustedProvider(id string) bool {
	for _, p := range c.TrustedProviders {
		if strings.EqualFold(p, id) {
			return true
		}
	}
	return false
}

func loadProviders() []ProviderConfig {
	var providers []ProviderConfig
	if id := os.Getenv("OAUTH_GOOGLE_CLIENT_ID"); id != "" {
		providers = append(providers, ProviderConfig{
			ID:             "google",
			ClientID:       id,
			ClientSecret:   os.Getenv("OAUTH_GOOGLE_CLIENT_SECRET"),
			AuthURL:        "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:       "https://oauth2.googleapis.com/token",
			UserInfoURL:    "https://openidconnect.googleapis.com/v1/userinfo",
			JWKSURL:        "https://www.googleapis.com/oauth2/v3/certs",
			Issuer:         "https://accounts.google.com",
			Scopes:         getList("OAUTH_GOOGLE_SCOPES", []string{"openid", "email", "profile"}),
			Authentication: "post",
			PKCE:           true,
		})
	}
	if id := os.Getenv("OAUTH_GITHUB_CLIENT_ID"); id != "" {
		providers = append(providers, ProviderConfig{
			ID:             "github",
			ClientID:       id,
			ClientSecret:   os.Getenv("OAUTH_GITHUB_CLIENT_SECRET"),
			AuthURL:        "https://github.com/login/oauth/authorize",
			TokenURL:       "https://github.com/login/oauth/access_token",
			UserInfoURL:    "https://api.github.com/user",
			Scopes:         getList("OAUTH_GITHUB_SCOPES", []string{"read:user", "user:email"}),
			Authentication: "post",
		})
	}
	if id := os.Getenv("OAUTH_GENERIC_CLIENT_ID"); id != "" {
		providers = append(providers, ProviderConfig{
			ID:             getEnv("OAUTH_GENERIC_ID", "generic"),
			ClientID:       id,
			ClientSecret:   os.Getenv("OAUTH_GENERIC_CLIENT_SECRET"),
			AuthURL:        os.Getenv("OAUTH_GENERIC_AUTH_URL"),
			TokenURL:       os.Getenv("OAUTH_GENERIC_TOKEN_URL"),
			UserInfoURL:    os.Getenv("OAUTH_GENERIC_USERINFO_URL"),
			JWKSURL:        os.Getenv("OAUTH_GENERIC_JWKS_URL"),
			Issuer:         os.Getenv("OAUTH_GENERIC_ISSUER"),
			Scopes:         getList("OAUTH_GENERIC_SCOPES", []string{"openid", "email", "profile"}),
			Authentication: strings.ToLower(getEnv("OAUTH_GENERIC_AUTHENTICATION", "basic")),
			PKCE:           getBool("OAUTH_GENERIC_PKCE", true),
		})
	}
	return providers
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// getDuration accepts Go durations plus a whole-day "7d" form.
func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		v = strings.TrimSpace(v)
		if days, found := strings.CutSuffix(v, "d"); found {
			if n, err := strconv.Atoi(days); err == nil {
				return time.Duration(n) * 24 * time.Hour
			}
		}
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
