package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-session/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/valora-session/internal/adapter/oauth"
	"github.com/smallbiznis/valora-session/internal/bootstrap"
	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/cookie"
	"github.com/smallbiznis/valora-session/internal/cookiecache"
	httptransport "github.com/smallbiznis/valora-session/internal/http"
	"github.com/smallbiznis/valora-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/mailer"
	"github.com/smallbiznis/valora-session/internal/metrics"
	apimiddleware "github.com/smallbiznis/valora-session/internal/middleware"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/server"
	"github.com/smallbiznis/valora-session/internal/service"
	authservice "github.com/smallbiznis/valora-session/internal/service/auth"
	"github.com/smallbiznis/valora-session/internal/session"
	"github.com/smallbiznis/valora-session/internal/telemetry"
)

const (
	secondaryKeyPrefix = "valora-session:"
	mailQueueSize      = 64
)

func main() {
	fx.New(appOptions()).Run()
}

// appOptions is the application graph.
func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			metrics.New,
			newStore,
			newRedisClient,
			newSecondaryStorage,
			newOAuthStateStore,
			newCookieCodec,
			newKeyManager,
			newCookieCache,
			newSessionStore,
			newSessionManager,
			newProviderRegistry,
			newMailer,
			service.NewAuthService,
			newOAuthService,
			apimiddleware.NewTrustedOrigins,
			newRateLimiter,
			handler.NewAuthHandler,
			httpmiddleware.NewAuth,
			httptransport.NewRouter,
			server.NewHTTPServer,
			bootstrap.NewSweeper,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, bootstrap.StartSweeper, startHTTPServer),
	)
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

// newStore connects Postgres and applies migrations, or falls back to the
// in-memory store when DATABASE_URL is unset.
func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		return repository.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := repository.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return repository.NewPostgresStore(pool), nil
}

// newRedisClient returns nil when REDIS_ADDR is unset.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newSecondaryStorage(client redis.UniversalClient) cacheadapter.SecondaryStorage {
	if client == nil {
		return nil
	}
	return cacheadapter.NewRedisStorage(client, secondaryKeyPrefix)
}

func newOAuthStateStore(cfg config.Config, store repository.Store, client redis.UniversalClient, node *snowflake.Node) (repository.OAuthStateStore, error) {
	switch cfg.OAuthStateStrategy {
	case config.StateStrategyCookie:
		return nil, nil
	case config.StateStrategySecondary:
		if client == nil {
			return nil, fmt.Errorf("oauth state strategy %q requires REDIS_ADDR", cfg.OAuthStateStrategy)
		}
		return cacheadapter.NewRedisStateStore(client, secondaryKeyPrefix), nil
	default:
		return repository.NewVerificationStateStore(store.Verifications(), node, nil), nil
	}
}

func newCookieCodec(cfg config.Config) *cookie.Codec {
	return cookie.New(cookie.Options{
		Prefix:  cfg.Cookie.Prefix,
		Secure:  cfg.Cookie.Secure,
		Domain:  cfg.Cookie.CrossSubdomainDomain,
		Secrets: cfg.Secrets(),
	})
}

func newKeyManager(cfg config.Config) *jwt.KeyManager {
	return jwt.NewKeyManager(cfg.Secrets())
}

func newCookieCache(cfg config.Config, codec *cookie.Codec, keys *jwt.KeyManager, logger *zap.Logger) (*cookiecache.Cache, error) {
	return cookiecache.New(cookiecache.OptionsFromConfig(cfg.CookieCache), codec, keys, logger)
}

func newSessionStore(cfg config.Config, store repository.Store, secondary cacheadapter.SecondaryStorage, m *metrics.Metrics, logger *zap.Logger) *session.Store {
	return session.NewStore(store, session.StoreOptions{
		Secondary:       secondary,
		StoreInDatabase: cfg.StoreSessionInDatabase,
		Metrics:         m,
	}, logger)
}

func newSessionManager(cfg config.Config, store *session.Store, codec *cookie.Codec, cache *cookiecache.Cache, node *snowflake.Node, m *metrics.Metrics, logger *zap.Logger) *session.Manager {
	return session.NewManager(store, codec, cache, node, session.OptionsFromConfig(cfg.Session), m, logger)
}

func newProviderRegistry(cfg config.Config, logger *zap.Logger) (*oauthadapter.Registry, error) {
	return oauthadapter.NewRegistryFromConfig(cfg.Providers, &http.Client{Timeout: 15 * time.Second}, logger)
}

// newMailer puts delivery behind a queue so password-reset responses take
// the same time for known and unknown addresses.
func newMailer(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (mailer.Sender, error) {
	next, err := mailer.New(cfg.SMTP, logger)
	if err != nil {
		return nil, err
	}
	queue := mailer.NewQueue(next, mailQueueSize, logger)
	mailer.StartQueue(lc, queue)
	return queue, nil
}

func newOAuthService(store repository.Store, sessions *session.Manager, providers *oauthadapter.Registry, states repository.OAuthStateStore, node *snowflake.Node, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) *authservice.OAuthService {
	return authservice.NewOAuthService(store, sessions, providers, states, node, cfg, authservice.Options{}, m, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM, apimiddleware.DefaultRules...)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
