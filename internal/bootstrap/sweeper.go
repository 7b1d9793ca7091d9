package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/session"
)

// Sweeper periodically deletes expired sessions and verification rows.
// Secondary storage entries expire through their own TTLs.
type Sweeper struct {
	sessions      *session.Store
	verifications repository.VerificationRepository
	interval      time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewSweeper builds a sweeper running every cfg.SweepInterval.
func NewSweeper(cfg config.Config, sessions *session.Store, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.L()
	}
	return &Sweeper{
		sessions:      sessions,
		verifications: sessions.Primary().Verifications(),
		interval:      cfg.SweepInterval,
		now:           time.Now,
		metrics:       m,
		logger:        logger,
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	n, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	s.metrics.Swept("session", n)

	v, err := s.verifications.DeleteExpired(ctx, s.now())
	if err != nil {
		return fmt.Errorf("sweep verifications: %w", err)
	}
	s.metrics.Swept("verification", v)

	if n > 0 || v > 0 {
		s.logger.Info("expired rows swept", zap.Int64("sessions", n), zap.Int64("verifications", v))
	}
	return nil
}

// Run sweeps until ctx is done. A non-positive interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// StartSweeper runs s for the lifetime of the application.
func StartSweeper(lc fx.Lifecycle, s *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
