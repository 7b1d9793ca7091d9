package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/password"
	"github.com/smallbiznis/valora-session/internal/repository"
)

// EnsureAdmin seeds an email/password user from ADMIN_EMAIL/ADMIN_PASSWORD
// on start. It does nothing when either is unset.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, store repository.Store, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := ensureAdmin(ctx, cfg, store, node, time.Now(), logger)
			return err
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, store repository.Store, node *snowflake.Node, now time.Time, logger *zap.Logger) (bool, error) {
	email := domain.NormalizeEmail(cfg.AdminEmail)
	if email == "" || cfg.AdminPassword == "" {
		return false, nil
	}

	if _, err := store.Users().GetByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("bootstrap lookup user: %w", err)
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return false, fmt.Errorf("bootstrap hash password: %w", err)
	}

	var created domain.User
	err = store.InTx(ctx, func(ctx context.Context, tx repository.Store) error {
		user, err := tx.Users().Create(ctx, domain.User{
			ID:            node.Generate().Int64(),
			Email:         email,
			EmailVerified: true,
			Name:          "Admin",
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return fmt.Errorf("bootstrap create user: %w", err)
		}
		if _, err := tx.Accounts().Create(ctx, domain.Account{
			ID:         node.Generate().Int64(),
			ProviderID: domain.CredentialProviderID,
			AccountID:  strconv.FormatInt(user.ID, 10),
			UserID:     user.ID,
			Password:   hashed,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return fmt.Errorf("bootstrap create credential account: %w", err)
		}
		created = user
		return nil
	})
	if err != nil {
		return false, err
	}

	if logger != nil {
		logger.Info("bootstrap admin user created",
			zap.String("email", created.Email),
			zap.Int64("user_id", created.ID),
		)
	}
	return true, nil
}
