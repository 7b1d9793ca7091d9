//go:build integration

package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}

	ctx := context.Background()
	require.NoError(t, repository.Migrate(ctx, dbURL))

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	pool := setupDB(t)
	store := repository.NewPostgresStore(pool)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	userID := node.Generate().Int64()
	email := "it-" + node.Generate().String() + "@example.com"

	err = store.InTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Users().Create(ctx, domain.User{ID: userID, Email: email, Name: "IT", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		_, err := tx.Accounts().Create(ctx, domain.Account{
			ID: node.Generate().Int64(), ProviderID: domain.CredentialProviderID, AccountID: email,
			UserID: userID, Password: "hash", CreatedAt: now, UpdatedAt: now,
		})
		return err
	})
	require.NoError(t, err)

	_, err = store.Users().Create(ctx, domain.User{ID: node.Generate().Int64(), Email: email, CreatedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	token := "tok-" + node.Generate().String()
	_, err = store.Sessions().Create(ctx, domain.Session{
		ID: node.Generate().Int64(), Token: token, UserID: userID,
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	found, err := store.Sessions().GetByToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, email, found.User.Email)

	later := now.Add(24 * time.Hour)
	updated, err := store.Sessions().Update(ctx, token, domain.SessionPatch{ExpiresAt: &later}, now)
	require.NoError(t, err)
	require.True(t, later.Equal(updated.ExpiresAt))

	require.NoError(t, store.Users().Delete(ctx, userID))
	_, err = store.Sessions().GetByToken(ctx, token)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPostgresVerificationConsumeIsSingleUse(t *testing.T) {
	pool := setupDB(t)
	verifications := repository.NewPostgresStore(pool).Verifications()
	node, err := snowflake.NewNode(8)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	identifier := "it-consume:" + node.Generate().String()

	_, err = verifications.Create(ctx, domain.Verification{
		ID: node.Generate().Int64(), Identifier: identifier, Value: "42",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := verifications.Consume(ctx, identifier)
			results <- err
		}()
	}
	won := 0
	for i := 0; i < 8; i++ {
		if err := <-results; err == nil {
			won++
		} else {
			require.ErrorIs(t, err, repository.ErrNotFound)
		}
	}
	require.Equal(t, 1, won)
}
