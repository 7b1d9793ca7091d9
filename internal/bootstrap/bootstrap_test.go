package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/password"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/session"
)

func TestEnsureAdminSeedsOnce(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	cfg := config.Config{AdminEmail: " Root@Example.com ", AdminPassword: "admin-password"}
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	created, err := ensureAdmin(ctx, cfg, store, node, now, zap.NewNop())
	require.NoError(t, err)
	require.True(t, created)

	user, err := store.Users().GetByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	require.True(t, user.EmailVerified)

	accounts, err := store.Accounts().ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, domain.CredentialProviderID, accounts[0].ProviderID)
	ok, err := password.Verify(accounts[0].Password, "admin-password")
	require.NoError(t, err)
	require.True(t, ok)

	created, err = ensureAdmin(ctx, cfg, store, node, now, zap.NewNop())
	require.NoError(t, err)
	require.False(t, created)
}

func TestEnsureAdminSkipsWithoutConfig(t *testing.T) {
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	created, err := ensureAdmin(context.Background(), config.Config{AdminEmail: "root@example.com"}, repository.NewMemoryStore(), node, time.Now(), nil)
	require.NoError(t, err)
	require.False(t, created)
}

func TestSweepDeletesExpiredRows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore()
	user, err := store.Users().Create(ctx, domain.User{ID: 1, Email: "a@x.com"})
	require.NoError(t, err)

	for i, exp := range []time.Time{now.Add(-time.Minute), now.Add(time.Hour)} {
		_, err := store.Sessions().Create(ctx, domain.Session{ID: int64(i + 1), Token: string(rune('a' + i)), UserID: user.ID, ExpiresAt: exp})
		require.NoError(t, err)
		_, err = store.Verifications().Create(ctx, domain.Verification{ID: int64(i + 1), Identifier: "v" + string(rune('a'+i)), ExpiresAt: exp})
		require.NoError(t, err)
	}

	clock := func() time.Time { return now }
	sessions := session.NewStore(store, session.StoreOptions{Now: clock}, zap.NewNop())
	sweeper := NewSweeper(config.Config{SweepInterval: time.Hour}, sessions, metrics.New(), zap.NewNop())
	sweeper.now = clock

	require.NoError(t, sweeper.Sweep(ctx))

	_, err = store.Sessions().GetByToken(ctx, "a")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.Sessions().GetByToken(ctx, "b")
	require.NoError(t, err)
	_, err = store.Verifications().GetByIdentifier(ctx, "va")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.Verifications().GetByIdentifier(ctx, "vb")
	require.NoError(t, err)
}

func TestStartSweeperStopsWithLifecycle(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	sessions := session.NewStore(repository.NewMemoryStore(), session.StoreOptions{}, zap.NewNop())
	StartSweeper(lc, NewSweeper(config.Config{SweepInterval: time.Millisecond}, sessions, nil, zap.NewNop()))
	lc.RequireStart()
	time.Sleep(5 * time.Millisecond)
	lc.RequireStop()
}
