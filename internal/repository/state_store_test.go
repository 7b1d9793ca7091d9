package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-session/internal/domain/oauth"
)

func TestVerificationStateStoreIsSingleUse(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewVerificationStateStore(NewMemoryStore().Verifications(), node, func() time.Time { return now })
	ctx := context.Background()

	state := oauth.OAuthState{State: "abc", CodeVerifier: "v", ProviderID: "google", ExpiresAt: now.Add(oauth.StateLifetime)}
	require.NoError(t, store.SaveState(ctx, "abc", state, oauth.StateLifetime))

	got, err := store.GetState(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "v", got.CodeVerifier)

	again, err := store.GetState(ctx, "abc")
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestVerificationStateStoreRejectsExpired(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewVerificationStateStore(NewMemoryStore().Verifications(), node, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, "abc", oauth.OAuthState{State: "abc"}, time.Minute))
	now = now.Add(2 * time.Minute)

	got, err := store.GetState(ctx, "abc")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestVerificationStateStoreConcurrentConsumeOnce(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewVerificationStateStore(NewMemoryStore().Verifications(), node, func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, store.SaveState(ctx, "race", oauth.OAuthState{State: "race", ExpiresAt: now.Add(oauth.StateLifetime)}, oauth.StateLifetime))

	const callers = 16
	var (
		wg   sync.WaitGroup
		won  atomic.Int32
		errs = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.GetState(ctx, "race")
			if err != nil {
				errs <- err
				return
			}
			if got != nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), won.Load())
}
