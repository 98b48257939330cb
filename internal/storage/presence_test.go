package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresence_HeartbeatSweepAndDisconnect(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "a", 1000)
	mustUser(t, store, "b", 1000)

	p, err := store.GetPresence(ctx, "a")
	require.NoError(t, err)
	require.False(t, p.Online)

	prev, err := store.Heartbeat(ctx, "a", 10_000)
	require.NoError(t, err)
	require.False(t, prev.Online)
	_, err = store.Heartbeat(ctx, "b", 20_000)
	require.NoError(t, err)

	prev, err = store.Heartbeat(ctx, "a", 12_000)
	require.NoError(t, err)
	require.True(t, prev.Online)
	require.Equal(t, int64(10_000), prev.LastHeartbeatMs)

	stale, err := store.MarkStaleOffline(ctx, 15_000)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, stale)

	p, err = store.GetPresence(ctx, "a")
	require.NoError(t, err)
	require.False(t, p.Online)
	require.Equal(t, int64(12_000), p.LastSeenMs)

	changed, err := store.SetOffline(ctx, "b", 21_000)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = store.SetOffline(ctx, "b", 22_000)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = store.GetPresence(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}
