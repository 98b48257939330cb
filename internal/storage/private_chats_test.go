package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreatePrivateChat_ConcurrentCallersShareOneChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	pairs := [][2]string{{"a", "b"}, {"c", "d"}}
	for _, p := range pairs {
		mustUser(t, store, p[0], 1000)
		mustUser(t, store, p[1], 1000)
		mustFriends(t, store, p[0], p[1], 1500)
	}

	const callers = 16
	for _, p := range pairs {
		var wg sync.WaitGroup
		ids := make(chan string, callers)
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			a, b := p[0], p[1]
			if i%2 == 1 {
				a, b = b, a
			}
			wg.Add(1)
			go func(a, b string) {
				defer wg.Done()
				chat, _, err := store.GetOrCreatePrivateChat(ctx, a, b, 2000)
				if err != nil {
					errs <- err
					return
				}
				ids <- chat.ID
			}(a, b)
		}
		wg.Wait()
		close(ids)
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		seen := map[string]struct{}{}
		for id := range ids {
			seen[id] = struct{}{}
		}
		require.Len(t, seen, 1, "pair %v", p)

		n, err := store.CountPrivateChats(ctx, p[1], p[0])
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
}

func TestGetOrCreatePrivateChat_Rules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "a", 1000)
	mustUser(t, store, "b", 1000)

	_, _, err := store.GetOrCreatePrivateChat(ctx, "a", "a", 2000)
	require.ErrorIs(t, err, ErrCannotTargetSelf)

	_, _, err = store.GetOrCreatePrivateChat(ctx, "a", "ghost", 2000)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.GetOrCreatePrivateChat(ctx, "a", "b", 2000)
	require.ErrorIs(t, err, ErrAccessDenied)

	mustFriends(t, store, "a", "b", 2500)
	chat, created, err := store.GetOrCreatePrivateChat(ctx, "b", "a", 3000)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, [2]string{"a", "b"}, chat.Participants)
	require.Equal(t, "b", chat.Peer("a"))

	// The chat outlives the friendship.
	_, err = store.RemoveFriend(ctx, "a", "b")
	require.NoError(t, err)
	again, created, err := store.GetOrCreatePrivateChat(ctx, "a", "b", 4000)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, chat.ID, again.ID)

	got, err := store.GetPrivateChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Equal(t, PairKey("a", "b"), got.PairKey)

	_, err = store.GetPrivateChat(ctx, fmt.Sprintf("missing-%d", 1))
	require.ErrorIs(t, err, ErrNotFound)
}
