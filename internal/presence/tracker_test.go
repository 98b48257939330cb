package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *recorder) Publish(events ...fanout.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, ev := range r.events {
		out = append(out, ev.Payload.(Status))
	}
	return out
}

func newTestTracker(t *testing.T) (*Tracker, *fakeClock, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := storage.Open(context.Background(), "sqlite::memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, id := range []string{"u1", "u2"} {
		_, _, err := store.EnsureUser(context.Background(), id, id+"@example.com", "", 0)
		require.NoError(t, err)
	}

	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	rec := &recorder{}
	tr := New(store, rec, 45*time.Second, 15*time.Second, logger, WithClock(clock.Now))
	return tr, clock, rec
}

func TestHeartbeatKeepsUserOnlineWithinWindow(t *testing.T) {
	ctx := context.Background()
	tr, clock, rec := newTestTracker(t)

	st, err := tr.Heartbeat(ctx, "u1")
	require.NoError(t, err)
	require.True(t, st.Online)
	require.Len(t, rec.statuses(), 1, "offline -> online publishes")

	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		_, err := tr.Heartbeat(ctx, "u1")
		require.NoError(t, err)
	}
	st, err = tr.Status(ctx, "u1")
	require.NoError(t, err)
	require.True(t, st.Online)
	require.Len(t, rec.statuses(), 1, "steady heartbeats publish nothing")
}

func TestSilentUserReadsOfflineBeforeAndAfterSweep(t *testing.T) {
	ctx := context.Background()
	tr, clock, rec := newTestTracker(t)

	_, err := tr.Heartbeat(ctx, "u1")
	require.NoError(t, err)
	start := clock.Now().UnixMilli()

	clock.Advance(46 * time.Second)
	st, err := tr.Status(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.Online, "derived status must not wait for the sweep")

	stale, err := tr.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, stale)

	statuses := rec.statuses()
	require.Len(t, statuses, 2)
	require.False(t, statuses[1].Online)
	require.Equal(t, start, statuses[1].LastSeenMs)

	stale, err = tr.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, stale)

	// Coming back after the timeout counts as a transition even if the
	// sweep has not run.
	_, err = tr.Heartbeat(ctx, "u2")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = tr.Heartbeat(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, rec.statuses(), 4)
}

func TestDisconnectIsImmediate(t *testing.T) {
	ctx := context.Background()
	tr, _, rec := newTestTracker(t)

	_, err := tr.Heartbeat(ctx, "u1")
	require.NoError(t, err)
	st, err := tr.Disconnect(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.Online)

	_, err = tr.Disconnect(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rec.statuses(), 2, "second disconnect changes nothing")
}

func TestRunStopsWithContext(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
