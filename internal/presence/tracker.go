// Package presence derives online status from heartbeats.
//
// A user is online while their stored flag is set and their last heartbeat
// is within the timeout. The derived value goes stale-offline on its own;
// the sweep only persists that and tells subscribers.
package presence

import (
	"context"
	"log/slog"
	"time"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/storage"
)

const (
	DefaultTimeout       = 45 * time.Second
	DefaultSweepInterval = 15 * time.Second
)

type Store interface {
	Heartbeat(ctx context.Context, userID string, nowMs int64) (storage.PresenceRow, error)
	SetOffline(ctx context.Context, userID string, nowMs int64) (bool, error)
	MarkStaleOffline(ctx context.Context, cutoffMs int64) ([]string, error)
	GetPresence(ctx context.Context, userID string) (storage.PresenceRow, error)
}

type Status struct {
	UserID          string `json:"userId"`
	Online          bool   `json:"online"`
	LastHeartbeatMs int64  `json:"lastHeartbeatMs"`
	LastSeenMs      int64  `json:"lastSeenMs"`
}

type Tracker struct {
	store    Store
	pub      fanout.Publisher
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(store Store, pub fanout.Publisher, timeout, interval time.Duration, logger *slog.Logger, opts ...Option) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := &Tracker{
		store:    store,
		pub:      pub,
		logger:   logger.With("component", "presence"),
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Heartbeat refreshes the user's last heartbeat and marks them online.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) (Status, error) {
	nowMs := t.now().UnixMilli()
	prev, err := t.store.Heartbeat(ctx, userID, nowMs)
	if err != nil {
		return Status{}, err
	}
	st := Status{UserID: userID, Online: true, LastHeartbeatMs: nowMs, LastSeenMs: nowMs}
	if !t.derive(prev, nowMs).Online {
		t.publish(st, nowMs)
	}
	return st, nil
}

// Disconnect marks the user offline immediately.
func (t *Tracker) Disconnect(ctx context.Context, userID string) (Status, error) {
	nowMs := t.now().UnixMilli()
	changed, err := t.store.SetOffline(ctx, userID, nowMs)
	if err != nil {
		return Status{}, err
	}
	st, err := t.Status(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	if changed {
		t.publish(st, nowMs)
	}
	return st, nil
}

// Status reads the user's derived presence.
func (t *Tracker) Status(ctx context.Context, userID string) (Status, error) {
	row, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	return t.derive(row, t.now().UnixMilli()), nil
}

// Sweep persists offline status for users whose heartbeat is older than
// the timeout and returns their ids.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	nowMs := t.now().UnixMilli()
	cutoff := nowMs - t.timeout.Milliseconds()
	stale, err := t.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, userID := range stale {
		st, err := t.Status(ctx, userID)
		if err != nil {
			t.logger.Warn("presence status after sweep failed", "user_id", userID, "error", err)
			st = Status{UserID: userID}
		}
		t.publish(st, nowMs)
	}
	if len(stale) > 0 {
		t.logger.Info("presence sweep", "offline", len(stale))
	}
	return stale, nil
}

// Run sweeps on every interval tick until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("presence sweep failed", "error", err)
			}
		}
	}
}

func (t *Tracker) derive(row storage.PresenceRow, nowMs int64) Status {
	return Status{
		UserID:          row.UserID,
		Online:          row.Online && nowMs-row.LastHeartbeatMs <= t.timeout.Milliseconds(),
		LastHeartbeatMs: row.LastHeartbeatMs,
		LastSeenMs:      row.LastSeenMs,
	}
}

func (t *Tracker) publish(st Status, version int64) {
	if t.pub == nil {
		return
	}
	t.pub.Publish(fanout.Event{
		Topic:    fanout.PresenceTopic(st.UserID),
		Type:     fanout.EventPresenceUpdated,
		EntityID: st.UserID,
		Seq:      version,
		Payload:  st,
	})
}
