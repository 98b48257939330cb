// Package relay shares fan-out events between API instances over a Redis
// pub/sub channel. Each instance publishes to its own engine first and
// then to the channel; events read back from the channel are delivered
// locally unless this instance sent them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatcore-backend/internal/fanout"
)

const (
	outboundBuffer = 1024
	publishTimeout = 2 * time.Second
)

type envelope struct {
	Origin string      `json:"origin"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Topic    string          `json:"topic"`
	Type     string          `json:"type"`
	EntityID string          `json:"entityId,omitempty"`
	Seq      int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Relay struct {
	rdb     *redis.Client
	channel string
	origin  string
	local   fanout.Publisher
	logger  *slog.Logger

	outbound chan []byte
	dropped  atomic.Int64
}

// New wraps local. rdb may be nil in tests that only exercise encoding.
func New(rdb *redis.Client, channel string, local fanout.Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		channel:  channel,
		origin:   uuid.NewString(),
		local:    local,
		logger:   logger.With("component", "relay", "channel", channel),
		outbound: make(chan []byte, outboundBuffer),
	}
}

// Publish delivers locally and queues the events for the other
// instances. It never waits on Redis; when the outbound queue is full the
// batch is dropped for remote instances only.
func (r *Relay) Publish(events ...fanout.Event) {
	if len(events) == 0 {
		return
	}
	r.local.Publish(events...)

	data, err := r.encode(events)
	if err != nil {
		r.logger.Error("encode events failed", "error", err)
		return
	}
	select {
	case r.outbound <- data:
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, dropping batch", "events", len(events))
	}
}

// Dropped counts batches that never reached Redis.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Run subscribes to the channel and pumps the outbound queue until ctx is
// done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "origin", r.origin)

	inbound := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return fmt.Errorf("relay channel closed")
			}
			r.handle([]byte(msg.Payload))
		case data := <-r.outbound:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.rdb.Publish(pubCtx, r.channel, data).Err()
			cancel()
			if err != nil {
				r.logger.Warn("relay publish failed", "error", err)
			}
		}
	}
}

func (r *Relay) encode(events []fanout.Event) ([]byte, error) {
	env := envelope{Origin: r.origin, Events: make([]wireEvent, 0, len(events))}
	for _, ev := range events {
		var payload json.RawMessage
		if ev.Payload != nil {
			raw, err := json.Marshal(ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
			}
			payload = raw
		}
		env.Events = append(env.Events, wireEvent{
			Topic:    ev.Topic,
			Type:     ev.Type,
			EntityID: ev.EntityID,
			Seq:      ev.Seq,
			Payload:  payload,
		})
	}
	return json.Marshal(env)
}

// handle re-publishes a batch from another instance on the local engine.
// Payloads stay raw JSON; subscribers only ever serialize them again.
func (r *Relay) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("discarding malformed relay message", "error", err)
		return
	}
	if env.Origin == r.origin || len(env.Events) == 0 {
		return
	}
	events := make([]fanout.Event, 0, len(env.Events))
	for _, ev := range env.Events {
		out := fanout.Event{Topic: ev.Topic, Type: ev.Type, EntityID: ev.EntityID, Seq: ev.Seq}
		if len(ev.Payload) > 0 {
			out.Payload = ev.Payload
		}
		events = append(events, out)
	}
	r.local.Publish(events...)
}
