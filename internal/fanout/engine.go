// Package fanout keeps the registry of live topic subscriptions and
// delivers change events to them.
//
// Each subscription owns a bounded queue. Publishers append and never wait;
// a subscription whose queue overflows loses its queued deltas and is
// marked for a fresh snapshot, which its next read returns.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const DefaultBuffer = 256

var ErrClosed = errors.New("subscription closed")

// Snapshotter authorizes a subscriber for a topic and produces the topic's
// current state.
type Snapshotter interface {
	Snapshot(ctx context.Context, userID, topic string) (any, error)
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(events ...Event)
}

type Engine struct {
	logger *slog.Logger
	snap   Snapshotter
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}

	published atomic.Int64
	overflows atomic.Int64
}

func NewEngine(snap Snapshotter, buffer int, logger *slog.Logger) *Engine {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Engine{
		logger: logger.With("component", "fanout"),
		snap:   snap,
		buffer: buffer,
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers userID on topic. The subscription is registered
// before the snapshot is taken so no delta committed in between is lost;
// the snapshot is queued ahead of every delta. Cancelling ctx ends the
// subscription.
func (e *Engine) Subscribe(ctx context.Context, userID, topic string) (*Subscription, error) {
	if _, _, err := ParseTopic(topic); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		Topic:  topic,
		engine: e,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.register(sub)

	state, err := e.snap.Snapshot(ctx, userID, topic)
	if err != nil {
		e.unregister(sub)
		return nil, err
	}
	sub.prepend(Event{Topic: topic, Type: EventSnapshot, Payload: state})

	sub.setStopWatch(context.AfterFunc(ctx, sub.Close))
	return sub, nil
}

// Publish hands each event to the current subscribers of its topic.
// Events for one topic reach every subscriber in the order they were
// published. An access.revoked event ends the named user's subscriptions
// on its topic and a room.deleted event ends every subscription on it,
// after the events already queued are read.
func (e *Engine) Publish(events ...Event) {
	var ended []*Subscription
	e.mu.RLock()
	for _, ev := range events {
		if ev.Type == EventAccessRevoked {
			if ev.EntityID != "" {
				ended = append(ended, e.sealLocked(ev.Topic, ev.EntityID)...)
			}
			continue
		}
		e.published.Add(1)
		for sub := range e.topics[ev.Topic] {
			if sub.enqueue(ev, e.buffer) {
				e.overflows.Add(1)
				e.logger.Warn("subscriber overflow, resnapshot scheduled",
					"topic", ev.Topic, "subscription", sub.ID, "user_id", sub.UserID)
			}
		}
		if ev.Type == EventRoomDeleted {
			ended = append(ended, e.sealLocked(ev.Topic, "")...)
		}
	}
	e.mu.RUnlock()

	for _, sub := range ended {
		e.unregister(sub)
	}
}

// CloseUser ends userID's subscriptions on topic on this instance only.
// Use an access.revoked event to reach every instance.
func (e *Engine) CloseUser(topic, userID string) {
	e.mu.RLock()
	ended := e.sealLocked(topic, userID)
	e.mu.RUnlock()
	for _, sub := range ended {
		e.unregister(sub)
	}
}

// sealLocked seals the subscriptions on topic owned by userID, or all of
// them when userID is empty. e.mu must be held.
func (e *Engine) sealLocked(topic, userID string) []*Subscription {
	var sealed []*Subscription
	for sub := range e.topics[topic] {
		if userID != "" && sub.UserID != userID {
			continue
		}
		sub.seal()
		sealed = append(sealed, sub)
	}
	if len(sealed) > 0 {
		e.logger.Info("subscriptions revoked", "topic", topic, "user_id", userID, "count", len(sealed))
	}
	return sealed
}

func (e *Engine) register(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs, ok := e.topics[sub.Topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		e.topics[sub.Topic] = subs
	}
	subs[sub] = struct{}{}
}

func (e *Engine) unregister(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs, ok := e.topics[sub.Topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(e.topics, sub.Topic)
	}
}

type Stats struct {
	Topics        int   `json:"topics"`
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Overflows     int64 `json:"overflows"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{Topics: len(e.topics), Published: e.published.Load(), Overflows: e.overflows.Load()}
	for _, subs := range e.topics {
		st.Subscriptions += len(subs)
	}
	return st
}

func (e *Engine) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.topics[topic])
}
