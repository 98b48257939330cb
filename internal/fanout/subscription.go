package fanout

import (
	"context"
	"sync"
)

// Subscription is one subscriber's stream on one topic.
type Subscription struct {
	ID     string
	UserID string
	Topic  string

	engine *Engine
	notify chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	queue      []Event
	resnapshot bool
	sealed     bool
	closed     bool
	stopWatch  func() bool
	closeOnce  sync.Once
}

// Next blocks until an event is available, ctx ends or the subscription is
// closed. After an overflow the next event is a fresh snapshot. A revoked
// subscription returns its queued events and then ErrClosed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		if s.sealed && len(s.queue) == 0 {
			s.mu.Unlock()
			s.Close()
			return Event{}, ErrClosed
		}
		if s.resnapshot {
			s.resnapshot = false
			s.mu.Unlock()
			state, err := s.engine.snap.Snapshot(ctx, s.UserID, s.Topic)
			if err != nil {
				return Event{}, err
			}
			return Event{Topic: s.Topic, Type: EventSnapshot, Payload: state}, nil
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrClosed
		case <-s.notify:
		}
	}
}

// Close removes the subscription from its topic. It is safe to call more
// than once and from any goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.engine.unregister(s)
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		stop := s.stopWatch
		s.mu.Unlock()
		close(s.done)
		if stop != nil {
			stop()
		}
	})
}

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Revoked reports whether the engine ended the subscription because its
// user lost access to the topic.
func (s *Subscription) Revoked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *Subscription) seal() {
	s.mu.Lock()
	s.sealed = true
	s.resnapshot = false
	s.mu.Unlock()
	s.wake()
}

// enqueue appends ev and reports whether the queue overflowed.
func (s *Subscription) enqueue(ev Event, limit int) bool {
	s.mu.Lock()
	if s.closed || s.sealed {
		s.mu.Unlock()
		return false
	}
	overflow := false
	if len(s.queue) >= limit {
		s.queue = nil
		s.resnapshot = true
		overflow = true
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.wake()
	return overflow
}

func (s *Subscription) setStopWatch(stop func() bool) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.stopWatch = stop
	}
	s.mu.Unlock()
	if closed {
		stop()
	}
}

// prepend queues the initial snapshot ahead of any deltas. An overflow
// during the snapshot already scheduled a newer one, and a revocation
// leaves nothing to show, so the snapshot is dropped in both cases.
func (s *Subscription) prepend(ev Event) {
	s.mu.Lock()
	if s.resnapshot || s.sealed {
		s.mu.Unlock()
		return
	}
	s.queue = append([]Event{ev}, s.queue...)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
