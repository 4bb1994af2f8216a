// Package eventbus is an in-process publish/subscribe bus for federation
// events. Every subscriber owns a bounded queue. When a queue is full the
// oldest queued event is discarded to make room, so a slow subscriber loses
// its own history and never blocks producers or other subscribers.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	TopicHealth      Topic = "health"
	TopicBudgetAlert Topic = "budget_alert"
	TopicCostAlert   Topic = "cost_alert"
	TopicCostUpdate  Topic = "cost_update"
	TopicStatus      Topic = "status"
)

// AllTopics lists every topic the engine publishes.
var AllTopics = []Topic{TopicHealth, TopicBudgetAlert, TopicCostAlert, TopicCostUpdate, TopicStatus}

// ErrClosed is returned by Next once a subscription is closed and drained.
var ErrClosed = errors.New("eventbus: subscription closed")

// Event is one published message. Payload holds a model value matching the
// topic (for example model.BudgetAlert on TopicBudgetAlert).
type Event struct {
	Topic   Topic     `json:"topic"`
	Domain  string    `json:"domain"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
	// Origin identifies the replica an event was relayed from. Empty for
	// events published in this process.
	Origin string `json:"origin,omitempty"`
}

// Filter selects events for a subscription. A nil Filter accepts all.
type Filter func(Event) bool

// Bus fans events out to subscribers.
type Bus struct {
	queueSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus whose subscribers each buffer at most queueSize events.
func New(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Bus{
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for the given topics (all topics when
// none are given). The caller must call Unsubscribe or Close when done.
func (b *Bus) Subscribe(filter Filter, topics ...Topic) *Subscription {
	s := &Subscription{
		bus:    b,
		filter: filter,
		ring:   make([]Event, b.queueSize),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes it. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

// Publish delivers e to every matching subscriber without blocking.
// Events published after Close are discarded.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for s := range b.subs {
		if !s.matches(e) {
			continue
		}
		if s.push(e) {
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Pending events remain readable.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events accepted by Publish.
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the number of events discarded across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscription is a bounded drop-oldest queue of events.
type Subscription struct {
	bus    *Bus
	topics map[Topic]struct{}
	filter Filter

	mu     sync.Mutex
	ring   []Event
	head   int
	n      int
	closed bool

	ready   chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

func (s *Subscription) matches(e Event) bool {
	if s.topics != nil {
		if _, ok := s.topics[e.Topic]; !ok {
			return false
		}
	}
	return s.filter == nil || s.filter(e)
}

// push enqueues e and reports whether an older event was discarded.
func (s *Subscription) push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	evicted := false
	if s.n == len(s.ring) {
		s.ring[s.head] = Event{}
		s.head = (s.head + 1) % len(s.ring)
		s.n--
		evicted = true
		s.dropped.Add(1)
	}
	s.ring[(s.head+s.n)%len(s.ring)] = e
	s.n++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return evicted
}

// TryNext pops the oldest queued event without waiting.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return Event{}, false
	}
	e := s.ring[s.head]
	s.ring[s.head] = Event{}
	s.head = (s.head + 1) % len(s.ring)
	s.n--
	return e, true
}

// Next waits for the next event. It returns ErrClosed once the subscription
// is closed and its queue is empty, or ctx.Err() if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if e, ok := s.TryNext(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.ready:
		case <-s.done:
			if e, ok := s.TryNext(); ok {
				return e, nil
			}
			return Event{}, ErrClosed
		}
	}
}

// Ready is signalled when events may be available. Drain with TryNext.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Dropped returns the number of events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
