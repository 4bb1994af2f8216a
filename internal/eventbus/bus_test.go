package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusFanOut(t *testing.T) {
	bus := New(8, testLogger())
	a := bus.Subscribe(nil)
	b := bus.Subscribe(nil, TopicBudgetAlert)

	bus.Publish(Event{Topic: TopicHealth, Domain: "a.example"})
	bus.Publish(Event{Topic: TopicBudgetAlert, Domain: "b.example"})

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 1, b.Len())

	e, ok := b.TryNext()
	require.True(t, ok)
	assert.Equal(t, "b.example", e.Domain)
	assert.False(t, e.At.IsZero(), "Publish stamps a time")

	bus.Unsubscribe(a)
	bus.Publish(Event{Topic: TopicHealth})
	assert.Equal(t, 2, a.Len(), "unsubscribed queues stop growing")
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBusFilter(t *testing.T) {
	bus := New(4, testLogger())
	sub := bus.Subscribe(func(e Event) bool { return e.Domain == "keep.example" })
	bus.Publish(Event{Topic: TopicHealth, Domain: "skip.example"})
	bus.Publish(Event{Topic: TopicHealth, Domain: "keep.example"})

	e, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "keep.example", e.Domain)
	assert.Equal(t, 0, sub.Len())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := New(3, testLogger())
	slow := bus.Subscribe(nil)
	fast := bus.Subscribe(nil)

	for i := range 5 {
		bus.Publish(Event{Topic: TopicCostUpdate, Payload: i})
		e, ok := fast.TryNext()
		require.True(t, ok)
		assert.Equal(t, i, e.Payload)
	}

	assert.Equal(t, 3, slow.Len())
	assert.Equal(t, int64(2), slow.Dropped())
	assert.Equal(t, int64(0), fast.Dropped())
	assert.Equal(t, int64(2), bus.Dropped())

	var got []any
	for {
		e, ok := slow.TryNext()
		if !ok {
			break
		}
		got = append(got, e.Payload)
	}
	assert.Equal(t, []any{2, 3, 4}, got, "the newest events survive")
}

func TestNextBlocksUntilPublish(t *testing.T) {
	bus := New(4, testLogger())
	sub := bus.Subscribe(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var got Event
	var err error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err = sub.Next(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(Event{Topic: TopicStatus, Domain: "x.example"})
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, "x.example", got.Domain)
}

func TestNextHonoursContext(t *testing.T) {
	bus := New(4, testLogger())
	sub := bus.Subscribe(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	bus := New(4, testLogger())
	sub := bus.Subscribe(nil)
	bus.Publish(Event{Topic: TopicHealth, Domain: "last.example"})
	bus.Close()

	e, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last.example", e.Domain)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	bus.Publish(Event{Topic: TopicHealth})
	assert.Equal(t, int64(1), bus.Published())

	late := bus.Subscribe(nil)
	select {
	case <-late.Done():
	default:
		t.Fatal("subscriptions made after Close are closed")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	bus := New(1000, testLogger())
	sub := bus.Subscribe(nil)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				bus.Publish(Event{Topic: TopicCostUpdate})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, sub.Len())
	assert.Equal(t, int64(1000), bus.Published())
}

// fakeNotifier loops NOTIFY back into WaitForNotification, like a single
// Postgres connection listening on its own channel.
type fakeNotifier struct {
	mu       sync.Mutex
	listened []string
	ch       chan [2]string
	sent     chan string
	// failing makes WaitForNotification return an error immediately.
	failing atomic.Bool
	waits   atomic.Int64
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan [2]string, 16), sent: make(chan string, 16)}
}

func (f *fakeNotifier) Listen(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened = append(f.listened, channel)
	return nil
}

func (f *fakeNotifier) listens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listened)
}

func (f *fakeNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	f.waits.Add(1)
	if f.failing.Load() {
		return "", "", errors.New("conn closed")
	}
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case n := <-f.ch:
		return n[0], n[1], nil
	}
}

func (f *fakeNotifier) Notify(_ context.Context, channel, payload string) error {
	f.sent <- payload
	f.ch <- [2]string{channel, payload}
	return nil
}

func TestRelayForwardsLocalAndRepublishesRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := New(16, testLogger())
	db := newFakeNotifier()
	relay := NewRelay(bus, db, "kizuna_events", "replica-a", testLogger())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	local := bus.Subscribe(nil, TopicStatus)
	bus.Publish(Event{Topic: TopicStatus, Domain: "a.example", Payload: model.StateTransition{
		Domain: "a.example", From: model.StateActive, To: model.StatePaused,
	}})

	select {
	case payload := <-db.sent:
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(payload), &env))
		assert.Equal(t, "replica-a", env.Origin)
		assert.Equal(t, TopicStatus, env.Topic)
	case <-time.After(time.Second):
		t.Fatal("relay did not NOTIFY")
	}

	// A notification from another replica is republished once.
	remote := model.StateTransition{Domain: "b.example", From: model.StateActive, To: model.StateBlocked}
	data, err := json.Marshal(remote)
	require.NoError(t, err)
	env, err := json.Marshal(envelope{Origin: "replica-b", Topic: TopicStatus, Domain: "b.example", Data: data})
	require.NoError(t, err)
	db.ch <- [2]string{"kizuna_events", string(env)}

	var seen []Event
	require.Eventually(t, func() bool {
		for {
			e, ok := local.TryNext()
			if !ok {
				break
			}
			seen = append(seen, e)
		}
		return len(seen) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "", seen[0].Origin)
	assert.Equal(t, "replica-b", seen[1].Origin)
	tr, ok := seen[1].Payload.(model.StateTransition)
	require.True(t, ok)
	assert.Equal(t, model.StateBlocked, tr.To)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, []string{"kizuna_events"}, db.listened)
}

func TestRelayDecodeRejectsUnknownTopic(t *testing.T) {
	r := NewRelay(New(1, testLogger()), newFakeNotifier(), "c", "me", testLogger())
	_, _, err := r.decode(`{"origin":"other","topic":"nope","data":{}}`)
	assert.Error(t, err)

	_, ok, err := r.decode(`{"origin":"me","topic":"status","data":{}}`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelayBacksOffAndRelistensOnWaitErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := New(16, testLogger())
	db := newFakeNotifier()
	db.failing.Store(true)
	relay := NewRelay(bus, db, "kizuna_events", "replica-a", testLogger(), TopicStatus)
	relay.minBackoff = 20 * time.Millisecond
	relay.maxBackoff = 20 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, db.waits.Load(), int64(10), "waits are spaced by the backoff")
	assert.GreaterOrEqual(t, db.listens(), 2, "LISTEN is re-issued after a failure")

	local := bus.Subscribe(nil, TopicStatus)
	db.failing.Store(false)
	data, err := json.Marshal(model.StateTransition{Domain: "b.example", To: model.StateBlocked})
	require.NoError(t, err)
	env, err := json.Marshal(envelope{Origin: "replica-b", Topic: TopicStatus, Domain: "b.example", Data: data})
	require.NoError(t, err)
	db.ch <- [2]string{"kizuna_events", string(env)}

	require.Eventually(t, func() bool {
		e, ok := local.TryNext()
		return ok && e.Origin == "replica-b"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
