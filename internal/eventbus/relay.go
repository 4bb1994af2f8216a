package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kizuna/internal/model"
)

// maxNotifyPayload is Postgres' NOTIFY payload limit.
const maxNotifyPayload = 8000

const (
	minReceiveBackoff = 100 * time.Millisecond
	maxReceiveBackoff = 30 * time.Second
)

// Notifier is the LISTEN/NOTIFY surface of the storage layer.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

// Relay mirrors bus events between replicas. Local events on the relayed
// topics are sent with NOTIFY; notifications from other replicas are decoded
// and republished locally with Origin set, so they are never sent back out.
type Relay struct {
	bus     *Bus
	db      Notifier
	channel string
	origin  string
	topics  []Topic
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewRelay creates a relay on the given NOTIFY channel. origin must be
// unique per replica.
func NewRelay(bus *Bus, db Notifier, channel, origin string, logger *slog.Logger, topics ...Topic) *Relay {
	if len(topics) == 0 {
		topics = []Topic{TopicHealth, TopicBudgetAlert, TopicCostAlert, TopicStatus}
	}
	return &Relay{
		bus: bus, db: db, channel: channel, origin: origin, topics: topics, logger: logger,
		minBackoff: minReceiveBackoff, maxBackoff: maxReceiveBackoff,
	}
}

type envelope struct {
	Origin string          `json:"origin"`
	Topic  Topic           `json:"topic"`
	Domain string          `json:"domain"`
	At     json.RawMessage `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Run blocks until ctx is cancelled, forwarding in both directions.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.db.Listen(ctx, r.channel); err != nil {
		return fmt.Errorf("eventbus: listen %s: %w", r.channel, err)
	}
	r.logger.Info("eventbus: relay listening", "channel", r.channel, "origin", r.origin)

	sub := r.bus.Subscribe(func(e Event) bool { return e.Origin == "" }, r.topics...)
	defer r.bus.Unsubscribe(sub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.receive(gctx) })
	g.Go(func() error {
		for {
			e, err := sub.Next(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
			if err := r.send(gctx, e); err != nil {
				r.logger.Warn("eventbus: relay send failed", "topic", e.Topic, "domain", e.Domain, "error", err)
			}
		}
	})
	return g.Wait()
}

func (r *Relay) send(ctx context.Context, e Event) error {
	payload, err := r.encode(e)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("eventbus: payload of %d bytes exceeds NOTIFY limit", len(payload))
	}
	return r.db.Notify(ctx, r.channel, payload)
}

func (r *Relay) encode(e Event) (string, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	at, err := json.Marshal(e.At)
	if err != nil {
		return "", fmt.Errorf("eventbus: marshal time: %w", err)
	}
	out, err := json.Marshal(envelope{Origin: r.origin, Topic: e.Topic, Domain: e.Domain, At: at, Data: data})
	if err != nil {
		return "", fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	return string(out), nil
}

// receive republishes remote notifications. A failed wait backs off
// exponentially and re-issues LISTEN, since a dropped connection loses it.
func (r *Relay) receive(ctx context.Context) error {
	delay := r.minBackoff
	for {
		channel, payload, err := r.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("eventbus: notification error, retrying", "error", err, "backoff", delay)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			delay = min(delay*2, r.maxBackoff)
			if err := r.db.Listen(ctx, r.channel); err != nil && ctx.Err() == nil {
				r.logger.Warn("eventbus: relisten failed", "channel", r.channel, "error", err)
			}
			continue
		}
		delay = r.minBackoff
		if channel != r.channel {
			continue
		}
		e, ok, err := r.decode(payload)
		if err != nil {
			r.logger.Warn("eventbus: drop malformed notification", "error", err)
			continue
		}
		if ok {
			r.bus.Publish(e)
		}
	}
}

// decode parses a notification. ok is false for this replica's own events.
func (r *Relay) decode(payload string) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, false, fmt.Errorf("eventbus: unmarshal envelope: %w", err)
	}
	if env.Origin == r.origin {
		return Event{}, false, nil
	}
	e := Event{Topic: env.Topic, Domain: env.Domain, Origin: env.Origin}
	if len(env.At) > 0 {
		if err := json.Unmarshal(env.At, &e.At); err != nil {
			return Event{}, false, fmt.Errorf("eventbus: unmarshal time: %w", err)
		}
	}
	p, err := decodePayload(env.Topic, env.Data)
	if err != nil {
		return Event{}, false, err
	}
	e.Payload = p
	return e, true, nil
}

func decodePayload(topic Topic, data json.RawMessage) (any, error) {
	var err error
	switch topic {
	case TopicHealth:
		var v model.FederationHealthUpdate
		err = json.Unmarshal(data, &v)
		return v, wrapDecode(topic, err)
	case TopicBudgetAlert:
		var v model.BudgetAlert
		err = json.Unmarshal(data, &v)
		return v, wrapDecode(topic, err)
	case TopicCostAlert:
		var v model.CostAlert
		err = json.Unmarshal(data, &v)
		return v, wrapDecode(topic, err)
	case TopicCostUpdate:
		var v model.CostUpdate
		err = json.Unmarshal(data, &v)
		return v, wrapDecode(topic, err)
	case TopicStatus:
		var v model.StateTransition
		err = json.Unmarshal(data, &v)
		return v, wrapDecode(topic, err)
	default:
		return nil, fmt.Errorf("eventbus: unknown topic %q", topic)
	}
}

func wrapDecode(topic Topic, err error) error {
	if err != nil {
		return fmt.Errorf("eventbus: decode %s payload: %w", topic, err)
	}
	return nil
}
