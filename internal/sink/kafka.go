// Package sink exports bus events to Kafka for downstream analytics.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ashita-ai/kizuna/internal/eventbus"
)

// Producer is the subset of *kgo.Client the sink uses.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Dial connects a franz-go client producing to topic.
func Dial(brokers []string, topic, clientID string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("sink: no brokers configured")
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID(clientID),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: create kafka client: %w", err)
	}
	return cl, nil
}

// Record is the JSON value written for each event.
type Record struct {
	Topic    eventbus.Topic `json:"topic"`
	Domain   string         `json:"domain"`
	At       time.Time      `json:"at"`
	Instance string         `json:"instance"`
	Data     any            `json:"data"`
}

// Kafka forwards locally produced bus events to a Kafka topic, keyed by
// domain so one domain's events stay ordered within a partition.
type Kafka struct {
	producer Producer
	bus      *eventbus.Bus
	instance string
	logger   *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewKafka creates a sink. instance is written into every record.
func NewKafka(producer Producer, bus *eventbus.Bus, instance string, logger *slog.Logger) *Kafka {
	return &Kafka{producer: producer, bus: bus, instance: instance, logger: logger}
}

// Run exports events until ctx is cancelled, then flushes what is buffered.
func (k *Kafka) Run(ctx context.Context) error {
	// Events relayed from other replicas are exported by their origin.
	sub := k.bus.Subscribe(func(e eventbus.Event) bool { return e.Origin == "" })
	defer k.bus.Unsubscribe(sub)
	k.logger.Info("sink: kafka export started", "instance", k.instance)

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventbus.ErrClosed) {
				break
			}
			return err
		}
		k.export(ctx, e)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.producer.Flush(flushCtx); err != nil {
		k.logger.Warn("sink: kafka flush failed", "error", err)
	}
	return nil
}

func (k *Kafka) export(ctx context.Context, e eventbus.Event) {
	value, err := json.Marshal(Record{
		Topic:    e.Topic,
		Domain:   e.Domain,
		At:       e.At,
		Instance: k.instance,
		Data:     e.Payload,
	})
	if err != nil {
		k.failed.Add(1)
		k.logger.Warn("sink: marshal event failed", "topic", e.Topic, "error", err)
		return
	}
	rec := &kgo.Record{
		Key:   []byte(e.Domain),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(e.Topic)},
		},
	}
	k.producer.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			k.failed.Add(1)
			k.logger.Warn("sink: kafka produce failed", "topic", e.Topic, "domain", e.Domain, "error", err)
			return
		}
		k.sent.Add(1)
	})
}

// Stats returns records acknowledged and records lost.
func (k *Kafka) Stats() (sent, failed int64) {
	return k.sent.Load(), k.failed.Load()
}
