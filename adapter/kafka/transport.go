// Package kafka adapts Apache Kafka as a finbus transport via
// github.com/segmentio/kafka-go.
//
// A single shared writer handles all topics, keyed for partition affinity
// and configured to wait for acknowledgment from all in-sync replicas. Each
// subscription runs one long-lived goroutine that fetches, hands the record
// to the bus, and commits the offset through the delivery's Ack.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/finwire/finbus"
)

const TransportName = "kafka"

func init() {
	if err := finbus.RegisterTransport(TransportName, func(cfg map[string]any) (finbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("finbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus over Kafka. The caller owns the returned bus; nothing is
// installed globally.
func Use(cfg Config, opts ...func(*finbus.BusBuilder)) (*finbus.Bus, error) {
	bb := finbus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	return bb.Build()
}

type transport struct {
	cfg       Config
	writer    *kafkago.Writer
	dlqWriter *kafkago.Writer

	closed  atomic.Bool
	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// NewTransport creates a Kafka transport. Connections are established
// lazily by kafka-go on first use.
func NewTransport(cfg Config) (finbus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &transport{
		cfg: cfg,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Balancer:     &kafkago.Hash{},
			WriteTimeout: cfg.WriteTimeout,
			BatchTimeout: cfg.BatchTimeout,
			MaxAttempts:  cfg.MaxAttempts,
			RequiredAcks: kafkago.RequireAll,
		},
		metrics: &transportMetrics{},
	}

	if cfg.DeadLetterSuffix != "" {
		t.dlqWriter = &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Balancer:     &kafkago.LeastBytes{},
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafkago.RequireOne,
		}
	}

	return t, nil
}

// Start is a no-op; kafka-go connects lazily. Idempotent.
func (t *transport) Start(_ context.Context) error {
	if t.closed.Load() {
		return errors.New("kafka: transport is closed")
	}
	return nil
}

// Publish writes the encoded record to topic and blocks until the broker
// acknowledges it or ctx expires.
func (t *transport) Publish(ctx context.Context, topic, key string, data []byte) error {
	if t.closed.Load() {
		return errors.New("kafka: transport is closed")
	}

	err := t.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}

	t.metrics.published.Add(1)
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe creates a reader bound to topic within group and starts one
// consuming goroutine. Offsets are committed through the delivery's Ack,
// which the consuming loop invokes after each record.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(finbus.Delivery)) (finbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("kafka: transport is closed")
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: t.cfg.MinBytes,
		MaxBytes: t.cfg.MaxBytes,
		MaxWait:  t.cfg.MaxWait,
		// Commit synchronously from Ack; no interval batching
		CommitInterval: 0,
	})

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		t.consumeLoop(innerCtx, reader, topic, handler)
	}()

	return &subscription{
		close: func() error {
			cancel()
			<-done
			return reader.Close()
		},
	}, nil
}

func (t *transport) consumeLoop(ctx context.Context, reader *kafkago.Reader, topic string, handler func(finbus.Delivery)) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.metrics.consumeErrors.Add(1)
			continue
		}

		t.metrics.consumed.Add(1)
		handler(&delivery{
			t:      t,
			reader: reader,
			msg:    m,
			topic:  topic,
		})
	}
}

// Close shuts down the writers. Subscriptions close their own readers.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.writer.Close()
	if t.dlqWriter != nil {
		if dlqErr := t.dlqWriter.Close(); err == nil {
			err = dlqErr
		}
	}
	return err
}

// delivery implements finbus.Delivery for Kafka.
type delivery struct {
	t      *transport
	reader *kafkago.Reader
	msg    kafkago.Message
	topic  string

	onceAck sync.Once
}

func (d *delivery) Key() string  { return string(d.msg.Key) }
func (d *delivery) Data() []byte { return d.msg.Value }

// Ack commits the offset, marking the record as consumed for the group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.reader.CommitMessages(ctx, d.msg)
		if err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack copies the record to the dead-letter topic when one is configured,
// then commits the original offset so the record cannot loop forever. With
// no dead-letter suffix the offset is committed anyway: redelivering a
// record the handler cannot process only repeats the failure.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)

	if d.t.dlqWriter != nil {
		err := d.t.dlqWriter.WriteMessages(ctx, kafkago.Message{
			Topic: d.topic + d.t.cfg.DeadLetterSuffix,
			Key:   d.msg.Key,
			Value: d.msg.Value,
			Headers: []kafkago.Header{
				{Key: "orig_topic", Value: []byte(d.topic)},
				{Key: "error", Value: []byte(fmt.Sprintf("%v", reason))},
			},
		})
		if err != nil {
			return err
		}
	}
	return d.Ack(ctx)
}
