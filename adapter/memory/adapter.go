// Package memory provides an in-process transport: publishing delivers the
// record synchronously to every subscriber of the topic, in registration
// order, on the publisher's goroutine. Intended for tests, tools, and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/finwire/finbus"
)

const TransportName = "memory"

func init() {
	if err := finbus.RegisterTransport(TransportName, func(cfg map[string]any) (finbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("finbus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// CaptureUnrouted keeps records published to topics with no subscribers
	// instead of dropping them, retrievable via Unrouted (default: false).
	CaptureUnrouted bool
}

// ConfigFromMap converts a generic config map to Config.
func ConfigFromMap(cfg map[string]any) Config {
	c := Config{}
	if v, ok := cfg["capture_unrouted"].(bool); ok {
		c.CaptureUnrouted = v
	}
	return c
}

// Transport implements finbus.Transport with synchronous in-process fan-out.
// Delivery order within a topic follows subscriber registration order, and a
// failing subscriber never prevents later subscribers from receiving the
// record.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string][]*subscriber

	unroutedMu sync.Mutex
	unrouted   []UnroutedRecord

	closed  atomic.Bool
	metrics transportMetrics
}

type transportMetrics struct {
	published atomic.Uint64
	delivered atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
	dropped   atomic.Uint64
}

// UnroutedRecord is a published record that had no subscribers.
type UnroutedRecord struct {
	Topic string
	Key   string
	Data  []byte
}

var _ finbus.Transport = (*Transport)(nil)

// NewTransport creates a new in-process transport.
func NewTransport(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		topics: make(map[string][]*subscriber),
	}
}

// Start is a no-op; the transport has no external connections.
func (t *Transport) Start(_ context.Context) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	return nil
}

// Publish delivers the record to every subscriber of topic, inline and in
// registration order. Consumer groups are ignored: each subscriber is an
// independent endpoint, matching local fan-out semantics rather than
// one-of-N broker semantics.
func (t *Transport) Publish(ctx context.Context, topic, key string, data []byte) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	subs := make([]*subscriber, len(t.topics[topic]))
	copy(subs, t.topics[topic])
	t.mu.RUnlock()

	t.metrics.published.Add(1)

	if len(subs) == 0 {
		t.metrics.dropped.Add(1)
		if t.cfg.CaptureUnrouted {
			t.unroutedMu.Lock()
			t.unrouted = append(t.unrouted, UnroutedRecord{Topic: topic, Key: key, Data: data})
			t.unroutedMu.Unlock()
		}
		return nil
	}

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		d := &memDelivery{key: key, data: data, tr: t}
		t.metrics.delivered.Add(1)
		sub.handler(d)
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler runs on the
// publisher's goroutine when records arrive.
func (t *Transport) Subscribe(_ context.Context, topic, _ string, handler func(finbus.Delivery)) (finbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("memory transport is closed")
	}

	sub := &subscriber{handler: handler}

	t.mu.Lock()
	t.topics[topic] = append(t.topics[topic], sub)
	t.mu.Unlock()

	return &subscription{
		close: func() error {
			sub.closed.Store(true)
			t.mu.Lock()
			live := t.topics[topic][:0]
			for _, s := range t.topics[topic] {
				if s != sub {
					live = append(live, s)
				}
			}
			t.topics[topic] = live
			t.mu.Unlock()
			return nil
		},
	}, nil
}

// Close drops all subscriptions and rejects further use.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.topics = make(map[string][]*subscriber)
	t.mu.Unlock()
	return nil
}

// Unrouted returns and clears captured records that had no subscribers.
func (t *Transport) Unrouted() []UnroutedRecord {
	t.unroutedMu.Lock()
	defer t.unroutedMu.Unlock()
	out := t.unrouted
	t.unrouted = nil
	return out
}

// Stats returns transport telemetry.
type Stats struct {
	Published uint64
	Delivered uint64
	Acked     uint64
	Nacked    uint64
	Dropped   uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.metrics.published.Load(),
		Delivered: t.metrics.delivered.Load(),
		Acked:     t.metrics.acked.Load(),
		Nacked:    t.metrics.nacked.Load(),
		Dropped:   t.metrics.dropped.Load(),
	}
}

// Internal types

type subscriber struct {
	handler func(finbus.Delivery)
	closed  atomic.Bool
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

type memDelivery struct {
	key     string
	data    []byte
	tr      *Transport
	ackOnce sync.Once
}

func (d *memDelivery) Key() string  { return d.key }
func (d *memDelivery) Data() []byte { return d.data }

// Ack marks the record as processed. In-process delivery is already final,
// so this only updates telemetry.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack records the failure. There is no broker to redeliver from; the
// record stays delivered.
func (d *memDelivery) Nack(_ context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
	})
	return nil
}
