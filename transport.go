package finbus

import (
	"context"
	"errors"
	"sync"
)

// Delivery encapsulates a received record with Ack/Nack semantics.
type Delivery interface {
	// Key is the partition/ordering key the record was published under.
	Key() string
	// Data is the encoded wire record.
	Data() []byte
	// Ack marks the record as delivered.
	Ack(ctx context.Context) error
	// Nack reports a failed record; backends may dead-letter it. The record
	// still counts as delivered (at-least-once with best-effort handling).
	Nack(ctx context.Context, reason error) error
}

// Subscription represents an active per-topic consuming loop. Close signals
// the loop and blocks until it has exited.
type Subscription interface {
	Close() error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Start prepares backend connections. Idempotent.
	Start(ctx context.Context) error
	// Publish sends one encoded record to a topic, keyed for partition
	// affinity. It blocks until the backend acknowledges durability or ctx
	// expires.
	Publish(ctx context.Context, topic, key string, data []byte) error
	// Subscribe binds a delivery callback to a topic within a consumer
	// group. The transport drives delivery from a dedicated loop per
	// subscription and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources after signaling all consuming loops.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("finbus: transport name must not be empty")
	}
	if factory == nil {
		return errors.New("finbus: transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, UnknownTransportError{Name: name}
	}
	return f(cfg)
}
