package finbus

import (
	"context"
	"sync"

	"github.com/trickstertwo/xlog"
)

// Integration binds a Dispatcher to a Bus: outbound messages publish to
// their derived topic, and every topic in the catalog gets a subscription
// that reconstructs the concrete message before dispatching it.
//
// The integration holds explicit references to everything it needs; there
// is no ambient container to reach into.
type Integration struct {
	bus        *Bus
	dispatcher *Dispatcher
	catalog    *Catalog
	group      string
	logger     *xlog.Logger

	mu      sync.Mutex
	started bool
	subs    []Subscription
}

// IntegrationOption configures an Integration.
type IntegrationOption func(*Integration)

// WithConsumerGroup overrides the consumer group used for catalog
// subscriptions (default "finbus").
func WithConsumerGroup(group string) IntegrationOption {
	return func(i *Integration) {
		if group != "" {
			i.group = group
		}
	}
}

// WithIntegrationLogger overrides the integration's logger.
func WithIntegrationLogger(l *xlog.Logger) IntegrationOption {
	return func(i *Integration) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIntegration wires a bus, a dispatcher, and a message catalog together.
func NewIntegration(bus *Bus, dispatcher *Dispatcher, catalog *Catalog, opts ...IntegrationOption) *Integration {
	i := &Integration{
		bus:        bus,
		dispatcher: dispatcher,
		catalog:    catalog,
		group:      "finbus",
		logger:     xlog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Dispatcher exposes the routing surface for handler registration.
func (i *Integration) Dispatcher() *Dispatcher { return i.dispatcher }

// Bus exposes the underlying bus, e.g. for the outbox relay.
func (i *Integration) Bus() *Bus { return i.bus }

// Send publishes a message to its derived topic. The message reaches local
// handlers the same way it reaches remote ones: through a subscription.
func (i *Integration) Send(ctx context.Context, msg Message) error {
	return i.bus.Publish(ctx, TopicFor(msg), msg)
}

// Start brings the bus up and subscribes the dispatcher, wrapped to
// reconstruct messages first, to every topic in the catalog. Idempotent.
func (i *Integration) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return nil
	}
	if err := i.bus.Start(ctx); err != nil {
		return err
	}

	topics := i.catalog.Topics()
	for _, topic := range topics {
		sub, err := i.bus.Subscribe(ctx, topic, i.group, i.handleRecord)
		if err != nil {
			return err
		}
		i.subs = append(i.subs, sub)
	}

	i.started = true
	i.logger.Info().Msg("finbus: integration started")
	return nil
}

// handleRecord reconstructs the concrete Command/Event from the wire record
// and routes it through the dispatcher. Reconstruction failures surface as
// MalformedMessageError; handler failures are wrapped in HandlerError so the
// consuming loop can log the type tag that failed.
func (i *Integration) handleRecord(ctx context.Context, rec *Record) error {
	msg, err := i.catalog.Reconstruct(*rec)
	if err != nil {
		return err
	}
	if err := i.dispatcher.Dispatch(ctx, msg); err != nil {
		return &HandlerError{Tag: msg.Tag(), Err: err}
	}
	return nil
}

// Stop closes every catalog subscription and stops the bus. Every consuming
// loop has been asked to stop before Stop returns.
func (i *Integration) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started {
		return nil
	}
	i.started = false
	i.subs = nil

	// Bus.Stop closes all registered subscriptions with a bounded grace
	// period, including the ones this integration opened.
	return i.bus.Stop(ctx)
}
