package finbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Default publish guarantees: the backend must acknowledge durability within
// the ack window; the bus retries a small fixed number of times before
// surfacing a PublishError.
const (
	DefaultAckWindow       = 10 * time.Second
	DefaultPublishAttempts = 3
	DefaultStopGrace       = 5 * time.Second
)

// Bus is the central Facade handling publish/subscribe against a Transport.
//
// Lifecycle: Start before any traffic, Stop exactly once at shutdown; both
// are idempotent. Publish and Subscribe outside the running window fail with
// ErrBusNotRunning. Stop signals every consuming loop and waits a bounded
// grace period for them to exit.
//
// Delivery contract: at-least-once with best-effort handling. A handler
// error on the consuming path is logged and the record still counts as
// delivered, so one poisoned record cannot stall a topic. Handlers must be
// idempotent.
type Bus struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackWindow    time.Duration
	attempts     int
	stopGrace    time.Duration
	observerPool *ObserverPool

	observersMu sync.RWMutex
	observers   []Observer

	subsMu sync.Mutex
	subs   []Subscription

	started atomic.Bool
	stopped atomic.Bool
	metrics *busMetrics

	stopOnce sync.Once
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	publishCount    atomic.Uint64
	publishFailures atomic.Uint64
	consumeCount    atomic.Uint64
	handlerFailures atomic.Uint64
	decodeFailures  atomic.Uint64
	processingNs    atomic.Int64
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published           uint64
	PublishFailures     uint64
	Consumed            uint64
	HandlerFailures     uint64
	DecodeFailures      uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// Codec returns the configured codec.
func (b *Bus) Codec() Codec { return b.codec }

func (b *Bus) running() bool {
	return b.started.Load() && !b.stopped.Load()
}

// Start brings the transport up. Idempotent; Start on a stopped bus fails
// with ErrBusNotRunning.
func (b *Bus) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return ErrBusNotRunning
	}
	if b.started.Swap(true) {
		return nil
	}
	if err := b.transport.Start(ctx); err != nil {
		b.started.Store(false)
		return err
	}
	b.logger.With(xlog.Str("codec", b.codec.Name())).Info().Msg("finbus: bus started")
	return nil
}

// Publish encodes the message's wire record and hands it to the backend
// keyed by message id. It blocks until the backend acknowledges or the ack
// window elapses, retrying a bounded number of times before returning a
// PublishError.
func (b *Bus) Publish(ctx context.Context, topic string, msg Message) error {
	if !b.running() {
		return ErrBusNotRunning
	}
	if topic == "" {
		return ErrInvalidTopic
	}

	rec := msg.Wire()
	data, err := b.codec.Marshal(rec)
	if err != nil {
		b.metrics.publishFailures.Add(1)
		return err
	}

	b.notifyAsync(BusEvent{Type: PublishStart, Topic: topic, MessageID: rec.ID, Tag: rec.Type})
	start := b.clock.Now()

	var lastErr error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, b.ackWindow)
		lastErr = b.transport.Publish(actx, topic, rec.ID, data)
		cancel()
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		b.logger.With(
			xlog.Str("topic", topic),
			xlog.Str("message_id", rec.ID),
		).Warn().Err(lastErr).Msg("finbus: publish attempt failed")
	}

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(BusEvent{
		Type:      PublishDone,
		Topic:     topic,
		MessageID: rec.ID,
		Tag:       rec.Type,
		Duration:  duration,
		Err:       lastErr,
	})

	if lastErr != nil {
		b.metrics.publishFailures.Add(1)
		return &PublishError{Topic: topic, MessageID: rec.ID, Attempts: b.attempts, Err: lastErr}
	}
	b.metrics.publishCount.Add(1)
	return nil
}

// PublishEncoded hands an already-encoded wire record to the backend with
// the same lifecycle, retry, and failure semantics as Publish. Used by the
// outbox relay, which stores records in encoded form.
func (b *Bus) PublishEncoded(ctx context.Context, topic, key string, data []byte) error {
	if !b.running() {
		return ErrBusNotRunning
	}
	if topic == "" {
		return ErrInvalidTopic
	}

	var lastErr error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, b.ackWindow)
		lastErr = b.transport.Publish(actx, topic, key, data)
		cancel()
		if lastErr == nil {
			b.metrics.publishCount.Add(1)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	b.metrics.publishFailures.Add(1)
	return &PublishError{Topic: topic, MessageID: key, Attempts: b.attempts, Err: lastErr}
}

// Subscribe registers a handler under a consumer group for a topic. The
// handler receives the decoded wire record; it is wrapped with configured
// middlewares and protected by panic recovery. Subscribing to the same topic
// more than once adds another independent consuming loop; handlers are never
// replaced or unregistered.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if !b.running() {
		return nil, ErrBusNotRunning
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	// Panic recovery first so a crashing handler cannot take down the loop.
	wh := Chain(RecoveryMiddleware()(handler), b.middlewares...)

	hctx := injectCodec(ctx, b.codec)
	hctx = injectLogger(hctx, b.logger)
	hctx = injectClock(hctx, b.clock)

	sub, err := b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		b.consume(hctx, topic, group, wh, d)
	})
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return sub, nil
}

// consume runs one delivery through the handler chain.
//
// The record is acknowledged whether or not the handler succeeded: failures
// are logged and dead-lettered where the backend supports it, never
// redelivered in a loop. This favors topic availability over per-record
// guaranteed processing.
func (b *Bus) consume(ctx context.Context, topic, group string, wh Handler, d Delivery) {
	b.metrics.consumeCount.Add(1)

	rec, err := b.codec.Unmarshal(d.Data())
	if err != nil {
		b.metrics.decodeFailures.Add(1)
		b.logger.With(
			xlog.Str("topic", topic),
			xlog.Str("key", d.Key()),
		).Warn().Err(err).Msg("finbus: dropping undecodable record")
		b.notifyAsync(BusEvent{Type: BusError, Topic: topic, Group: group, Err: err})
		b.finish(ctx, d, err)
		return
	}

	b.notifyAsync(BusEvent{Type: ConsumeStart, Topic: topic, Group: group, MessageID: rec.ID, Tag: rec.Type})
	start := b.clock.Now()

	herr := wh(ctx, &rec)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(BusEvent{
		Type:      ConsumeDone,
		Topic:     topic,
		Group:     group,
		MessageID: rec.ID,
		Tag:       rec.Type,
		Duration:  duration,
		Err:       herr,
	})

	if herr != nil {
		b.metrics.handlerFailures.Add(1)
		b.logger.With(
			xlog.Str("topic", topic),
			xlog.Str("message_id", rec.ID),
			xlog.Str("tag", rec.Type),
		).Warn().Err(herr).Msg("finbus: handler failed, record still counts as delivered")
		b.notifyAsync(BusEvent{Type: HandlerFail, Topic: topic, Group: group, MessageID: rec.ID, Tag: rec.Type, Err: herr})
	}
	b.finish(ctx, d, herr)
}

// finish acknowledges the delivery, routing failures through Nack so
// backends with a dead letter configured can capture them.
func (b *Bus) finish(ctx context.Context, d Delivery, herr error) {
	actx, cancel := context.WithTimeout(ctx, b.ackWindow)
	defer cancel()

	var err error
	if herr == nil {
		err = d.Ack(actx)
	} else {
		err = d.Nack(actx, herr)
	}
	if err != nil {
		b.notifyAsync(BusEvent{Type: BusError, Err: err})
		b.logger.Warn().Err(err).Msg("finbus: delivery acknowledgment failed")
	}
}

// Stop closes all consuming loops, drains the observer pool, and closes the
// transport. Idempotent; waits a bounded grace period for loops to exit.
func (b *Bus) Stop(ctx context.Context) error {
	var stopErr error

	b.stopOnce.Do(func() {
		b.stopped.Store(true)

		b.subsMu.Lock()
		subs := b.subs
		b.subs = nil
		b.subsMu.Unlock()

		done := make(chan struct{})
		go func() {
			for _, s := range subs {
				if err := s.Close(); err != nil {
					b.logger.Warn().Err(err).Msg("finbus: subscription close failed")
				}
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(b.stopGrace):
			stopErr = ErrStopTimeout
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(b.stopGrace); err != nil {
				b.logger.Warn().Err(err).Msg("finbus: observer pool shutdown timeout")
				if stopErr == nil {
					stopErr = err
				}
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("finbus: transport close failed")
			if stopErr == nil {
				stopErr = err
			}
		}
		b.logger.Info().Msg("finbus: bus stopped")
	})

	return stopErr
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		PublishFailures:     b.metrics.publishFailures.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		HandlerFailures:     b.metrics.handlerFailures.Load(),
		DecodeFailures:      b.metrics.decodeFailures.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes a previously registered observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events without blocking the hot path.
func (b *Bus) notifyAsync(e BusEvent) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
