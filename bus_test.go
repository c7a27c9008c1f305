package finbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-package test double with fault injection.
type fakeTransport struct {
	mu         sync.Mutex
	published  []fakePublish
	failNext   int
	failErr    error
	handlers   map[string][]func(Delivery)
	startErr   error
	startCalls int
	closed     bool
}

type fakePublish struct {
	topic string
	key   string
	data  []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(Delivery))}
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeTransport) Publish(_ context.Context, topic, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	f.published = append(f.published, fakePublish{topic: topic, key: key, data: data})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topic, _ string, handler func(Delivery)) (Subscription, error) {
	f.mu.Lock()
	f.handlers[topic] = append(f.handlers[topic], handler)
	f.mu.Unlock()
	return subClose(func() error { return nil }), nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// deliver pushes encoded data through registered topic handlers.
func (f *fakeTransport) deliver(topic string, key string, data []byte) *fakeDelivery {
	d := &fakeDelivery{key: key, data: data}
	f.mu.Lock()
	handlers := f.handlers[topic]
	f.mu.Unlock()
	for _, h := range handlers {
		h(d)
	}
	return d
}

type subClose func() error

func (s subClose) Close() error { return s() }

type fakeDelivery struct {
	key    string
	data   []byte
	acked  bool
	nacked bool
}

func (d *fakeDelivery) Key() string                       { return d.key }
func (d *fakeDelivery) Data() []byte                      { return d.data }
func (d *fakeDelivery) Ack(context.Context) error         { d.acked = true; return nil }
func (d *fakeDelivery) Nack(context.Context, error) error { d.nacked = true; return nil }

func newTestBus(t *testing.T, tr Transport) *Bus {
	t.Helper()
	bus, err := NewBusBuilder().
		WithTransportInstance(tr).
		WithAckWindow(time.Second).
		WithStopGrace(time.Second).
		Build()
	require.NoError(t, err)
	return bus
}

func TestBusPublishBeforeStart(t *testing.T) {
	bus := newTestBus(t, newFakeTransport())

	err := bus.Publish(context.Background(), "commands.create_budget", NewCommand("create_budget", nil))
	assert.ErrorIs(t, err, ErrBusNotRunning)
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := newTestBus(t, newFakeTransport())
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Stop(ctx))

	err := bus.Publish(ctx, "commands.create_budget", NewCommand("create_budget", nil))
	assert.ErrorIs(t, err, ErrBusNotRunning)

	_, err = bus.Subscribe(ctx, "commands.create_budget", "g", func(context.Context, *Record) error { return nil })
	assert.ErrorIs(t, err, ErrBusNotRunning)

	// Start after Stop stays down
	assert.ErrorIs(t, bus.Start(ctx), ErrBusNotRunning)
}

func TestBusStartIdempotent(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	assert.Equal(t, 1, tr.startCalls)
}

func TestBusPublishEmptyTopic(t *testing.T) {
	bus := newTestBus(t, newFakeTransport())
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	err := bus.Publish(ctx, "", NewCommand("create_budget", nil))
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestBusPublishEncodesRecord(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	cmd := NewCommand("create_budget", map[string]any{"user_id": "u-1"})
	require.NoError(t, bus.Publish(ctx, TopicFor(cmd), cmd))

	require.Len(t, tr.published, 1)
	assert.Equal(t, "commands.create_budget", tr.published[0].topic)
	assert.Equal(t, cmd.ID(), tr.published[0].key)

	rec, err := bus.Codec().Unmarshal(tr.published[0].data)
	require.NoError(t, err)
	assert.Equal(t, cmd.Wire(), rec)

	m := bus.GetMetrics()
	assert.Equal(t, uint64(1), m.Published)
}

func TestBusPublishRetriesThenFails(t *testing.T) {
	tr := newFakeTransport()
	tr.failNext = 99
	tr.failErr = errors.New("broker down")

	bus, err := NewBusBuilder().
		WithTransportInstance(tr).
		WithAckWindow(time.Second).
		WithPublishAttempts(3).
		Build()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	cmd := NewCommand("create_budget", nil)
	err = bus.Publish(ctx, TopicFor(cmd), cmd)

	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.ErrorIs(t, err, tr.failErr)

	// Exactly 3 attempts consumed from the fault budget
	assert.Equal(t, 99-3, tr.failNext)
}

func TestBusPublishRecoversWithinBudget(t *testing.T) {
	tr := newFakeTransport()
	tr.failNext = 2
	tr.failErr = errors.New("transient")

	bus, err := NewBusBuilder().
		WithTransportInstance(tr).
		WithPublishAttempts(3).
		Build()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	cmd := NewCommand("create_budget", nil)
	require.NoError(t, bus.Publish(ctx, TopicFor(cmd), cmd))
	assert.Len(t, tr.published, 1)
}

func TestBusConsumeAcksOnSuccess(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	var got *Record
	_, err := bus.Subscribe(ctx, "commands.create_budget", "g", func(_ context.Context, rec *Record) error {
		got = rec
		return nil
	})
	require.NoError(t, err)

	cmd := NewCommand("create_budget", map[string]any{"user_id": "u-1"})
	data, err := bus.Codec().Marshal(cmd.Wire())
	require.NoError(t, err)

	d := tr.deliver("commands.create_budget", cmd.ID(), data)

	require.NotNil(t, got)
	assert.Equal(t, cmd.Wire(), *got)
	assert.True(t, d.acked)
	assert.False(t, d.nacked)
}

func TestBusConsumeNacksOnHandlerError(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	_, err := bus.Subscribe(ctx, "commands.create_budget", "g", func(context.Context, *Record) error {
		return errors.New("business failure")
	})
	require.NoError(t, err)

	cmd := NewCommand("create_budget", nil)
	data, err := bus.Codec().Marshal(cmd.Wire())
	require.NoError(t, err)

	d := tr.deliver("commands.create_budget", cmd.ID(), data)

	// Failed records go through Nack so backends can dead-letter them, but
	// they still count as delivered.
	assert.True(t, d.nacked)
	assert.Equal(t, uint64(1), bus.GetMetrics().HandlerFailures)
}

func TestBusConsumeSurvivesPanic(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	_, err := bus.Subscribe(ctx, "commands.create_budget", "g", func(context.Context, *Record) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	cmd := NewCommand("create_budget", nil)
	data, err := bus.Codec().Marshal(cmd.Wire())
	require.NoError(t, err)

	var d *fakeDelivery
	require.NotPanics(t, func() {
		d = tr.deliver("commands.create_budget", cmd.ID(), data)
	})
	assert.True(t, d.nacked)
}

func TestBusConsumeDropsUndecodable(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	called := false
	_, err := bus.Subscribe(ctx, "commands.create_budget", "g", func(context.Context, *Record) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	tr.deliver("commands.create_budget", "k", []byte("{garbage"))

	assert.False(t, called)
	assert.Equal(t, uint64(1), bus.GetMetrics().DecodeFailures)
}

func TestBusStopIdempotentAndClosesTransport(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
	assert.True(t, tr.closed)
}

func TestBusSubscribeValidation(t *testing.T) {
	bus := newTestBus(t, newFakeTransport())
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	_, err := bus.Subscribe(ctx, "", "g", func(context.Context, *Record) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = bus.Subscribe(ctx, "t", "", func(context.Context, *Record) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = bus.Subscribe(ctx, "t", "g", nil)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestPublishEncodedBypassesCodec(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(t, tr)
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	raw := []byte(`{"id":"msg-1"}`)
	require.NoError(t, bus.PublishEncoded(ctx, "events.invoice_created", "msg-1", raw))

	require.Len(t, tr.published, 1)
	assert.Equal(t, raw, tr.published[0].data)
}
