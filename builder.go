package finbus

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern). There is no
// process-wide default bus: callers build one at startup and pass it to
// whatever needs it.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	ackWindow time.Duration
	attempts  int
	stopGrace time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with production defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName: "json",
		ackWindow: DefaultAckWindow,
		attempts:  DefaultPublishAttempts,
		stopGrace: DefaultStopGrace,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from an
// adapter constructor).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithAckWindow bounds how long one publish attempt waits for backend
// acknowledgment.
func (bb *BusBuilder) WithAckWindow(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackWindow = d
	}
	return bb
}

// WithPublishAttempts bounds the publish retry budget (total attempts,
// including the first).
func (bb *BusBuilder) WithPublishAttempts(n int) *BusBuilder {
	if n > 0 {
		bb.attempts = n
	}
	return bb
}

// WithStopGrace bounds how long Stop waits for consuming loops to exit.
func (bb *BusBuilder) WithStopGrace(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.stopGrace = d
	}
	return bb
}

// WithObserverPool configures the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		transport:    tr,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		ackWindow:    bb.ackWindow,
		attempts:     bb.attempts,
		stopGrace:    bb.stopGrace,
		observerPool: NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
		metrics:      &busMetrics{},
	}

	// Attach the logging observer first unless one was supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a stop func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	stop := func() error { return bus.Stop(context.Background()) }
	return bus, stop, nil
}
