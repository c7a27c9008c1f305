package finbus

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// BusEventType enumerates internal lifecycle events for the Observer pattern.
type BusEventType string

const (
	PublishStart BusEventType = "publish_start"
	PublishDone  BusEventType = "publish_done"
	ConsumeStart BusEventType = "consume_start"
	ConsumeDone  BusEventType = "consume_done"
	HandlerFail  BusEventType = "handler_fail"
	BusError     BusEventType = "error"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type      BusEventType
	Topic     string
	Group     string
	MessageID string
	Tag       string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch.
	observers []Observer
}

// Observer receives bus lifecycle events. Implementations should be
// non-blocking; slow observers are isolated by the observer pool.
type Observer interface {
	OnEvent(e BusEvent)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnEvent(e BusEvent) { f(e) }

// LoggingObserver emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	lg := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("tag", e.Tag),
	)
	switch e.Type {
	case HandlerFail, BusError:
		lg.Warn().Err(e.Err).Msg("finbus event")
	default:
		if e.Duration > 0 {
			lg = lg.With(xlog.Dur("duration", e.Duration))
		}
		lg.Debug().Msg("finbus event")
	}
}
