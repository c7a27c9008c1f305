package finbus

import (
	"context"
	"sync"
)

// MessageHandler processes one reconstructed message.
type MessageHandler interface {
	// Handle performs the business logic for the message.
	Handle(ctx context.Context, msg Message) error
	// CanHandle lets a handler refuse a message it is registered for, e.g.
	// on a payload shape it does not understand.
	CanHandle(msg Message) bool
}

// MessageHandlerFunc adapts a plain function into a MessageHandler that
// accepts every message of its registered type.
type MessageHandlerFunc func(ctx context.Context, msg Message) error

func (f MessageHandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }
func (f MessageHandlerFunc) CanHandle(Message) bool                        { return true }

// Dispatcher routes a message to the single handler registered for its type
// tag. There is no fan-out here: one tag, one handler, last registration
// wins. Fan-out belongs to the bus's multi-subscriber model.
//
// Registration normally happens during startup wiring, but the registry is
// lock-guarded because consuming loops read it concurrently with any late
// registration.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]MessageHandler)}
}

// Register stores the handler under the type tag, overwriting any prior
// registration. Handlers are never unregistered.
func (d *Dispatcher) Register(tag string, handler MessageHandler) {
	d.mu.Lock()
	d.handlers[tag] = handler
	d.mu.Unlock()
}

// Dispatch routes the message by its type tag. It performs no I/O itself;
// any failure from the handler propagates unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	tag := msg.Tag()

	d.mu.RLock()
	handler, ok := d.handlers[tag]
	d.mu.RUnlock()

	if !ok {
		return &NoHandlerError{Tag: tag}
	}
	if !handler.CanHandle(msg) {
		return &HandlerRejectedError{Tag: tag}
	}
	return handler.Handle(ctx, msg)
}
