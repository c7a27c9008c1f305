package finbus

import (
	"errors"
	"fmt"
)

var (
	// ErrBusNotRunning is returned when Publish or Subscribe is called
	// before Start or after Stop.
	ErrBusNotRunning = errors.New("finbus: bus is not running")

	// ErrNoTransportConfigured is returned by the builder when neither a
	// transport name nor a transport instance was supplied.
	ErrNoTransportConfigured = errors.New("finbus: no transport configured")

	// ErrInvalidTopic rejects publishes to an empty topic.
	ErrInvalidTopic = errors.New("finbus: topic must not be empty")

	// ErrInvalidSubscription rejects subscriptions with missing arguments.
	ErrInvalidSubscription = errors.New("finbus: invalid subscription arguments")

	// ErrHandlerPanic marks a handler panic converted into an error by the
	// recovery middleware.
	ErrHandlerPanic = errors.New("finbus: handler panic")

	// ErrStopTimeout is returned by Stop when consuming loops did not exit
	// within the grace period.
	ErrStopTimeout = errors.New("finbus: stop grace period exceeded")
)

// UnknownTransportError is returned when a transport name has no registered factory.
type UnknownTransportError struct{ Name string }

func (e UnknownTransportError) Error() string {
	return fmt.Sprintf("finbus: unknown transport: %s", e.Name)
}

// MalformedMessageError reports a wire record that cannot be turned back into
// a Command or Event because a mandatory field is missing or unparseable.
type MalformedMessageError struct {
	Field  string
	Reason string
}

func (e *MalformedMessageError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("finbus: malformed message: missing field %q", e.Field)
	}
	return fmt.Sprintf("finbus: malformed message: field %q: %s", e.Field, e.Reason)
}

// PublishError is surfaced after the bus exhausted its bounded retry budget
// without the backend acknowledging the record.
type PublishError struct {
	Topic     string
	MessageID string
	Attempts  int
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("finbus: publish to %q failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// NoHandlerError is returned by the dispatcher when no handler is registered
// for a message's type tag.
type NoHandlerError struct{ Tag string }

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("finbus: no handler registered for message type %q", e.Tag)
}

// HandlerRejectedError is returned when the registered handler's CanHandle
// predicate refused the message.
type HandlerRejectedError struct{ Tag string }

func (e *HandlerRejectedError) Error() string {
	return fmt.Sprintf("finbus: handler for message type %q rejected the message", e.Tag)
}

// HandlerError wraps a business-logic failure surfaced from a handler on the
// consuming path. Direct Dispatch calls propagate the handler's error
// unchanged; only the bus consume loop sees this wrapper.
type HandlerError struct {
	Tag string
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("finbus: handler for %q failed: %v", e.Tag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
