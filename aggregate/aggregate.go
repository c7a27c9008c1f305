// Package aggregate provides the event-sourced aggregate kernel: a root
// embeddable that records domain changes, tracks a version counter equal to
// the number of applied events, and replays history onto concrete state.
package aggregate

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
)

// ChangeEvent is a domain change produced by an aggregate. It is not a wire
// message; the unit of work converts staged changes into bus events after a
// successful commit.
type ChangeEvent struct {
	AggregateID string
	Type        string
	Data        map[string]any
	OccurredAt  time.Time
}

// Applier mutates concrete aggregate state from a single change event.
// Implementations must be deterministic: replaying the same history must
// always produce the same state.
type Applier interface {
	Apply(ev ChangeEvent)
}

// Root is the embeddable aggregate base. The version counter equals the
// number of events ever applied to this aggregate, committed or not.
type Root struct {
	id          string
	version     int64
	updatedAt   time.Time
	clock       xclock.Clock
	uncommitted []ChangeEvent
}

// NewRoot creates a root with the default clock.
func NewRoot(id string) *Root {
	return NewRootWithClock(id, xclock.Default())
}

// NewRootWithClock creates a root with an explicit clock, for tests that
// need deterministic timestamps.
func NewRootWithClock(id string, clock xclock.Clock) *Root {
	if clock == nil {
		clock = xclock.Default()
	}
	return &Root{id: id, clock: clock}
}

// ID returns the aggregate identity.
func (r *Root) ID() string { return r.id }

// Version returns the number of events applied so far.
func (r *Root) Version() int64 { return r.version }

// UpdatedAt returns the occurrence time of the most recently applied event,
// or the zero time if none have been applied.
func (r *Root) UpdatedAt() time.Time { return r.updatedAt }

// Record applies a new change to the aggregate and stages it as uncommitted.
// The applier sees the event before Record returns, so state and version
// stay in step.
func (r *Root) Record(applier Applier, eventType string, data map[string]any) ChangeEvent {
	ev := ChangeEvent{
		AggregateID: r.id,
		Type:        eventType,
		Data:        data,
		OccurredAt:  r.clock.Now().UTC(),
	}
	applier.Apply(ev)
	r.version++
	r.updatedAt = ev.OccurredAt
	r.uncommitted = append(r.uncommitted, ev)
	return ev
}

// Uncommitted returns a copy of the staged changes awaiting commit.
func (r *Root) Uncommitted() []ChangeEvent {
	out := make([]ChangeEvent, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

// MarkCommitted discards the staged changes after a successful commit.
// The version counter is untouched: it counts applied events, not
// committed ones.
func (r *Root) MarkCommitted() {
	r.uncommitted = nil
}

// LoadFromHistory rebuilds aggregate state by replaying events in order.
// History must be time-ordered (non-decreasing OccurredAt); out-of-order
// history is corrupt and rejected. Any staged changes are discarded, since
// replayed state supersedes whatever was in flight.
func (r *Root) LoadFromHistory(applier Applier, events []ChangeEvent) error {
	for idx := 1; idx < len(events); idx++ {
		if events[idx].OccurredAt.Before(events[idx-1].OccurredAt) {
			return fmt.Errorf("aggregate %s: history out of order at index %d", r.id, idx)
		}
	}
	for _, ev := range events {
		applier.Apply(ev)
	}
	r.version += int64(len(events))
	if n := len(events); n > 0 {
		r.updatedAt = events[n-1].OccurredAt
	}
	r.uncommitted = nil
	return nil
}
