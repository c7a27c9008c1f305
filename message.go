package finbus

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the closed enumeration of message categories the bus carries.
// Routing decisions (topic prefixes, wire reconstruction) key off Kind plus
// the type tag, never off runtime type names.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
)

// String returns the topic-prefix form of the kind.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "commands"
	case KindEvent:
		return "events"
	default:
		return "messages"
	}
}

// Record is the wire representation of a message. It is fully
// self-describing: two processes that agree on nothing but this record and
// the topic naming convention can exchange messages.
//
// Timestamp is kept as its RFC 3339 string so that Wire/FromRecord round
// trips are bit-exact; parsing happens only on reconstruction.
type Record struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	Type      string            `json:"type"`
	Payload   map[string]any    `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is the envelope contract shared by Command and Event. Messages are
// immutable once constructed except for metadata additions.
type Message interface {
	// ID returns the opaque unique message identifier.
	ID() string
	// OccurredAt returns the origination time in UTC.
	OccurredAt() time.Time
	// Kind reports whether this is a command or an event.
	Kind() Kind
	// Tag returns the type tag, e.g. "create_transaction".
	Tag() string
	// Payload returns the flat key/value payload.
	Payload() map[string]any
	// Metadata returns the mutable metadata sidecar.
	Metadata() map[string]string
	// SetMetadata adds or overwrites one metadata entry.
	SetMetadata(key, value string)
	// Wire produces the self-describing wire record.
	Wire() Record
}

// timestampLayout preserves nanosecond precision across the wire.
const timestampLayout = time.RFC3339Nano

// envelope carries the fields common to commands and events.
type envelope struct {
	id         string
	occurredAt time.Time
	metadata   map[string]string
}

func newEnvelope(id string, at time.Time) envelope {
	if id == "" {
		id = uuid.New().String()
	}
	if at.IsZero() {
		at = time.Now()
	}
	return envelope{
		id:         id,
		occurredAt: at.UTC(),
		metadata:   make(map[string]string),
	}
}

func (e *envelope) ID() string                  { return e.id }
func (e *envelope) OccurredAt() time.Time       { return e.occurredAt }
func (e *envelope) Metadata() map[string]string { return e.metadata }

func (e *envelope) SetMetadata(key, value string) {
	e.metadata[key] = value
}

func (e *envelope) wireMetadata() map[string]string {
	if len(e.metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Command expresses an intent to change state, addressed to exactly one
// logical handler.
type Command struct {
	envelope
	tag     string
	payload map[string]any
}

// NewCommand constructs a command with a generated id and the current time.
func NewCommand(tag string, payload map[string]any) *Command {
	return NewCommandAt(tag, payload, "", time.Time{})
}

// NewCommandAt constructs a command with explicit identity and origination
// time; empty values are generated. Used by wire reconstruction and tests.
func NewCommandAt(tag string, payload map[string]any, id string, at time.Time) *Command {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Command{
		envelope: newEnvelope(id, at),
		tag:      tag,
		payload:  payload,
	}
}

func (c *Command) Kind() Kind              { return KindCommand }
func (c *Command) Tag() string             { return c.tag }
func (c *Command) Payload() map[string]any { return c.payload }

// Wire implements Message.
func (c *Command) Wire() Record {
	return Record{
		ID:        c.id,
		Timestamp: c.occurredAt.Format(timestampLayout),
		Type:      c.tag,
		Payload:   c.payload,
		Metadata:  c.wireMetadata(),
	}
}

// Event expresses a fact that already happened, potentially consumed by many
// subscribers.
type Event struct {
	envelope
	tag     string
	payload map[string]any
}

// NewEvent constructs an event with a generated id and the current time.
func NewEvent(tag string, payload map[string]any) *Event {
	return NewEventAt(tag, payload, "", time.Time{})
}

// NewEventAt constructs an event with explicit identity and origination time.
func NewEventAt(tag string, payload map[string]any, id string, at time.Time) *Event {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Event{
		envelope: newEnvelope(id, at),
		tag:      tag,
		payload:  payload,
	}
}

func (e *Event) Kind() Kind              { return KindEvent }
func (e *Event) Tag() string             { return e.tag }
func (e *Event) Payload() map[string]any { return e.payload }

// Wire implements Message.
func (e *Event) Wire() Record {
	return Record{
		ID:        e.id,
		Timestamp: e.occurredAt.Format(timestampLayout),
		Type:      e.tag,
		Payload:   e.payload,
		Metadata:  e.wireMetadata(),
	}
}

// validateRecord checks the mandatory wire fields and parses the timestamp.
func validateRecord(rec Record) (time.Time, error) {
	if rec.ID == "" {
		return time.Time{}, &MalformedMessageError{Field: "id"}
	}
	if rec.Timestamp == "" {
		return time.Time{}, &MalformedMessageError{Field: "timestamp"}
	}
	if rec.Type == "" {
		return time.Time{}, &MalformedMessageError{Field: "type"}
	}
	if rec.Payload == nil {
		return time.Time{}, &MalformedMessageError{Field: "payload"}
	}
	at, err := time.Parse(timestampLayout, rec.Timestamp)
	if err != nil {
		return time.Time{}, &MalformedMessageError{Field: "timestamp", Reason: err.Error()}
	}
	return at, nil
}

func restoreMetadata(e *envelope, meta map[string]string) {
	for k, v := range meta {
		e.metadata[k] = v
	}
}

// CommandFromRecord reconstructs a Command from its wire record.
// Wire(CommandFromRecord(x)) == x for every valid record x.
func CommandFromRecord(rec Record) (*Command, error) {
	at, err := validateRecord(rec)
	if err != nil {
		return nil, err
	}
	cmd := NewCommandAt(rec.Type, rec.Payload, rec.ID, at)
	restoreMetadata(&cmd.envelope, rec.Metadata)
	return cmd, nil
}

// EventFromRecord reconstructs an Event from its wire record.
func EventFromRecord(rec Record) (*Event, error) {
	at, err := validateRecord(rec)
	if err != nil {
		return nil, err
	}
	ev := NewEventAt(rec.Type, rec.Payload, rec.ID, at)
	restoreMetadata(&ev.envelope, rec.Metadata)
	return ev, nil
}

// FromRecord reconstructs the concrete message for a known kind. This is the
// factory the integration layer uses once the catalog resolved the type tag;
// it never guesses from record contents.
func FromRecord(kind Kind, rec Record) (Message, error) {
	switch kind {
	case KindCommand:
		return CommandFromRecord(rec)
	case KindEvent:
		return EventFromRecord(rec)
	default:
		return nil, &MalformedMessageError{Field: "type", Reason: "unknown message kind"}
	}
}
