package finbus

import (
	"sort"
	"strings"
	"sync"
)

// Topic derives the bus topic for a message category and type tag:
// "<category>.<lowercased tag>". Producers and consumers agree on this
// convention without a shared registry at runtime.
func Topic(kind Kind, tag string) string {
	return kind.String() + "." + strings.ToLower(tag)
}

// TopicFor derives the topic a message publishes to.
func TopicFor(msg Message) string {
	return Topic(msg.Kind(), msg.Tag())
}

// Catalog is the closed enumeration of message types a process knows about.
// It binds each type tag to its kind so wire records can be reconstructed by
// factory rather than by blind deserialization, and it yields the full topic
// list the integration layer subscribes to.
//
// Registration is expected during startup wiring; the catalog is still safe
// for concurrent reads by consuming loops.
type Catalog struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{kinds: make(map[string]Kind)}
}

// Register binds a type tag to a kind. Re-registering a tag overwrites the
// previous binding.
func (c *Catalog) Register(tag string, kind Kind) {
	c.mu.Lock()
	c.kinds[tag] = kind
	c.mu.Unlock()
}

// KindOf resolves the kind for a type tag.
func (c *Catalog) KindOf(tag string) (Kind, bool) {
	c.mu.RLock()
	k, ok := c.kinds[tag]
	c.mu.RUnlock()
	return k, ok
}

// Topics returns the derived topic name for every registered tag, sorted for
// deterministic subscription order.
func (c *Catalog) Topics() []string {
	c.mu.RLock()
	topics := make([]string, 0, len(c.kinds))
	for tag, kind := range c.kinds {
		topics = append(topics, Topic(kind, tag))
	}
	c.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

// Reconstruct turns a wire record back into its concrete message using the
// catalog binding for the record's type tag.
func (c *Catalog) Reconstruct(rec Record) (Message, error) {
	kind, ok := c.KindOf(rec.Type)
	if !ok {
		return nil, &MalformedMessageError{Field: "type", Reason: "type tag not in catalog: " + rec.Type}
	}
	return FromRecord(kind, rec)
}
