package finbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Codec is the Strategy for encoding/decoding wire records on the transport.
type Codec interface {
	Marshal(rec Record) ([]byte, error)
	Unmarshal(data []byte) (Record, error)
	Name() string
}

// JSONCodec is the default implementation. JSON is the one cross-language
// wire format the core commits to.
type JSONCodec struct{}

func (JSONCodec) Marshal(rec Record) ([]byte, error) { return json.Marshal(rec) }

func (JSONCodec) Unmarshal(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, &MalformedMessageError{Field: "record", Reason: err.Error()}
	}
	return rec, nil
}

func (JSONCodec) Name() string { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("finbus: codec name must not be empty")
	}
	if factory == nil {
		return errors.New("finbus: codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("finbus: codec %q not registered", name)
	}
	return f(), nil
}
