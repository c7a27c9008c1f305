package kafka

import (
	"fmt"
	"time"
)

// Config for the Kafka transport.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// Producer
	WriteTimeout time.Duration
	MaxAttempts  int
	BatchTimeout time.Duration

	// Consumer
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// DeadLetterSuffix, when non-empty, routes nacked records to
	// "<topic><suffix>" instead of leaving them committed-and-lost.
	DeadLetterSuffix string
}

// Defaults returns a Config with production-safe defaults. Publishing waits
// for acknowledgment from all in-sync replicas.
func Defaults() Config {
	return Config{
		Brokers:      []string{"127.0.0.1:9092"},
		WriteTimeout: 10 * time.Second,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		MinBytes:     10e3,
		MaxBytes:     10e6,
		MaxWait:      time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: brokers required")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write_timeout must be > 0, got %v", c.WriteTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"brokers":            c.Brokers,
		"write_timeout":      c.WriteTimeout,
		"max_attempts":       c.MaxAttempts,
		"batch_timeout":      c.BatchTimeout,
		"min_bytes":          c.MinBytes,
		"max_bytes":          c.MaxBytes,
		"max_wait":           c.MaxWait,
		"dead_letter_suffix": c.DeadLetterSuffix,
	}
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	switch v := m["brokers"].(type) {
	case []string:
		if len(v) > 0 {
			c.Brokers = v
		}
	case string:
		if v != "" {
			c.Brokers = []string{v}
		}
	}
	if v, ok := m["write_timeout"].(time.Duration); ok && v > 0 {
		c.WriteTimeout = v
	}
	if v, ok := m["max_attempts"].(int); ok && v > 0 {
		c.MaxAttempts = v
	}
	if v, ok := m["batch_timeout"].(time.Duration); ok && v > 0 {
		c.BatchTimeout = v
	}
	if v, ok := m["min_bytes"].(int); ok && v > 0 {
		c.MinBytes = v
	}
	if v, ok := m["max_bytes"].(int); ok && v > 0 {
		c.MaxBytes = v
	}
	if v, ok := m["max_wait"].(time.Duration); ok && v > 0 {
		c.MaxWait = v
	}
	if v, ok := m["dead_letter_suffix"].(string); ok {
		c.DeadLetterSuffix = v
	}

	return c
}
