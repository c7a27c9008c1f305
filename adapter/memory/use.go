package memory

import "github.com/finwire/finbus"

// Use builds a Bus over the in-process transport. The caller owns the
// returned bus; nothing is installed globally.
func Use(cfg Config, opts ...func(*finbus.BusBuilder)) (*finbus.Bus, error) {
	bb := finbus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	return bb.Build()
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"capture_unrouted": c.CaptureUnrouted,
	}
}
