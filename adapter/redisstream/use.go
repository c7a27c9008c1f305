package redisstream

import (
	"fmt"

	"github.com/finwire/finbus"
)

const TransportName = "redis-streams"

func init() {
	if err := finbus.RegisterTransport(TransportName, func(cfg map[string]any) (finbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("finbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus over Redis Streams. The caller owns the returned bus;
// nothing is installed globally.
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
