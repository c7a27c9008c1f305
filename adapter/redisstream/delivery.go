package redisstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// delivery implements finbus.Delivery for Redis Streams.
type delivery struct {
	t     *transport
	topic string
	group string
	id    string
	key   string
	data  []byte

	onceAck sync.Once
}

func (d *delivery) Key() string  { return d.key }
func (d *delivery) Data() []byte { return d.data }

// Ack acknowledges the stream entry with XACK.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err()
		if err == nil {
			d.t.metrics.acked.Add(1)
			if d.t.cfg.AutoDeleteOnAck {
				_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
			}
		}
	})
	return err
}

// Nack handles a failed record. Redis Streams has no explicit NACK; if a
// dead-letter stream is configured the record is copied there and the
// original acknowledged so it cannot loop forever. With no dead-letter the
// entry stays pending for consumer group redelivery.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)

	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}

	err := d.t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dl,
		ID:     "*",
		Values: map[string]any{
			"orig_topic": d.topic,
			"orig_id":    d.id,
			"error":      fmt.Sprintf("%v", reason),
			fieldKey:     d.key,
			fieldData:    d.data,
		},
	}).Err()
	if err != nil {
		return err
	}
	return d.Ack(ctx)
}
