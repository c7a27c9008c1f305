package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finwire/finbus"
)

// Stream entry field names.
const (
	fieldKey  = "key"
	fieldData = "data" // encoded record bytes, binary-safe
)

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// NewTransport connects to Redis and verifies the connection with a ping.
func NewTransport(cfg Config) (finbus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)

	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
	}, nil
}

// Start verifies broker reachability. Idempotent.
func (t *transport) Start(_ context.Context) error {
	if t.closed.Load() {
		return errors.New("redisstream: transport is closed")
	}
	return ping(t.client)
}

// Publish appends the encoded record to the topic stream with XADD.
func (t *transport) Publish(ctx context.Context, topic, key string, data []byte) error {
	if t.closed.Load() {
		return errors.New("redisstream: transport is closed")
	}

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: map[string]any{
			fieldKey:  key,
			fieldData: data,
		},
	}

	// Approximate trimming keeps the stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}

	t.metrics.published.Add(1)
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe starts one long-lived consuming goroutine reading the topic
// stream through the consumer group.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(finbus.Delivery)) (finbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redisstream: transport is closed")
	}

	// Ensure the consumer group exists (idempotent; BUSYGROUP means another
	// consumer already created it)
	if t.cfg.AutoCreate {
		if err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pollerLoop(innerCtx, topic, group, handler)
	}()

	// Optional pending entry recovery loop
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, topic, group)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop blocks on XREADGROUP and hands entries to the handler one at a
// time, preserving stream order within the subscription.
func (t *transport) pollerLoop(ctx context.Context, topic, group string, handler func(finbus.Delivery)) {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(t.cfg.BatchSize),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout, keep polling
				backoff = 100 * time.Millisecond
				continue
			}

			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = minDur(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				t.metrics.consumed.Add(1)
				handler(&delivery{
					t:     t,
					topic: topic,
					group: group,
					id:    msg.ID,
					key:   asString(msg.Values[fieldKey]),
					data:  asBytes(msg.Values[fieldData]),
				})
			}
		}
	}
}

// claimLoop periodically claims pending entries from dead consumers so
// their records are redelivered here.
func (t *transport) claimLoop(ctx context.Context, topic, group string) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  int64(t.cfg.ClaimBatch),
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		_, _ = t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
	}
}

// Close shuts down the client. Subscriptions must be closed first.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
