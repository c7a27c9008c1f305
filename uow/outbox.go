package uow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// outboxSchema holds encoded bus records staged inside the business
// transaction, so that state change and message intent commit atomically.
const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    topic       TEXT    NOT NULL,
    key         TEXT    NOT NULL,
    payload     BLOB    NOT NULL,
    status      TEXT    NOT NULL DEFAULT 'pending',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT,
    created_at  TEXT    NOT NULL,
    sent_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_messages(status, id);
`

// EnsureSchema creates the outbox table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, outboxSchema); err != nil {
		return fmt.Errorf("uow: outbox schema: %w", err)
	}
	return nil
}

// Outbox stages encoded records inside a transaction.
type Outbox struct {
	clock xclock.Clock
}

// NewOutbox creates an outbox stager.
func NewOutbox() *Outbox {
	return &Outbox{clock: xclock.Default()}
}

// Stage inserts an encoded record into the outbox within tx. It becomes
// visible to the relay only when the transaction commits.
func (o *Outbox) Stage(ctx context.Context, tx *sql.Tx, topic, key string, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_messages (topic, key, payload, status, created_at) VALUES (?, ?, ?, 'pending', ?)`,
		topic, key, payload, o.clock.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("uow: outbox stage: %w", err)
	}
	return nil
}

// Pusher moves an encoded record to the wire. *finbus.Bus satisfies it
// through PublishEncoded.
type Pusher interface {
	PublishEncoded(ctx context.Context, topic, key string, data []byte) error
}

// RelayConfig tunes the outbox relay loop.
type RelayConfig struct {
	BatchSize   int           // rows per sweep (default 100)
	Interval    time.Duration // sweep period (default 1s)
	MaxAttempts int           // attempts before a row is parked as failed (default 5)
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Relay sweeps pending outbox rows to the bus in the background. Rows that
// exhaust their attempts are parked with status 'failed' for operator
// inspection rather than retried forever.
type Relay struct {
	db     *sql.DB
	pusher Pusher
	cfg    RelayConfig
	clock  xclock.Clock
	logger *xlog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRelay creates a relay over db that hands rows to pusher.
func NewRelay(db *sql.DB, pusher Pusher, cfg RelayConfig) *Relay {
	return &Relay{
		db:     db,
		pusher: pusher,
		cfg:    cfg.withDefaults(),
		clock:  xclock.Default(),
		logger: xlog.Default(),
	}
}

// Start launches the sweep loop. Idempotent.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(loopCtx)
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	r.cancel()
	<-r.done
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("finbus: outbox sweep failed")
			}
		}
	}
}

type outboxRow struct {
	id       int64
	topic    string
	key      string
	payload  []byte
	attempts int
}

// Sweep pushes one batch of pending rows. Exported so callers can flush the
// outbox synchronously, e.g. at shutdown or in tests.
func (r *Relay) Sweep(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic, key, payload, attempts FROM outbox_messages WHERE status = 'pending' ORDER BY id LIMIT ?`,
		r.cfg.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("uow: outbox query: %w", err)
	}

	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.topic, &row.key, &row.payload, &row.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("uow: outbox scan: %w", err)
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("uow: outbox rows: %w", err)
	}
	rows.Close()

	for _, row := range batch {
		if err := r.pusher.PublishEncoded(ctx, row.topic, row.key, row.payload); err != nil {
			r.markFailure(ctx, row, err)
			continue
		}
		r.markSent(ctx, row)
	}
	return nil
}

func (r *Relay) markSent(ctx context.Context, row outboxRow) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', sent_at = ? WHERE id = ?`,
		r.clock.Now().UTC().Format(time.RFC3339Nano), row.id,
	)
	if err != nil {
		r.logger.Warn().Err(err).Msg("finbus: outbox mark sent failed")
	}
}

func (r *Relay) markFailure(ctx context.Context, row outboxRow, pushErr error) {
	status := "pending"
	if row.attempts+1 >= r.cfg.MaxAttempts {
		status = "failed"
		r.logger.With(xlog.Str("topic", row.topic)).Error().Err(pushErr).Msg("finbus: outbox row parked after max attempts")
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET attempts = attempts + 1, last_error = ?, status = ? WHERE id = ?`,
		pushErr.Error(), status, row.id,
	)
	if err != nil {
		r.logger.Warn().Err(err).Msg("finbus: outbox mark failure failed")
	}
}
