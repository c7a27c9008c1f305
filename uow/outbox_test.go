package uow

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openOutboxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "outbox_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db))
	return db
}

type fakePusher struct {
	pushed []pushedRecord
	err    error
}

type pushedRecord struct {
	topic   string
	key     string
	payload []byte
}

func (p *fakePusher) PublishEncoded(_ context.Context, topic, key string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, pushedRecord{topic: topic, key: key, payload: data})
	return nil
}

func stageOne(t *testing.T, db *sql.DB, topic, key string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, NewOutbox().Stage(ctx, tx, topic, key, payload))
	require.NoError(t, tx.Commit())
}

func countByStatus(t *testing.T, db *sql.DB, status string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM outbox_messages WHERE status = ?`, status).Scan(&n))
	return n
}

func TestStageInvisibleUntilCommit(t *testing.T) {
	db := openOutboxDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, NewOutbox().Stage(ctx, tx, "events.invoice_created", "msg-1", []byte(`{}`)))
	require.NoError(t, tx.Rollback())

	assert.Zero(t, countByStatus(t, db, "pending"))
}

func TestSweepPushesAndMarksSent(t *testing.T) {
	db := openOutboxDB(t)
	stageOne(t, db, "events.invoice_created", "msg-1", []byte(`{"id":"msg-1"}`))
	stageOne(t, db, "events.invoice_created", "msg-2", []byte(`{"id":"msg-2"}`))

	pusher := &fakePusher{}
	relay := NewRelay(db, pusher, RelayConfig{})
	require.NoError(t, relay.Sweep(context.Background()))

	require.Len(t, pusher.pushed, 2)
	// Ordered by insertion
	assert.Equal(t, "msg-1", pusher.pushed[0].key)
	assert.Equal(t, "msg-2", pusher.pushed[1].key)
	assert.Equal(t, 2, countByStatus(t, db, "sent"))
	assert.Zero(t, countByStatus(t, db, "pending"))
}

func TestSweepRetriesFailedRows(t *testing.T) {
	db := openOutboxDB(t)
	stageOne(t, db, "events.invoice_created", "msg-1", []byte(`{}`))

	pusher := &fakePusher{err: errors.New("broker down")}
	relay := NewRelay(db, pusher, RelayConfig{MaxAttempts: 3})

	require.NoError(t, relay.Sweep(context.Background()))
	assert.Equal(t, 1, countByStatus(t, db, "pending"))

	// Broker recovers; the row goes out on the next sweep
	pusher.err = nil
	require.NoError(t, relay.Sweep(context.Background()))
	assert.Equal(t, 1, countByStatus(t, db, "sent"))
	require.Len(t, pusher.pushed, 1)
}

func TestSweepParksRowAfterMaxAttempts(t *testing.T) {
	db := openOutboxDB(t)
	stageOne(t, db, "events.invoice_created", "msg-1", []byte(`{}`))

	pusher := &fakePusher{err: errors.New("broker down")}
	relay := NewRelay(db, pusher, RelayConfig{MaxAttempts: 2})

	require.NoError(t, relay.Sweep(context.Background()))
	require.NoError(t, relay.Sweep(context.Background()))

	assert.Equal(t, 1, countByStatus(t, db, "failed"))
	assert.Zero(t, countByStatus(t, db, "pending"))

	// Parked rows are not retried
	require.NoError(t, relay.Sweep(context.Background()))
	assert.Empty(t, pusher.pushed)
}

func TestRelayStartStop(t *testing.T) {
	db := openOutboxDB(t)
	relay := NewRelay(db, &fakePusher{}, RelayConfig{})

	ctx := context.Background()
	relay.Start(ctx)
	relay.Start(ctx) // idempotent
	relay.Stop()
	relay.Stop() // idempotent
}
