package uow

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/finwire/finbus/aggregate"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "uow_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE ledger (id TEXT PRIMARY KEY, amount TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

type capturePublisher struct {
	batches [][]aggregate.ChangeEvent
	err     error
}

func (p *capturePublisher) PublishBatch(_ context.Context, events []aggregate.ChangeEvent) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func TestExecuteCommitsAndPublishes(t *testing.T) {
	db := openTestDB(t)
	pub := &capturePublisher{}
	u := New(db, pub)
	ctx := context.Background()

	err := u.Execute(ctx, func(ctx context.Context, s *Scope) error {
		if _, err := s.Tx().ExecContext(ctx, `INSERT INTO ledger (id, amount) VALUES (?, ?)`, "tx-1", "10.00"); err != nil {
			return err
		}
		s.AddEvent(aggregate.ChangeEvent{
			AggregateID: "tx-1",
			Type:        "transaction_created",
			Data:        map[string]any{"amount": "10.00"},
			OccurredAt:  time.Now().UTC(),
		})
		return nil
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&count))
	assert.Equal(t, 1, count)

	require.Len(t, pub.batches, 1)
	assert.Equal(t, "transaction_created", pub.batches[0][0].Type)
}

func TestExecuteRollsBackAndDiscardsEvents(t *testing.T) {
	db := openTestDB(t)
	pub := &capturePublisher{}
	u := New(db, pub)
	ctx := context.Background()

	boom := errors.New("validation failed")
	err := u.Execute(ctx, func(ctx context.Context, s *Scope) error {
		if _, err := s.Tx().ExecContext(ctx, `INSERT INTO ledger (id, amount) VALUES (?, ?)`, "tx-1", "10.00"); err != nil {
			return err
		}
		s.AddEvent(aggregate.ChangeEvent{AggregateID: "tx-1", Type: "transaction_created"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&count))
	assert.Zero(t, count)
	assert.Empty(t, pub.batches)
}

func TestExecuteCommittedButPublishFailed(t *testing.T) {
	db := openTestDB(t)
	pub := &capturePublisher{err: errors.New("broker down")}
	u := New(db, pub)
	ctx := context.Background()

	err := u.Execute(ctx, func(ctx context.Context, s *Scope) error {
		s.AddEvent(aggregate.ChangeEvent{AggregateID: "tx-1", Type: "transaction_created"})
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committed but publish failed")
}

func TestExecuteNilPublisher(t *testing.T) {
	db := openTestDB(t)
	u := New(db, nil)

	err := u.Execute(context.Background(), func(ctx context.Context, s *Scope) error {
		s.AddEvent(aggregate.ChangeEvent{AggregateID: "tx-1", Type: "transaction_created"})
		return nil
	})
	require.NoError(t, err)
}

func TestAddUncommittedDrainsRoot(t *testing.T) {
	db := openTestDB(t)
	pub := &capturePublisher{}
	u := New(db, pub)

	root := aggregate.NewRoot("budget-1")
	applier := &noopApplier{}
	root.Record(applier, "budget_set", map[string]any{"limit": "500.00"})
	root.Record(applier, "expense_recorded", nil)

	err := u.Execute(context.Background(), func(_ context.Context, s *Scope) error {
		s.AddUncommitted(root)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, pub.batches, 1)
	assert.Len(t, pub.batches[0], 2)
	assert.Empty(t, root.Uncommitted())
	assert.Equal(t, int64(2), root.Version())
}

type noopApplier struct{}

func (noopApplier) Apply(aggregate.ChangeEvent) {}
