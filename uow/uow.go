// Package uow provides a transactional unit of work over database/sql:
// domain changes staged during a transaction are published to the bus only
// after the transaction commits; a rollback discards them.
package uow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/finwire/finbus"
	"github.com/finwire/finbus/aggregate"
)

// Publisher receives the staged changes of a committed transaction.
type Publisher interface {
	PublishBatch(ctx context.Context, events []aggregate.ChangeEvent) error
}

// Scope is the per-transaction workspace handed to the Execute callback.
type Scope struct {
	tx     *sql.Tx
	events []aggregate.ChangeEvent
}

// Tx exposes the transaction for repository work.
func (s *Scope) Tx() *sql.Tx { return s.tx }

// AddEvent stages a change for post-commit publication.
func (s *Scope) AddEvent(ev aggregate.ChangeEvent) {
	s.events = append(s.events, ev)
}

// AddUncommitted stages every uncommitted change of an aggregate root and
// marks them committed on the root. Call it after repository writes succeed.
func (s *Scope) AddUncommitted(root *aggregate.Root) {
	s.events = append(s.events, root.Uncommitted()...)
	root.MarkCommitted()
}

// UnitOfWork runs callbacks inside a database transaction and publishes the
// staged changes after commit.
type UnitOfWork struct {
	db        *sql.DB
	publisher Publisher
	logger    *xlog.Logger
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger overrides the unit of work's logger.
func WithLogger(l *xlog.Logger) Option {
	return func(u *UnitOfWork) {
		if l != nil {
			u.logger = l
		}
	}
}

// New creates a unit of work over db. publisher may be nil, in which case
// committed changes are simply dropped (useful for migrations and tests).
func New(db *sql.DB, publisher Publisher, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		db:        db,
		publisher: publisher,
		logger:    xlog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Execute begins a transaction, runs fn, and commits. If fn returns an
// error, the transaction rolls back and no events are published. Events
// staged on the scope are published only after a successful commit; a
// publish failure at that point is reported but cannot undo the commit.
func (u *UnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("uow: begin: %w", err)
	}

	scope := &Scope{tx: tx}
	if err := fn(ctx, scope); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			u.logger.Error().Err(rbErr).Msg("uow: rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("uow: commit: %w", err)
	}

	if u.publisher == nil || len(scope.events) == 0 {
		return nil
	}
	if err := u.publisher.PublishBatch(ctx, scope.events); err != nil {
		// The database state is already durable here. Callers that need
		// atomicity between state and messaging should stage through the
		// outbox instead of publishing directly.
		return fmt.Errorf("uow: committed but publish failed: %w", err)
	}
	return nil
}

// EventBusPublisher converts committed domain changes into bus events and
// publishes each to its derived topic.
type EventBusPublisher struct {
	bus *finbus.Bus
}

// NewEventBusPublisher creates a publisher backed by bus.
func NewEventBusPublisher(bus *finbus.Bus) *EventBusPublisher {
	return &EventBusPublisher{bus: bus}
}

// PublishBatch publishes the changes in order, stopping at the first
// failure.
func (p *EventBusPublisher) PublishBatch(ctx context.Context, events []aggregate.ChangeEvent) error {
	for _, ch := range events {
		ev := finbus.NewEventAt(ch.Type, ch.Data, "", ch.OccurredAt)
		ev.SetMetadata("aggregate_id", ch.AggregateID)
		if err := p.bus.Publish(ctx, finbus.TopicFor(ev), ev); err != nil {
			return err
		}
	}
	return nil
}
