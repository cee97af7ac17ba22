// Package store is the data access layer for sources, source pages,
// chunks, embeddings and raw captures.
//
// Every committed insert or update of a source or page row is published as
// an events.Event after the transaction commits. workflow_status is only
// written through Apply, which runs workflow.Check inside the transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/sourceflow/events"
	"github.com/hazyhaar/sourceflow/workflow"
)

var (
	// ErrNotFound is returned by mutations on a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrStale means the row changed since the caller read it.
	ErrStale = errors.New("store: stale read")
	// ErrPendingDeletion rejects pipeline mutations of a source being removed.
	ErrPendingDeletion = errors.New("store: source is pending deletion")
)

// Store wraps the pipeline database.
type Store struct {
	db           *sql.DB
	pub          events.Publisher
	now          func() time.Time
	onTransition func(from, to workflow.Status)
}

// New creates a Store. A nil publisher discards events.
func New(db *sql.DB, pub events.Publisher) *Store {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Store{db: db, pub: pub, now: time.Now}
}

// OnTransition registers fn to be called after every committed status
// change. It must be set before the store is shared.
func (s *Store) OnTransition(fn func(from, to workflow.Status)) { s.onTransition = fn }

// DB exposes the handle for components sharing the database.
func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

func (s *Store) millis() int64 { return s.now().UnixMilli() }

func (s *Store) emitSource(ctx context.Context, kind events.Kind, src *Source) {
	s.pub.Publish(ctx, events.Event{
		Kind:     kind,
		SourceID: src.ID,
		AgentID:  src.AgentID,
		Status:   string(src.Status),
		Previous: string(src.PreviousStatus),
		Progress: src.Progress,
		At:       s.now(),
	})
}

func (s *Store) emitPage(ctx context.Context, kind events.Kind, p *Page) {
	s.pub.Publish(ctx, events.Event{
		Kind:     kind,
		SourceID: p.ParentSourceID,
		PageID:   p.ID,
		Status:   string(p.Status),
		At:       s.now(),
	})
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}
