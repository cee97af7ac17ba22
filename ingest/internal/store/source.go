package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/events"
	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/workflow"
)

const sourceColumns = `id, agent_id, owner_id, type, name, url, workflow_status, previous_status,
	content, original_bytes, compressed_bytes, progress, pending_deletion, metadata,
	created_at, updated_at`

// InsertSource adds src in state CREATED.
func (s *Store) InsertSource(ctx context.Context, src *Source) error {
	if !src.Type.Valid() {
		return faults.Validation("type", "unknown source type %q", src.Type)
	}
	now := s.millis()
	src.Status, src.PreviousStatus = workflow.Created, ""
	src.CreatedAt, src.UpdatedAt = now, now
	meta, err := json.Marshal(src.Metadata)
	if err != nil {
		return fmt.Errorf("store: metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.AgentID, src.OwnerID, src.Type, src.Name, src.URL,
		src.Status, src.PreviousStatus, src.Content, src.OriginalBytes, src.CompressedBytes,
		src.Progress, src.PendingDeletion, string(meta), src.CreatedAt, src.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return faults.Conflict("source", "website already registered for this agent")
		}
		return fmt.Errorf("store: insert source: %w", err)
	}
	s.emitSource(ctx, events.SourceInserted, src)
	return nil
}

// GetSource returns the source or nil when it does not exist.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	return getSource(ctx, s.db, id)
}

func getSource(ctx context.Context, q querier, id string) (*Source, error) {
	src, err := scanSource(q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

// FindWebsite returns the live website source of agentID rooted at url.
func (s *Store) FindWebsite(ctx context.Context, agentID, url string) (*Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources
		WHERE agent_id = ? AND url = ? AND type = 'website' AND workflow_status != 'REMOVED'`,
		agentID, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

// Filter narrows ListSources. Zero fields match everything.
type Filter struct {
	AgentID  string
	Statuses []workflow.Status
	Type     Kind
}

// ListSources returns matching sources, oldest first.
func (s *Store) ListSources(ctx context.Context, f Filter) ([]*Source, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "workflow_status IN (?"+strings.Repeat(",?", len(f.Statuses)-1)+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	q := `SELECT ` + sourceColumns + ` FROM sources`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Change describes one source mutation applied by Apply.
type Change struct {
	// To, when set, is the new workflow status, gated by workflow.Check.
	To      workflow.Status
	Trigger workflow.Trigger
	// Expect, when set, makes Apply fail with ErrStale unless the stored
	// status still equals it.
	Expect   workflow.Status
	Progress *int
	Metadata func(*Metadata)
	// Content replaces the stored content when non-nil.
	Content *string
	// MarkDeletion sets pending_deletion.
	MarkDeletion bool
}

// Progress is a helper for Change.Progress.
func Progress(p int) *int { return &p }

// Apply reads the source, applies c and writes it back in one transaction.
// It returns the stored row and whether anything changed. A source marked
// for deletion only accepts removal transitions and metadata edits.
func (s *Store) Apply(ctx context.Context, id string, c Change) (*Source, bool, error) {
	var (
		out     *Source
		from    workflow.Status
		changed bool
	)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		out, changed = nil, false
		cur, err := getSource(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: source %s", ErrNotFound, id)
		}
		if c.Expect != "" && cur.Status != c.Expect {
			return fmt.Errorf("%w: source %s is %s, expected %s", ErrStale, id, cur.Status, c.Expect)
		}

		from = cur.Status
		next := *cur
		if c.To != "" {
			if cur.PendingDeletion && c.To != workflow.PendingRemoval && c.To != workflow.Removed {
				return fmt.Errorf("%w: %s", ErrPendingDeletion, id)
			}
			st := workflow.State{Status: cur.Status, Previous: cur.PreviousStatus}
			if err := st.Apply(c.To, c.Trigger); err != nil {
				return err
			}
			next.Status, next.PreviousStatus = st.Status, st.Previous
		}
		if c.Progress != nil {
			if cur.PendingDeletion {
				return fmt.Errorf("%w: %s", ErrPendingDeletion, id)
			}
			next.Progress = min(max(*c.Progress, 0), 100)
		}
		if c.Metadata != nil {
			next.Metadata = cloneMetadata(cur.Metadata)
			c.Metadata(&next.Metadata)
		}
		if c.Content != nil {
			next.Content = *c.Content
		}
		if c.MarkDeletion {
			next.PendingDeletion = true
		}

		curMeta, _ := json.Marshal(cur.Metadata)
		nextMeta, err := json.Marshal(next.Metadata)
		if err != nil {
			return fmt.Errorf("store: metadata: %w", err)
		}
		if next.Status == cur.Status && next.Progress == cur.Progress &&
			string(curMeta) == string(nextMeta) && next.Content == cur.Content &&
			next.PendingDeletion == cur.PendingDeletion {
			out = cur
			return nil
		}

		next.UpdatedAt = s.millis()
		res, err := tx.ExecContext(ctx, `UPDATE sources SET workflow_status = ?, previous_status = ?,
			progress = ?, metadata = ?, content = ?, pending_deletion = ?, updated_at = ?
			WHERE id = ? AND workflow_status = ?`,
			next.Status, next.PreviousStatus, next.Progress, string(nextMeta), next.Content,
			next.PendingDeletion, next.UpdatedAt, id, cur.Status)
		if err != nil {
			return fmt.Errorf("store: update source: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: source %s changed concurrently", ErrStale, id)
		}
		out, changed = &next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.emitSource(ctx, events.SourceUpdated, out)
		if out.Status != from && s.onTransition != nil {
			s.onTransition(from, out.Status)
		}
	}
	return out, changed, nil
}

// Transition is Apply with only a status change.
func (s *Store) Transition(ctx context.Context, id string, to workflow.Status, trigger workflow.Trigger) (*Source, error) {
	src, _, err := s.Apply(ctx, id, Change{To: to, Trigger: trigger})
	return src, err
}

// Tombstone clears a removed source's content and size metrics. The row
// stays so REMOVED is observable.
func (s *Store) Tombstone(ctx context.Context, id string) (*Source, error) {
	empty := ""
	src, _, err := s.Apply(ctx, id, Change{To: workflow.Removed, Content: &empty})
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sources SET original_bytes = 0, compressed_bytes = 0 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: tombstone: %w", err)
	}
	src.OriginalBytes, src.CompressedBytes = 0, 0
	return src, nil
}

func cloneMetadata(m Metadata) Metadata {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	if m.CrawlOptions != nil {
		o := *m.CrawlOptions
		out.CrawlOptions = &o
	}
	return out
}

func scanSource(sc scanner) (*Source, error) {
	var (
		src  Source
		meta string
	)
	err := sc.Scan(&src.ID, &src.AgentID, &src.OwnerID, &src.Type, &src.Name, &src.URL,
		&src.Status, &src.PreviousStatus, &src.Content, &src.OriginalBytes, &src.CompressedBytes,
		&src.Progress, &src.PendingDeletion, &meta, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan source: %w", err)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &src.Metadata); err != nil {
			return nil, fmt.Errorf("store: source %s metadata: %w", src.ID, err)
		}
	}
	return &src, nil
}
