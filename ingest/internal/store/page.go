package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/events"
	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/idgen"
	"github.com/hazyhaar/sourceflow/workflow"
)

const pageColumns = `id, parent_source_id, url, depth, status, retry_count, error_message,
	title, content, content_hash, content_size, chunks_created, started_at, completed_at,
	created_at, updated_at`

// NewPage describes a page to register.
type NewPage struct {
	ID    string
	URL   string
	Depth int
	// Blocked registers the page directly as failed with this reason.
	Blocked string
}

// InsertPage registers a page under parentID unless one with the same URL
// exists. It returns the stored page and whether it was created. A missing,
// removed or deletion-pending parent is an IntegrityError.
func (s *Store) InsertPage(ctx context.Context, parentID string, np NewPage) (*Page, bool, error) {
	if np.ID == "" {
		np.ID = idgen.Page()
	}
	var (
		page    *Page
		created bool
	)
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		page, created = nil, false
		parent, err := getSource(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if err := checkParent(np.ID, parentID, parent); err != nil {
			return err
		}

		status, msg := PagePending, ""
		var completed any
		now := s.millis()
		if np.Blocked != "" {
			status, msg, completed = PageFailed, np.Blocked, now
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO source_pages
			(id, parent_source_id, url, depth, status, error_message, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (parent_source_id, url) DO NOTHING`,
			np.ID, parentID, np.URL, np.Depth, status, msg, completed, now, now)
		if err != nil {
			return fmt.Errorf("store: insert page: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1
		page, err = scanPage(tx.QueryRowContext(ctx,
			`SELECT `+pageColumns+` FROM source_pages WHERE parent_source_id = ? AND url = ?`, parentID, np.URL))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.emitPage(ctx, events.PageInserted, page)
	}
	return page, created, nil
}

func checkParent(childID, parentID string, parent *Source) error {
	switch {
	case parent == nil:
		return faults.Integrity(childID, parentID, "parent source does not exist")
	case parent.Status == workflow.Removed:
		return faults.Integrity(childID, parentID, "parent source is removed")
	case parent.PendingDeletion:
		return faults.Integrity(childID, parentID, "parent source is pending deletion")
	}
	return nil
}

// GetPage returns the page or nil.
func (s *Store) GetPage(ctx context.Context, id string) (*Page, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM source_pages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPages returns the pages of parentID in discovery order.
func (s *Store) ListPages(ctx context.Context, parentID string) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pageColumns+` FROM source_pages
		WHERE parent_source_id = ? ORDER BY depth, created_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: list pages: %w", err)
	}
	defer rows.Close()
	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPages rolls up page statuses for parentID.
func (s *Store) CountPages(ctx context.Context, parentID string) (PageCounts, error) {
	var c PageCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM source_pages
		WHERE parent_source_id = ? GROUP BY status`, parentID)
	if err != nil {
		return c, fmt.Errorf("store: count pages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st PageStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return c, err
		}
		switch st {
		case PagePending:
			c.Pending = n
		case PageInProgress:
			c.InProgress = n
		case PageCompleted:
			c.Completed = n
		case PageFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// updatePage runs one guarded UPDATE and publishes the page on success.
// It reports false when the guard did not match (page gone or already in a
// later state).
func (s *Store) updatePage(ctx context.Context, id, query string, args ...any) (*Page, bool, error) {
	res, err := dbopen.Exec(ctx, s.db, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("store: update page %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, nil
	}
	p, err := s.GetPage(ctx, id)
	if err != nil || p == nil {
		return p, false, err
	}
	s.emitPage(ctx, events.PageUpdated, p)
	return p, true, nil
}

// StartPage moves a pending (or retried in-progress) page to in_progress.
// Finished pages are left alone and reported as not started.
func (s *Store) StartPage(ctx context.Context, id string, attempt int) (*Page, bool, error) {
	now := s.millis()
	return s.updatePage(ctx, id, `UPDATE source_pages
		SET status = 'in_progress', retry_count = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`, attempt, now, now, id)
}

// PageContent is the extracted result of a crawl.
type PageContent struct {
	Title   string
	Content string
	Hash    string
}

// CompletePage stores the extracted content and marks the page completed.
func (s *Store) CompletePage(ctx context.Context, id string, pc PageContent) (*Page, bool, error) {
	now := s.millis()
	return s.updatePage(ctx, id, `UPDATE source_pages
		SET status = 'completed', title = ?, content = ?, content_hash = ?, content_size = ?,
		    error_message = '', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`,
		pc.Title, pc.Content, pc.Hash, len(pc.Content), now, now, id)
}

// FailPage marks the page failed and keeps msg as its error_message.
func (s *Store) FailPage(ctx context.Context, id, msg string) (*Page, bool, error) {
	now := s.millis()
	return s.updatePage(ctx, id, `UPDATE source_pages
		SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`, msg, now, now, id)
}

// ResetPage puts a finished page back to pending for a recrawl.
func (s *Store) ResetPage(ctx context.Context, id string) (*Page, bool, error) {
	return s.updatePage(ctx, id, `UPDATE source_pages
		SET status = 'pending', retry_count = 0, error_message = '', started_at = NULL,
		    completed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('completed', 'failed')`, s.millis(), id)
}

// ResetPages resets every finished page of parentID and returns the pages
// now pending.
func (s *Store) ResetPages(ctx context.Context, parentID string) ([]*Page, error) {
	pages, err := s.ListPages(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var out []*Page
	for _, p := range pages {
		switch p.Status {
		case PageCompleted, PageFailed:
			rp, ok, err := s.ResetPage(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, rp)
			}
		case PagePending:
			out = append(out, p)
		}
	}
	return out, nil
}

// SetPageChunks records how many chunks a page produced.
func (s *Store) SetPageChunks(ctx context.Context, id string, n int) error {
	_, _, err := s.updatePage(ctx, id, `UPDATE source_pages SET chunks_created = ?, updated_at = ?
		WHERE id = ? AND chunks_created != ?`, n, s.millis(), id, n)
	return err
}

func scanPage(sc scanner) (*Page, error) {
	var (
		p         Page
		start, at sql.NullInt64
	)
	err := sc.Scan(&p.ID, &p.ParentSourceID, &p.URL, &p.Depth, &p.Status, &p.RetryCount,
		&p.ErrorMessage, &p.Title, &p.Content, &p.ContentHash, &p.ContentSize, &p.ChunksCreated,
		&start, &at, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan page: %w", err)
	}
	if start.Valid {
		p.StartedAt = &start.Int64
	}
	if at.Valid {
		p.CompletedAt = &at.Int64
	}
	return &p, nil
}
