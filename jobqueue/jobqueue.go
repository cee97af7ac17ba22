// Package jobqueue is the durable background job table shared by every
// worker process, plus the worker pool that drains it.
//
// Claiming is a single conditional UPDATE ... RETURNING: a row moves from
// pending to processing only if it is still pending, so two workers polling
// concurrently can never hold the same job. That is the only cross-worker
// exclusivity primitive; there are no locks and no leader.
//
// Delivery is at-least-once. A job whose worker dies stays in processing
// until RecoverStuck requeues it, so handlers must be safe to re-run.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE background_jobs (
//	    id           TEXT PRIMARY KEY,
//	    job_type     TEXT NOT NULL,
//	    target_id    TEXT NOT NULL,
//	    status       TEXT NOT NULL DEFAULT 'pending',
//	    priority     INTEGER NOT NULL DEFAULT 0,
//	    payload      BLOB,
//	    retry_count  INTEGER NOT NULL DEFAULT 0,
//	    max_retries  INTEGER NOT NULL DEFAULT 3,
//	    last_error   TEXT NOT NULL DEFAULT '',
//	    worker_id    TEXT NOT NULL DEFAULT '',
//	    run_after    INTEGER NOT NULL DEFAULT 0,   -- ms since epoch
//	    claimed_at   INTEGER,                      -- ms since epoch
//	    created_at   INTEGER NOT NULL,
//	    updated_at   INTEGER NOT NULL,
//	    finished_at  INTEGER,
//	    CHECK (retry_count <= max_retries)
//	);
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/idgen"
)

// JobType names the handler a job is routed to.
type JobType string

const (
	Discover        JobType = "discover"
	CrawlPage       JobType = "crawl_page"
	Chunk           JobType = "chunk"
	Embed           JobType = "embed"
	AggregateStatus JobType = "aggregate_status"
	Delete          JobType = "delete"
)

// Status is a job status.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Priorities. Higher runs first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// ErrNotClaimed is returned when completing or failing a job the caller no
// longer holds (it was recovered and possibly reclaimed elsewhere).
var ErrNotClaimed = errors.New("jobqueue: job not held by this worker")

// ErrAbandoned is the cause reported for a job failed by RecoverStuck.
var ErrAbandoned = errors.New("jobqueue: job abandoned by its worker")

// Job is a row of background_jobs.
type Job struct {
	ID         string
	Type       JobType
	TargetID   string
	Status     Status
	Priority   int
	Payload    []byte
	RetryCount int
	MaxRetries int
	LastError  string
	WorkerID   string
	RunAfter   time.Time
	ClaimedAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Options configures a Queue.
type Options struct {
	// MaxRetries is stored on each new job. Default: 3.
	MaxRetries int
	// Backoff computes the delay before a failed job is claimable again.
	Backoff Backoff
	// Clock supplies the current time. Default: wall clock.
	Clock Clock
	// Recorder receives queue metrics. Default: discard.
	Recorder Recorder
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	o.Backoff.defaults()
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the job table handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New returns a Queue. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// Schema is the DDL applied by EnsureTable.
const Schema = `
CREATE TABLE IF NOT EXISTS background_jobs (
	id           TEXT PRIMARY KEY,
	job_type     TEXT NOT NULL,
	target_id    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending'
	             CHECK (status IN ('pending','processing','completed','failed')),
	priority     INTEGER NOT NULL DEFAULT 0,
	payload      BLOB,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT NOT NULL DEFAULT '',
	worker_id    TEXT NOT NULL DEFAULT '',
	run_after    INTEGER NOT NULL DEFAULT 0,
	claimed_at   INTEGER,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	finished_at  INTEGER,
	CHECK (retry_count <= max_retries)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_pending_target
	ON background_jobs(job_type, target_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_claim
	ON background_jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_target ON background_jobs(target_id, status);
`

// EnsureTable creates background_jobs and its indexes.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Now returns the queue clock's current time.
func (q *Queue) Now() time.Time { return q.opts.Clock.Now() }

// EnqueueRequest describes a job to insert.
type EnqueueRequest struct {
	Type     JobType
	TargetID string
	Priority int
	Payload  []byte
}

// Enqueue inserts a pending job. It is idempotent per (type, target): when
// a pending job already exists for the pair, its ID is returned with
// created=false, its priority is raised to the higher of the two and its
// payload replaced by the newer one when given.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error) {
	if req.Type == "" || req.TargetID == "" {
		return "", false, fmt.Errorf("jobqueue: enqueue: type and target are required")
	}
	now := q.opts.Clock.Now().UnixMilli()
	newID := idgen.Job()
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	err = dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO background_jobs
				(id, job_type, target_id, status, priority, payload, max_retries, run_after, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			newID, req.Type, req.TargetID, req.Priority, payload, q.opts.MaxRetries, now, now, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			id, created = newID, true
			return nil
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM background_jobs WHERE job_type = ? AND target_id = ? AND status = 'pending'`,
			req.Type, req.TargetID).Scan(&id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE background_jobs
			SET priority = MAX(priority, ?), payload = COALESCE(?, payload), updated_at = ?
			WHERE id = ?`, req.Priority, payload, now, id)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("jobqueue: enqueue %s %s: %w", req.Type, req.TargetID, err)
	}
	if created {
		q.opts.Logger.Debug("jobqueue: enqueued", "job_id", id, "job_type", req.Type, "target_id", req.TargetID)
	}
	return id, created, nil
}

const jobColumns = `id, job_type, target_id, status, priority, payload, retry_count, max_retries,
	last_error, worker_id, run_after, claimed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j                          Job
		runAfter, created, updated int64
		claimed                    sql.NullInt64
	)
	if err := s.Scan(&j.ID, &j.Type, &j.TargetID, &j.Status, &j.Priority, &j.Payload,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &j.WorkerID,
		&runAfter, &claimed, &created, &updated); err != nil {
		return nil, err
	}
	j.RunAfter = time.UnixMilli(runAfter)
	if claimed.Valid {
		j.ClaimedAt = time.UnixMilli(claimed.Int64)
	}
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	return &j, nil
}

// Claim atomically moves up to n claimable pending jobs to processing for
// workerID, highest priority first then oldest first. It returns an empty
// slice when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]*Job, error) {
	if n <= 0 {
		n = 1
	}
	var (
		jobs []*Job
		err  error
	)
	for attempt := range 4 {
		jobs, err = q.claimOnce(ctx, workerID, n)
		if err == nil || !dbopen.IsBusy(err) {
			break
		}
		if serr := sleepCtx(ctx, time.Duration(20<<attempt)*time.Millisecond); serr != nil {
			return nil, fmt.Errorf("jobqueue: claim: %w", serr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	for _, j := range jobs {
		q.opts.Recorder.JobClaimed(string(j.Type))
	}
	return jobs, nil
}

func (q *Queue) claimOnce(ctx context.Context, workerID string, n int) ([]*Job, error) {
	now := q.opts.Clock.Now().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE background_jobs
		SET status = 'processing', claimed_at = ?, worker_id = ?, updated_at = ?
		WHERE status = 'pending' AND id IN (
			SELECT id FROM background_jobs
			WHERE status = 'pending' AND run_after <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		now, workerID, now, now, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete marks a job held by workerID as completed.
func (q *Queue) Complete(ctx context.Context, id, workerID string) error {
	now := q.opts.Clock.Now().UnixMilli()
	res, err := dbopen.Exec(ctx, q.db, `
		UPDATE background_jobs
		SET status = 'completed', finished_at = ?, updated_at = ?, last_error = ''
		WHERE id = ? AND status = 'processing' AND worker_id = ?`,
		now, now, id, workerID)
	if err != nil {
		return fmt.Errorf("jobqueue: complete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Outcome reports what Fail did with a job.
type Outcome struct {
	// Requeued is true when the job went back to pending.
	Requeued bool
	// RunAfter is when a requeued job becomes claimable.
	RunAfter time.Time
	// Job is the job as it was before the failure was recorded.
	Job *Job
}

// Fail records a failed attempt. retry_count is incremented; below
// max_retries the job returns to pending after Backoff.Delay(previous
// count), otherwise it is failed for good.
func (q *Queue) Fail(ctx context.Context, id, workerID string, cause error) (Outcome, error) {
	return q.finishFailed(ctx, id, workerID, cause, true)
}

// Drop marks a held job failed without retrying. Used for failures a rerun
// cannot fix (bad payload, missing parent).
func (q *Queue) Drop(ctx context.Context, id, workerID string, cause error) (Outcome, error) {
	return q.finishFailed(ctx, id, workerID, cause, false)
}

func (q *Queue) finishFailed(ctx context.Context, id, workerID string, cause error, retry bool) (Outcome, error) {
	var out Outcome
	msg := errString(cause)
	now := q.opts.Clock.Now()

	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM background_jobs WHERE id = ? AND status = 'processing' AND worker_id = ?`,
			id, workerID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotClaimed
		}
		if err != nil {
			return err
		}
		out = Outcome{Job: j}

		next := j.RetryCount
		if retry {
			next = min(j.RetryCount+1, j.MaxRetries)
			if next < j.MaxRetries {
				runAfter := now.Add(q.opts.Backoff.Delay(j.RetryCount))
				out.Requeued, out.RunAfter = true, runAfter
				return requeue(ctx, tx, j, next, runAfter.UnixMilli(), now.UnixMilli(), msg)
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = 'failed', retry_count = ?, last_error = ?, finished_at = ?, updated_at = ?
			WHERE id = ?`, next, msg, now.UnixMilli(), now.UnixMilli(), id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimed) {
			return out, err
		}
		return out, fmt.Errorf("jobqueue: fail %s: %w", id, err)
	}
	return out, nil
}

// requeue returns j to pending. A newer pending job for the same target is
// the same work, so it is folded into j.
func requeue(ctx context.Context, tx *sql.Tx, j *Job, retryCount int, runAfter, now int64, msg string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM background_jobs
		WHERE job_type = ? AND target_id = ? AND status = 'pending' AND id <> ?`,
		j.Type, j.TargetID, j.ID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'pending', retry_count = ?, run_after = ?, last_error = ?,
		    worker_id = '', claimed_at = NULL, updated_at = ?
		WHERE id = ?`, retryCount, runAfter, msg, now, j.ID)
	return err
}

// RecoverStuck requeues every processing job whose claimed_at is more than
// timeout in the past, incrementing retry_count. A job that reaches
// max_retries this way is failed instead and returned in dead, with its
// row fields as written, so the caller can surface the failure.
func (q *Queue) RecoverStuck(ctx context.Context, timeout time.Duration) (requeued int, dead []*Job, err error) {
	now := q.opts.Clock.Now()
	cutoff := now.Add(-timeout).UnixMilli()

	err = dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		requeued, dead = 0, nil
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM background_jobs WHERE status = 'processing' AND claimed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		var stuck []*Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			stuck = append(stuck, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range stuck {
			msg := fmt.Sprintf("recovered: worker %s held job for %s", j.WorkerID, now.Sub(j.ClaimedAt).Round(time.Millisecond))
			next := min(j.RetryCount+1, j.MaxRetries)
			if next < j.MaxRetries {
				if err := requeue(ctx, tx, j, next, now.UnixMilli(), now.UnixMilli(), msg); err != nil {
					return err
				}
				requeued++
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE background_jobs
				SET status = 'failed', retry_count = ?, last_error = ?, finished_at = ?, updated_at = ?
				WHERE id = ?`, next, msg, now.UnixMilli(), now.UnixMilli(), j.ID); err != nil {
				return err
			}
			j.Status, j.RetryCount, j.LastError, j.UpdatedAt = Failed, next, msg, now
			dead = append(dead, j)
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("jobqueue: recover stuck: %w", err)
	}
	if requeued+len(dead) > 0 {
		q.opts.Recorder.JobsRecovered(requeued + len(dead))
		q.opts.Logger.Warn("jobqueue: recovered stuck jobs", "requeued", requeued, "failed", len(dead), "timeout", timeout)
	}
	return requeued, dead, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	Type     JobType
	TargetID string
	Statuses []Status
	Limit    int
}

// List returns jobs matching f, oldest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "job_type = ?")
		args = append(args, f.Type)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if len(f.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		where = append(where, "status IN ("+ph+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + jobColumns + ` FROM background_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: list: %w", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: stats: %w", err)
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 2000 {
		s = s[:2000]
	}
	return s
}
