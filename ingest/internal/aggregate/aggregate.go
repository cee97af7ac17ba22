// Package aggregate derives a website source's workflow status and progress
// from the statuses of its pages.
//
// The rollup is recomputed from the page table on every run, never from
// the event that triggered it, so duplicate or out-of-order events converge
// on the same value. Writes are compare-and-set on the status read at the
// start of the run; a concurrent writer makes the run re-read and retry.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/ingest/internal/store"
	"github.com/hazyhaar/sourceflow/workflow"
)

// Result labels one run for metrics and logs.
type Result string

const (
	// Unchanged means the stored status and progress already matched.
	Unchanged Result = "unchanged"
	// Updated means at least one write was made.
	Updated Result = "updated"
	// Skipped means the source is outside the crawl phase.
	Skipped Result = "skipped"
)

// maxAttempts bounds retries on concurrent writers.
const maxAttempts = 4

// Recorder observes aggregator runs.
type Recorder interface {
	AggregatorRun(result string)
}

type nopRecorder struct{}

func (nopRecorder) AggregatorRun(string) {}

// Outcome is the state after a run.
type Outcome struct {
	Result   Result
	Status   workflow.Status
	Progress int
	Counts   store.PageCounts
}

// Aggregator rolls page state up to the parent source.
type Aggregator struct {
	st     *store.Store
	rec    Recorder
	logger *slog.Logger
}

// New creates an Aggregator. rec and logger may be nil.
func New(st *store.Store, rec Recorder, logger *slog.Logger) *Aggregator {
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{st: st, rec: rec, logger: logger}
}

// Derive computes the target status and progress for counts. ok is false
// when nothing has been discovered yet.
func Derive(c store.PageCounts) (status workflow.Status, progress int, ok bool) {
	total := c.Total()
	if total == 0 {
		return "", 0, false
	}
	done := c.Completed + c.Failed
	progress = done * 100 / total
	switch {
	case done == total && c.Completed > 0:
		return workflow.Completed, 100, true
	case done == total:
		return workflow.Error, 100, true
	case done > 0 || c.InProgress > 0:
		return workflow.Crawling, progress, true
	default:
		return "", progress, true
	}
}

// Run aggregates sourceID. It is safe to call concurrently for the same
// source from several workers.
func (a *Aggregator) Run(ctx context.Context, sourceID string) (Outcome, error) {
	var out Outcome
	wrote := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		step, done, err := a.step(ctx, sourceID)
		if errors.Is(err, store.ErrStale) {
			a.logger.Debug("aggregate: concurrent write, retrying", "source_id", sourceID, "attempt", attempt)
			continue
		}
		if err != nil {
			return out, err
		}
		out = step
		if out.Result == Updated {
			wrote = true
		}
		if done {
			if wrote {
				out.Result = Updated
			}
			a.rec.AggregatorRun(string(out.Result))
			return out, nil
		}
	}
	return out, fmt.Errorf("aggregate: source %s: %w", sourceID, store.ErrStale)
}

// step performs at most one write. done is false when another step is
// needed (CREATED must pass through CRAWLING before COMPLETED).
func (a *Aggregator) step(ctx context.Context, sourceID string) (Outcome, bool, error) {
	src, err := a.st.GetSource(ctx, sourceID)
	if err != nil {
		return Outcome{}, false, err
	}
	if src == nil {
		return Outcome{}, false, faults.Integrity("", sourceID, "source does not exist")
	}
	out := Outcome{Result: Skipped, Status: src.Status, Progress: src.Progress}
	if src.PendingDeletion || (src.Status != workflow.Created && src.Status != workflow.Crawling) {
		return out, true, nil
	}

	counts, err := a.st.CountPages(ctx, sourceID)
	if err != nil {
		return out, false, err
	}
	out.Counts = counts
	target, progress, ok := Derive(counts)
	if !ok {
		out.Result = Unchanged
		return out, true, nil
	}

	change := store.Change{Expect: src.Status, Progress: store.Progress(progress)}
	final := true
	switch {
	case target == "" || target == src.Status:
	case src.Status == workflow.Created && target == workflow.Completed:
		change.To = workflow.Crawling
		change.Progress = nil
		final = false
	default:
		change.To = target
	}
	if change.To == workflow.Error {
		change.Metadata = func(m *store.Metadata) {
			m.LastError = fmt.Sprintf("all %d pages failed", counts.Total())
			m.FailedJobType = "crawl_page"
		}
	}

	updated, changed, err := a.st.Apply(ctx, sourceID, change)
	if err != nil {
		return out, false, err
	}
	out.Status, out.Progress = updated.Status, updated.Progress
	out.Result = Unchanged
	if changed {
		out.Result = Updated
		a.logger.Info("aggregate: source updated", "source_id", sourceID,
			"status", updated.Status, "progress", updated.Progress,
			"completed", counts.Completed, "failed", counts.Failed, "total", counts.Total())
	}
	return out, final, nil
}
