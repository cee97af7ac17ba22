package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hazyhaar/sourceflow/faults"
)

// Handler executes one claimed job. A nil return completes the job. Errors
// are classified with the faults package: validation and integrity errors
// drop the job, anything else is retried with backoff.
type Handler func(ctx context.Context, job *Job) error

// DeadHandler is told about a job that ended in failed. cause is a
// *faults.PermanentFailure.
type DeadHandler func(ctx context.Context, job *Job, cause error)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// WorkerID identifies this process in claimed rows. Required.
	WorkerID string
	// Concurrency bounds in-flight handlers. Default: 4.
	Concurrency int
	// BatchSize is the number of jobs claimed per poll. Default: Concurrency.
	BatchSize int
	// PollInterval is the delay between claims when the queue is idle.
	// Default: 1s.
	PollInterval time.Duration
	// StuckTimeout is the processing age after which a job is presumed
	// abandoned. Default: 5m.
	StuckTimeout time.Duration
	// RecoverInterval is how often Run calls RecoverStuck. Default: 30s.
	RecoverInterval time.Duration
	// JobTimeout bounds one handler call. 0 means no bound.
	JobTimeout time.Duration
	// OnDead is called after a job is failed permanently.
	OnDead DeadHandler
	Logger *slog.Logger
}

func (o *PoolOptions) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = o.Concurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StuckTimeout <= 0 {
		o.StuckTimeout = 5 * time.Minute
	}
	if o.RecoverInterval <= 0 {
		o.RecoverInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pool claims jobs from a Queue and runs their handlers with bounded
// concurrency. It holds no state shared with other pools; several pools
// over one database behave like separate worker processes.
type Pool struct {
	q        *Queue
	opts     PoolOptions
	mu       sync.RWMutex
	handlers map[JobType]Handler
}

// NewPool returns a Pool over q.
func NewPool(q *Queue, opts PoolOptions) *Pool {
	opts.defaults()
	return &Pool{q: q, opts: opts, handlers: make(map[JobType]Handler)}
}

// Handle registers h for jobs of type t.
func (p *Pool) Handle(t JobType, h Handler) {
	p.mu.Lock()
	p.handlers[t] = h
	p.mu.Unlock()
}

// WorkerID returns the pool's worker identity.
func (p *Pool) WorkerID() string { return p.opts.WorkerID }

// Run polls until ctx is cancelled, then waits for in-flight handlers.
// It also runs RecoverStuck every RecoverInterval.
func (p *Pool) Run(ctx context.Context) {
	log := p.opts.Logger
	log.Info("jobqueue: pool started",
		"worker_id", p.opts.WorkerID,
		"concurrency", p.opts.Concurrency,
		"batch_size", p.opts.BatchSize,
		"poll", p.opts.PollInterval)

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup

	poll := time.NewTicker(p.opts.PollInterval)
	defer poll.Stop()
	recoverTick := time.NewTicker(p.opts.RecoverInterval)
	defer recoverTick.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobqueue: pool stopping, draining in-flight handlers", "worker_id", p.opts.WorkerID)
			wg.Wait()
			log.Info("jobqueue: pool stopped", "worker_id", p.opts.WorkerID)
			return
		case <-recoverTick.C:
			if err := p.recoverStuck(ctx); err != nil && ctx.Err() == nil {
				log.Warn("jobqueue: recovery failed", "error", err)
			}
		case <-poll.C:
			free := p.opts.Concurrency - len(sem)
			if free <= 0 {
				continue
			}
			jobs, err := p.q.Claim(ctx, p.opts.WorkerID, min(free, p.opts.BatchSize))
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("jobqueue: claim failed", "error", err, "worker_id", p.opts.WorkerID)
				continue
			}
			for _, job := range jobs {
				// Claimed jobs not started before shutdown stay in
				// processing and come back through RecoverStuck.
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					wg.Wait()
					return
				}
				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					p.execute(ctx, j)
				}(job)
			}
		}
	}
}

// Drain recovers stuck jobs, then claims and runs claimable jobs until
// none are left or maxJobs have been processed (0 means no limit). It
// returns the number of jobs processed. Used where workers are not
// resident.
func (p *Pool) Drain(ctx context.Context, maxJobs int) (int, error) {
	if err := p.recoverStuck(ctx); err != nil {
		return 0, err
	}
	processed := 0
	for maxJobs <= 0 || processed < maxJobs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		n := p.opts.BatchSize
		if maxJobs > 0 {
			n = min(n, maxJobs-processed)
		}
		jobs, err := p.q.Claim(ctx, p.opts.WorkerID, n)
		if err != nil {
			return processed, err
		}
		if len(jobs) == 0 {
			break
		}

		sem := make(chan struct{}, p.opts.Concurrency)
		var wg sync.WaitGroup
		for _, j := range jobs {
			sem <- struct{}{}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				p.execute(ctx, j)
			}(j)
		}
		wg.Wait()
		processed += len(jobs)
	}
	return processed, nil
}

// execute runs one job and records its outcome. Errors never escape.
func (p *Pool) execute(ctx context.Context, j *Job) {
	log := p.opts.Logger.With("job_id", j.ID, "job_type", j.Type, "target_id", j.TargetID, "worker_id", p.opts.WorkerID)
	start := time.Now()
	rec := p.q.opts.Recorder

	p.mu.RLock()
	h, ok := p.handlers[j.Type]
	p.mu.RUnlock()

	var (
		err     error
		expired bool
	)
	if !ok {
		err = faults.Validation("job_type", "no handler for %q", j.Type)
	} else {
		expired, err = p.call(ctx, h, j)
	}

	// Persisting the outcome must survive shutdown of ctx.
	bg := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := p.q.Complete(bg, j.ID, p.opts.WorkerID); cerr != nil {
			log.Warn("jobqueue: complete failed", "error", cerr)
			return
		}
		rec.JobFinished(string(j.Type), OutcomeCompleted, time.Since(start))
		log.Debug("jobqueue: job completed", "duration", time.Since(start))
		return
	}

	if ctx.Err() != nil || expired {
		// Left in processing: a cancelled job is a crashed job.
		rec.JobFinished(string(j.Type), OutcomeAbandoned, time.Since(start))
		log.Warn("jobqueue: job abandoned", "error", err)
		return
	}

	var out Outcome
	var ferr error
	if faults.Retryable(err) {
		out, ferr = p.q.Fail(bg, j.ID, p.opts.WorkerID, err)
	} else {
		out, ferr = p.q.Drop(bg, j.ID, p.opts.WorkerID, err)
	}
	if ferr != nil {
		log.Warn("jobqueue: recording failure failed", "error", ferr, "cause", err)
		return
	}
	if out.Requeued {
		rec.JobFinished(string(j.Type), OutcomeRetried, time.Since(start))
		log.Warn("jobqueue: job failed, requeued", "error", err, "retry_count", j.RetryCount+1, "run_after", out.RunAfter)
		return
	}

	rec.JobFinished(string(j.Type), OutcomeFailed, time.Since(start))
	log.Error("jobqueue: job failed permanently", "error", err, "retry_count", j.RetryCount)
	p.dead(bg, j, j.RetryCount+1, err)
}

// recoverStuck runs RecoverStuck and reports the jobs it failed at their
// retry cap to OnDead, like any other permanent failure.
func (p *Pool) recoverStuck(ctx context.Context) error {
	_, dead, err := p.q.RecoverStuck(ctx, p.opts.StuckTimeout)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	for _, j := range dead {
		p.opts.Logger.Error("jobqueue: stuck job failed permanently",
			"job_id", j.ID, "job_type", j.Type, "target_id", j.TargetID, "retry_count", j.RetryCount)
		p.dead(bg, j, j.RetryCount, fmt.Errorf("%w: %s", ErrAbandoned, j.LastError))
	}
	return nil
}

func (p *Pool) dead(ctx context.Context, j *Job, attempts int, cause error) {
	if p.opts.OnDead == nil {
		return
	}
	p.opts.OnDead(ctx, j, &faults.PermanentFailure{
		JobType:  string(j.Type),
		TargetID: j.TargetID,
		Attempts: attempts,
		Cause:    cause,
	})
}

// call runs h, converting a panic into an error. expired reports that the
// job timeout elapsed.
func (p *Pool) call(ctx context.Context, h Handler, j *Job) (expired bool, err error) {
	jobCtx := ctx
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
		expired = err != nil && ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	}()
	return false, h(jobCtx, j)
}
