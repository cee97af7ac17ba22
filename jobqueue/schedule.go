package jobqueue

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the time used for claims, backoff and recovery. Tests
// swap in a FakeClock so retry policy is checked without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock set to t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Backoff is an exponential delay policy: Base * 2^retry, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b *Backoff) defaults() {
	if b.Base <= 0 {
		b.Base = 2 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Minute
	}
}

// Delay returns the wait before the attempt following retry previous
// failures.
func (b Backoff) Delay(retry int) time.Duration {
	b.defaults()
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	for range retry {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Recorder receives queue and pool metrics.
type Recorder interface {
	JobClaimed(jobType string)
	JobFinished(jobType, outcome string, d time.Duration)
	JobsRecovered(n int)
}

// Outcomes passed to Recorder.JobFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

type nopRecorder struct{}

func (nopRecorder) JobClaimed(string)                         {}
func (nopRecorder) JobFinished(string, string, time.Duration) {}
func (nopRecorder) JobsRecovered(int)                         {}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
