package crawl

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type domainSlot struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

// DomainLimiter bounds request rate and in-flight requests per host.
// Callers over the limit wait; nothing is dropped.
type DomainLimiter struct {
	every       rate.Limit
	burst       int
	concurrency int

	mu      sync.Mutex
	domains map[string]*domainSlot
}

// NewDomainLimiter allows rps requests per second (burst b) and at most
// concurrency in-flight requests per host.
func NewDomainLimiter(rps float64, burst, concurrency int) *DomainLimiter {
	if burst < 1 {
		burst = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	lim := rate.Limit(rps)
	if rps <= 0 {
		lim = rate.Inf
	}
	return &DomainLimiter{
		every:       lim,
		burst:       burst,
		concurrency: concurrency,
		domains:     make(map[string]*domainSlot),
	}
}

func (d *DomainLimiter) slot(host string) *domainSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.domains[host]
	if !ok {
		s = &domainSlot{
			limiter: rate.NewLimiter(d.every, d.burst),
			sem:     make(chan struct{}, d.concurrency),
		}
		d.domains[host] = s
	}
	return s
}

// Acquire blocks until host has a free slot and a rate token. The returned
// release must be called once the request finishes.
func (d *DomainLimiter) Acquire(ctx context.Context, host string) (release func(), err error) {
	s := d.slot(host)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := s.limiter.Wait(ctx); err != nil {
		<-s.sem
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { <-s.sem }) }, nil
}

// InFlight returns the number of held slots for host.
func (d *DomainLimiter) InFlight(host string) int {
	return len(d.slot(host).sem)
}
