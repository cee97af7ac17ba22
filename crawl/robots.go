package crawl

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

type robotsEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// RobotsCache fetches and caches robots.txt per scheme+host. Fetches go
// through the host's limiter slot like page fetches.
type RobotsCache struct {
	fetcher *Fetcher
	limiter *DomainLimiter
	agent   string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCache(f *Fetcher, l *DomainLimiter, agent string, ttl time.Duration) *RobotsCache {
	return &RobotsCache{
		fetcher: f,
		limiter: l,
		agent:   agent,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]robotsEntry),
	}
}

// Allowed reports whether the configured user agent may fetch rawURL.
// A missing robots.txt (4xx) allows everything; a 5xx disallows everything
// until the entry expires. Network errors are returned to the caller.
func (rc *RobotsCache) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	data, err := rc.lookup(ctx, u.Scheme+"://"+u.Host, u.Host)
	if err != nil {
		return false, err
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.TestAgent(path, rc.agent), nil
}

func (rc *RobotsCache) lookup(ctx context.Context, origin, host string) (*robotstxt.RobotsData, error) {
	rc.mu.Lock()
	e, ok := rc.entries[origin]
	rc.mu.Unlock()
	if ok && rc.now().Sub(e.fetched) < rc.ttl {
		return e.data, nil
	}

	release, err := rc.limiter.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	resp, err := rc.fetcher.get(ctx, origin+"/robots.txt")
	release()
	if err != nil {
		return nil, err
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		// Unparseable robots.txt is treated as absent.
		data, _ = robotstxt.FromStatusAndBytes(404, nil)
	}

	rc.mu.Lock()
	rc.entries[origin] = robotsEntry{data: data, fetched: rc.now()}
	rc.mu.Unlock()
	return data, nil
}
