// Package crawl expands a website into pages and fetches them politely.
//
// A Crawler owns one Fetcher (SSRF-checked, size-capped), a robots.txt
// cache, a per-host limiter and an HTML-to-markdown extractor. When static
// HTML looks like an SPA shell and a Renderer is configured, the page is
// rendered headless before extraction.
package crawl

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/hazyhaar/sourceflow/faults"
)

// ErrDisallowed is the reason recorded on pages blocked by robots.txt.
var ErrDisallowed = errors.New("robots-disallowed")

// Config configures a Crawler.
type Config struct {
	UserAgent string `yaml:"user_agent"`
	// RequestsPerSecond per host. Default: 2. Zero or negative after
	// defaults means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// PerDomainConcurrency caps in-flight requests per host. Default: 2.
	PerDomainConcurrency int `yaml:"per_domain_concurrency"`
	// MaxBodyBytes caps each response. Default: 10 MB.
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRedirects int           `yaml:"max_redirects"`
	RobotsTTL    time.Duration `yaml:"robots_ttl"`
	// Browser enables headless rendering of insufficient pages.
	Browser    bool   `yaml:"browser"`
	BrowserURL string `yaml:"browser_url"`

	URLValidator func(string) error `yaml:"-"`
	Logger       *slog.Logger       `yaml:"-"`
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = "sourceflow/1.0 (+crawler)"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PerDomainConcurrency <= 0 {
		c.PerDomainConcurrency = 2
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.RobotsTTL <= 0 {
		c.RobotsTTL = time.Hour
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Recorder receives fetch outcomes (ok, rendered, blocked, error).
type Recorder interface {
	PageFetched(result string)
}

type nopRecorder struct{}

func (nopRecorder) PageFetched(string) {}

// Crawler fetches pages and discovers links.
type Crawler struct {
	cfg      Config
	fetcher  *Fetcher
	robots   *RobotsCache
	limiter  *DomainLimiter
	extract  *Extractor
	renderer Renderer
	rec      Recorder
	logger   *slog.Logger
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithRenderer sets the headless renderer, overriding Config.Browser.
func WithRenderer(r Renderer) Option { return func(c *Crawler) { c.renderer = r } }

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option { return func(c *Crawler) { c.rec = r } }

// New builds a Crawler.
func New(cfg Config, opts ...Option) *Crawler {
	cfg.defaults()
	f := newFetcher(cfg)
	lim := NewDomainLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.PerDomainConcurrency)
	c := &Crawler{
		cfg:     cfg,
		fetcher: f,
		robots:  newRobotsCache(f, lim, cfg.UserAgent, cfg.RobotsTTL),
		limiter: lim,
		extract: NewExtractor(),
		rec:     nopRecorder{},
		logger:  cfg.Logger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.renderer == nil && cfg.Browser {
		c.renderer = NewBrowserRenderer(cfg.BrowserURL, cfg.Logger)
	}
	return c
}

// Close releases the headless browser, if one was started.
func (c *Crawler) Close() error {
	if br, ok := c.renderer.(*BrowserRenderer); ok {
		return br.Close()
	}
	return nil
}

// Page is the result of crawling one URL.
type Page struct {
	URL       string
	FinalURL  string
	Title     string
	Text      string
	Raw       []byte
	Hash      string
	HTML      bool
	Rendered  bool
	FetchedAt time.Time
}

// Allowed checks robots.txt for rawURL.
func (c *Crawler) Allowed(ctx context.Context, rawURL string) (bool, error) {
	return c.robots.Allowed(ctx, rawURL)
}

// fetch waits for the host's limiter and fetches rawURL.
func (c *Crawler) fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, faults.Validation("url", "%v", err)
	}
	release, err := c.limiter.Acquire(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.fetcher.Fetch(ctx, rawURL)
}

// FetchPage fetches and extracts one page. With respectRobots set, a
// disallowed URL fails permanently with ErrDisallowed.
func (c *Crawler) FetchPage(ctx context.Context, rawURL string, respectRobots bool) (*Page, error) {
	if respectRobots {
		ok, err := c.robots.Allowed(ctx, rawURL)
		if err != nil {
			c.rec.PageFetched("error")
			return nil, err
		}
		if !ok {
			c.rec.PageFetched("blocked")
			return nil, faults.Permanent(ErrDisallowed)
		}
	}

	resp, err := c.fetch(ctx, rawURL)
	if err != nil {
		c.rec.PageFetched("error")
		return nil, err
	}

	page := &Page{
		URL:       rawURL,
		FinalURL:  resp.FinalURL,
		Raw:       resp.Body,
		Hash:      resp.Hash,
		HTML:      resp.IsHTML(),
		FetchedAt: time.Now(),
	}
	body := resp.Body
	if page.HTML && c.renderer != nil && !IsSufficient(body) {
		rendered, rerr := c.renderer.Render(ctx, rawURL)
		if rerr != nil {
			c.logger.Warn("crawl: render failed, using static html", "url", rawURL, "error", rerr)
		} else {
			body = rendered
			page.Rendered = true
		}
	}

	var ex *Extracted
	if page.HTML {
		ex, err = c.extract.ExtractHTML(body, resp.FinalURL)
	} else {
		ex, err = c.extract.Extract(resp)
	}
	if err != nil {
		c.rec.PageFetched("error")
		return nil, faults.Permanent(err)
	}
	page.Title, page.Text = ex.Title, ex.Text

	if page.Rendered {
		c.rec.PageFetched("rendered")
	} else {
		c.rec.PageFetched("ok")
	}
	return page, nil
}
