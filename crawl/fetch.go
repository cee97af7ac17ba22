package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/hazyhaar/sourceflow/faults"
)

// ErrTooLarge is returned when a body exceeds the configured cap.
var ErrTooLarge = errors.New("crawl: response body too large")

// Response is one fetched URL.
type Response struct {
	URL         string
	FinalURL    string // after redirects
	StatusCode  int
	ContentType string // media type without parameters
	Body        []byte
	Hash        string // hex SHA-256 of Body
}

// IsHTML reports whether the response carries an HTML document.
func (r *Response) IsHTML() bool {
	return r.ContentType == "text/html" || r.ContentType == "application/xhtml+xml"
}

// Fetcher performs bounded HTTP GETs with SSRF checks on the URL and on
// every redirect hop.
type Fetcher struct {
	client   *http.Client
	ua       string
	maxBytes int64
	validate func(string) error
	logger   *slog.Logger
}

func newFetcher(cfg Config) *Fetcher {
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		ua:       cfg.UserAgent,
		maxBytes: cfg.MaxBodyBytes,
		validate: validate,
		logger:   cfg.Logger,
	}
}

// Fetch GETs rawURL and classifies failures: a blocked URL is a validation
// error, network errors and 429/5xx are transient, other non-2xx statuses
// and oversized bodies are permanent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp, faults.Transient("fetch "+rawURL, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp, faults.Permanent(fmt.Errorf("fetch %s: http %d", rawURL, resp.StatusCode))
	}
	return resp, nil
}

// get returns the response whatever its status. Robots lookups need the
// raw status code.
func (f *Fetcher) get(ctx context.Context, rawURL string) (*Response, error) {
	if err := f.validate(rawURL); err != nil {
		return nil, faults.Validation("url", "%s: %v", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, faults.Validation("url", "%v", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	start := time.Now()
	hr, err := f.client.Do(req)
	if err != nil {
		return nil, faults.Transient("fetch "+rawURL, err)
	}
	defer hr.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hr.Body, f.maxBytes+1))
	if err != nil {
		return nil, faults.Transient("read "+rawURL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, faults.Permanent(fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, rawURL, f.maxBytes))
	}

	sum := sha256.Sum256(body)
	ct, _, _ := mime.ParseMediaType(hr.Header.Get("Content-Type"))
	resp := &Response{
		URL:         rawURL,
		FinalURL:    hr.Request.URL.String(),
		StatusCode:  hr.StatusCode,
		ContentType: ct,
		Body:        body,
		Hash:        hex.EncodeToString(sum[:]),
	}
	f.logger.Debug("crawl: fetched", "url", rawURL, "status", hr.StatusCode,
		"size", len(body), "elapsed", time.Since(start))
	return resp, nil
}
