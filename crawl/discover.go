package crawl

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/sourceflow/faults"
)

// Mode selects how initiate_crawl treats the URL.
type Mode string

const (
	ModeFull    Mode = "full"    // discover the link graph from the root
	ModeSingle  Mode = "single"  // crawl exactly the given URL
	ModeRecrawl Mode = "recrawl" // reset existing pages and crawl them again
)

// Options bound a discovery run. It is also the payload of discover jobs.
type Options struct {
	MaxPages      int      `json:"maxPages,omitempty"`
	MaxDepth      int      `json:"maxDepth,omitempty"`
	IncludePaths  []string `json:"includePaths,omitempty"`
	ExcludePaths  []string `json:"excludePaths,omitempty"`
	RespectRobots bool     `json:"respectRobots"`
	Mode          Mode     `json:"mode,omitempty"`
}

// Defaults fills zero limits and the mode.
func (o *Options) Defaults() {
	if o.MaxPages <= 0 {
		o.MaxPages = 100
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	}
	if o.MaxDepth == 0 && o.Mode != ModeSingle {
		o.MaxDepth = 3
	}
	if o.Mode == "" {
		o.Mode = ModeFull
	}
}

// Validate rejects unknown modes and malformed glob patterns.
func (o *Options) Validate() error {
	switch o.Mode {
	case "", ModeFull, ModeSingle, ModeRecrawl:
	default:
		return faults.Validation("mode", "unknown mode %q", o.Mode)
	}
	for _, p := range append(append([]string{}, o.IncludePaths...), o.ExcludePaths...) {
		if !doublestar.ValidatePattern(normalizePattern(p)) {
			return faults.Validation("paths", "invalid pattern %q", p)
		}
	}
	return nil
}

// Match reports whether urlPath passes the include and exclude patterns.
// An empty include list admits every path.
func (o *Options) Match(urlPath string) bool {
	if urlPath == "" {
		urlPath = "/"
	}
	for _, p := range o.ExcludePaths {
		if ok, _ := doublestar.Match(normalizePattern(p), urlPath); ok {
			return false
		}
	}
	if len(o.IncludePaths) == 0 {
		return true
	}
	for _, p := range o.IncludePaths {
		if ok, _ := doublestar.Match(normalizePattern(p), urlPath); ok {
			return true
		}
	}
	return false
}

func normalizePattern(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Found is one discovered URL.
type Found struct {
	URL   string
	Depth int
	// Blocked is set when robots.txt disallows the URL. It is not fetched.
	Blocked bool
}

// Discover walks same-host links breadth-first from root. The root is
// always part of the result; other URLs must pass the path filters. The
// walk stops at MaxPages results and does not follow links found at
// MaxDepth. Pages that fail to fetch are still reported so their crawl job
// can retry; only a root fetch failure aborts discovery.
func (c *Crawler) Discover(ctx context.Context, root string, opts Options) ([]Found, error) {
	opts.Defaults()
	rootURL, err := canonical(root, nil)
	if err != nil {
		return nil, faults.Validation("url", "%v", err)
	}
	host := rootURL.Host

	seen := map[string]bool{rootURL.String(): true}
	queue := []Found{{URL: rootURL.String()}}
	var out []Found

	for len(queue) > 0 && len(out) < opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		if opts.RespectRobots {
			ok, err := c.robots.Allowed(ctx, cur.URL)
			if err != nil && len(out) == 0 {
				return nil, err
			}
			if err == nil && !ok {
				cur.Blocked = true
				out = append(out, cur)
				continue
			}
		}
		out = append(out, cur)
		if cur.Depth >= opts.MaxDepth {
			continue
		}

		resp, err := c.fetch(ctx, cur.URL)
		if err != nil {
			if cur.URL == rootURL.String() {
				return nil, err
			}
			c.logger.Debug("crawl: discovery fetch failed", "url", cur.URL, "error", err)
			continue
		}
		if !resp.IsHTML() {
			continue
		}
		base, _ := url.Parse(resp.FinalURL)
		for _, link := range ExtractLinks(resp.Body, base) {
			if link.Host != host || seen[link.String()] {
				continue
			}
			seen[link.String()] = true
			if !opts.Match(link.Path) {
				continue
			}
			queue = append(queue, Found{URL: link.String(), Depth: cur.Depth + 1})
		}
	}
	return out, nil
}

// ExtractLinks returns the canonical absolute http(s) targets of every
// <a href> in body, in document order, without duplicates.
func ExtractLinks(body []byte, base *url.URL) []*url.URL {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var out []*url.URL
	dup := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				if u, err := canonical(a.Val, base); err == nil && !dup[u.String()] {
					dup[u.String()] = true
					out = append(out, u)
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)
	return out
}

// canonical resolves ref against base, drops the fragment, lowercases
// scheme and host and rejects non-http(s) targets.
func canonical(ref string, base *url.URL) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrUnsafeScheme
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
