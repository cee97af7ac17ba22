package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/sourceflow/faults"
)

const filler = "This paragraph explains how the product handles imported documents and keeps them searchable for every agent. "

func page(links ...string) string {
	var sb strings.Builder
	sb.WriteString("<html><head><title>Docs</title></head><body><main>")
	sb.WriteString("<p>" + strings.Repeat(filler, 4) + "</p>")
	for _, l := range links {
		fmt.Fprintf(&sb, `<a href="%s">link</a>`, l)
	}
	sb.WriteString("</main></body></html>")
	return sb.String()
}

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, page("/a", "/b#section", "/private/x", "/blog/post", "https://elsewhere.example/", "mailto:x@y.z"))
		case "/a":
			fmt.Fprint(w, page("/c", "/"))
		case "/c":
			fmt.Fprint(w, page("/d"))
		case "/b", "/d", "/blog/post", "/private/x":
			fmt.Fprint(w, page())
		case "/gone":
			http.NotFound(w, r)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testCrawler(opts ...Option) *Crawler {
	return New(Config{URLValidator: AllowAll, RequestsPerSecond: -1, PerDomainConcurrency: 4}, opts...)
}

func urls(found []Found) []string {
	out := make([]string, len(found))
	for i, f := range found {
		u, _ := url.Parse(f.URL)
		out[i] = u.Path
	}
	return out
}

func TestDiscover_SameHostBreadthFirst(t *testing.T) {
	// WHAT: discovery follows same-host links only, dedups fragments, stops at depth.
	// WHY: an unbounded walk would leave the site or crawl forever.
	srv := testSite(t)
	c := testCrawler()

	found, err := c.Discover(context.Background(), srv.URL, Options{MaxPages: 50, MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/a", "/b", "/private/x", "/blog/post"}, urls(found))
}

func TestDiscover_MaxPages(t *testing.T) {
	srv := testSite(t)
	found, err := testCrawler().Discover(context.Background(), srv.URL, Options{MaxPages: 3, MaxDepth: 5})
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func TestDiscover_DeepLinks(t *testing.T) {
	srv := testSite(t)
	found, err := testCrawler().Discover(context.Background(), srv.URL, Options{MaxPages: 50, MaxDepth: 3})
	require.NoError(t, err)
	assert.Contains(t, urls(found), "/c")
	assert.Contains(t, urls(found), "/d")
}

func TestDiscover_IncludeExclude(t *testing.T) {
	srv := testSite(t)
	found, err := testCrawler().Discover(context.Background(), srv.URL, Options{
		MaxPages: 50, MaxDepth: 1,
		IncludePaths: []string{"/blog/**", "/a", "private/**"},
		ExcludePaths: []string{"/private/**"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/a", "/blog/post"}, urls(found))
}

func TestDiscover_RobotsBlocked(t *testing.T) {
	// WHAT: robots-disallowed URLs are reported as blocked and never fetched.
	// WHY: they become failed pages with reason robots-disallowed.
	srv := testSite(t)
	found, err := testCrawler().Discover(context.Background(), srv.URL, Options{MaxPages: 50, MaxDepth: 1, RespectRobots: true})
	require.NoError(t, err)

	var blocked []string
	for _, f := range found {
		if f.Blocked {
			blocked = append(blocked, f.URL)
		}
	}
	assert.Equal(t, []string{srv.URL + "/private/x"}, blocked)
}

func TestDiscover_RootFailureAborts(t *testing.T) {
	srv := testSite(t)
	_, err := testCrawler().Discover(context.Background(), srv.URL+"/gone", Options{})
	require.Error(t, err)
	assert.False(t, faults.Retryable(err))
}

func TestFetchPage_RobotsLookupTakesRateToken(t *testing.T) {
	// WHAT: the robots.txt request spends a rate token, so the page request waits for the next one.
	// WHY: the per-domain limit applies before every request sent to the host.
	srv := testSite(t)
	c := New(Config{URLValidator: AllowAll, RequestsPerSecond: 10, Burst: 1, PerDomainConcurrency: 4})

	start := time.Now()
	_, err := c.FetchPage(context.Background(), srv.URL+"/b", true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestFetchPage_Classification(t *testing.T) {
	srv := testSite(t)
	c := testCrawler()
	ctx := context.Background()

	_, err := c.FetchPage(ctx, srv.URL+"/gone", false)
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err), "404 is permanent")

	_, err = c.FetchPage(ctx, srv.URL+"/busy", false)
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err), "503 is transient")

	_, err = c.FetchPage(ctx, srv.URL+"/private/x", true)
	require.ErrorIs(t, err, ErrDisallowed)

	p, err := c.FetchPage(ctx, srv.URL+"/a", true)
	require.NoError(t, err)
	assert.Equal(t, "Docs", p.Title)
	assert.Contains(t, p.Text, "imported documents")
	assert.Len(t, p.Hash, 64)
	assert.False(t, p.Rendered)
}

func TestFetchPage_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 2048))
	}))
	defer srv.Close()

	c := New(Config{URLValidator: AllowAll, MaxBodyBytes: 1024})
	_, err := c.FetchPage(context.Background(), srv.URL, false)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, faults.Retryable(err))
}

func TestFetchPage_SSRFBlocked(t *testing.T) {
	srv := testSite(t)
	c := New(Config{})
	_, err := c.FetchPage(context.Background(), srv.URL+"/a", false)
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
}

type fakeRenderer struct{ calls atomic.Int32 }

func (f *fakeRenderer) Render(_ context.Context, _ string) ([]byte, error) {
	f.calls.Add(1)
	return []byte(page()), nil
}

func TestFetchPage_RendersSPAShell(t *testing.T) {
	// WHAT: an SPA shell is re-rendered; a content page is not.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/spa" {
			fmt.Fprint(w, `<html><body><div id="root"></div><script src="/app.js"></script></body></html>`)
			return
		}
		fmt.Fprint(w, page())
	}))
	defer srv.Close()

	r := &fakeRenderer{}
	c := testCrawler(WithRenderer(r))

	p, err := c.FetchPage(context.Background(), srv.URL+"/spa", false)
	require.NoError(t, err)
	assert.True(t, p.Rendered)
	assert.Contains(t, p.Text, "imported documents")

	p, err = c.FetchPage(context.Background(), srv.URL+"/static", false)
	require.NoError(t, err)
	assert.False(t, p.Rendered)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestValidateURL(t *testing.T) {
	for _, u := range []string{"http://127.0.0.1/", "http://10.1.2.3/x", "http://[::1]/", "http://169.254.169.254/latest"} {
		assert.ErrorIs(t, ValidateURL(u), ErrSSRF, u)
	}
	assert.ErrorIs(t, ValidateURL("file:///etc/passwd"), ErrUnsafeScheme)
	assert.NoError(t, ValidateURL("https://93.184.216.34/"))
}

func TestDomainLimiter_DelaysNotDrops(t *testing.T) {
	// WHAT: a second request to a saturated host waits for the first to release.
	// WHY: over-limit requests are delayed, never dropped.
	d := NewDomainLimiter(-1, 1, 1)
	ctx := context.Background()

	rel1, err := d.Acquire(ctx, "example.com")
	require.NoError(t, err)

	got := make(chan struct{})
	go func() {
		rel2, err := d.Acquire(ctx, "example.com")
		if err == nil {
			rel2()
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("second acquire should block")
	case <-time.After(50 * time.Millisecond):
	}

	other, err := d.Acquire(ctx, "other.com")
	require.NoError(t, err, "other hosts are independent")
	other()

	rel1()
	rel1() // idempotent
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded")
	}
	assert.Equal(t, 0, d.InFlight("example.com"))
}

func TestDomainLimiter_CancelWhileWaiting(t *testing.T) {
	d := NewDomainLimiter(-1, 1, 1)
	rel, err := d.Acquire(context.Background(), "h")
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Acquire(ctx, "h")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsSufficient(t *testing.T) {
	assert.True(t, IsSufficient([]byte(page())))
	assert.False(t, IsSufficient([]byte(`<html><body><div id="app"></div></body></html>`)))
	shell := `<html><head><script>` + strings.Repeat("var a=1;", 200) + `</script></head><body><div id="app"></div></body></html>`
	assert.False(t, IsSufficient([]byte(shell)))
}

func TestOptions(t *testing.T) {
	o := Options{}
	o.Defaults()
	assert.Equal(t, 100, o.MaxPages)
	assert.Equal(t, 3, o.MaxDepth)
	assert.Equal(t, ModeFull, o.Mode)

	bad := Options{Mode: "sideways"}
	assert.True(t, faults.IsValidation(bad.Validate()))
	bad = Options{IncludePaths: []string{"/a/[b"}}
	assert.True(t, faults.IsValidation(bad.Validate()))
}
