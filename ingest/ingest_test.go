package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/sourceflow/crawl"
	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/embedding"
	"github.com/hazyhaar/sourceflow/events"
	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/ingest/internal/store"
	"github.com/hazyhaar/sourceflow/jobqueue"
	"github.com/hazyhaar/sourceflow/workflow"
)

const filler = "This paragraph explains how the product imports customer documents and keeps them searchable for every assistant. "

func htmlPage(title string, links ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<html><head><title>%s</title></head><body><main>", title)
	sb.WriteString("<p>" + strings.Repeat(filler, 4) + "</p>")
	for _, l := range links {
		fmt.Fprintf(&sb, `<a href="%s">link</a>`, l)
	}
	sb.WriteString("</main></body></html>")
	return sb.String()
}

// testSite serves / -> /a, /b and optionally /gone (404).
func testSite(t *testing.T, withBroken bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			links := []string{"/a", "/b"}
			if withBroken {
				links = append(links, "/gone")
			}
			fmt.Fprint(w, htmlPage("Home", links...))
		case "/a":
			fmt.Fprint(w, htmlPage("A", "/"))
		case "/b":
			fmt.Fprint(w, htmlPage("B"))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Crawl = crawl.Config{URLValidator: crawl.AllowAll, RequestsPerSecond: -1, PerDomainConcurrency: 4}
	cfg.Queue.Workers = 2
	cfg.Queue.MaxRetries = 2
	return cfg
}

func newTestService(t *testing.T, cfg *Config, opts ...Option) *Service {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	opts = append([]Option{
		WithEmbedder(embedding.NewHashing(64, "test-hash")),
		WithClock(jobqueue.NewFakeClock(time.Unix(1_700_000_000, 0))),
	}, opts...)
	svc, err := New(dbopen.OpenMemory(t), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func drain(t *testing.T, svc *Service) *ProcessResult {
	t.Helper()
	res, err := svc.TriggerJobProcessing(context.Background(), 0)
	require.NoError(t, err)
	return res
}

func mustSource(t *testing.T, svc *Service, id string) *SourceView {
	t.Helper()
	v, err := svc.GetSource(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestCrawl_EndToEndTrained(t *testing.T) {
	// WHAT: a three-page site goes CREATED -> CRAWLING -> COMPLETED -> TRAINING -> TRAINED.
	// WHY: the full pipeline must be driven by queued jobs alone.
	site := testSite(t, false)
	svc := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, crawl.ModeFull, res.Mode)
	assert.Equal(t, workflow.Created, res.Status)
	require.Len(t, res.Jobs, 1)

	out := drain(t, svc)
	assert.Positive(t, out.Processed)
	assert.Zero(t, out.Queue[jobqueue.Pending])
	assert.Zero(t, out.Queue[jobqueue.Failed])

	src := mustSource(t, svc, res.SourceID)
	assert.Equal(t, workflow.Trained, src.Status)
	assert.Equal(t, 100, src.Progress)
	require.NotNil(t, src.Pages)
	assert.Equal(t, 3, src.Pages.Completed)
	assert.Zero(t, src.Pages.Failed)
	assert.Positive(t, src.OriginalBytes)
	assert.Positive(t, src.CompressedBytes)

	chunks, err := svc.store.ListChunks(ctx, res.SourceID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	n, err := svc.store.CountEmbeddings(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := svc.Search(ctx, "agent_1", "customer documents searchable", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, res.SourceID, hits[0].SourceID)

	pages, err := svc.ListPages(ctx, res.SourceID)
	require.NoError(t, err)
	for _, p := range pages {
		assert.Equal(t, 1, p.ChunksCreated, p.URL)
		raw, ct, err := svc.GetCapture(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "text/html", ct)
		assert.Contains(t, string(raw), "<main>")
	}
}

func TestCrawl_FailedPageStillCompletes(t *testing.T) {
	// WHAT: one permanently failing page out of four still yields COMPLETED at 100 and then TRAINED.
	// WHY: readiness is decided by the page rollup, not by individual failures.
	site := testSite(t, true)
	svc := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)

	sub := svc.Subscribe(res.SourceID)
	defer sub.Close()
	drain(t, svc)

	var sawCompleted bool
	for len(sub.C) > 0 {
		e := <-sub.C
		if e.Kind == events.SourceUpdated && e.Status == string(workflow.Completed) {
			sawCompleted = true
			assert.Equal(t, 100, e.Progress)
		}
	}
	assert.True(t, sawCompleted, "COMPLETED must be observable before training")

	src := mustSource(t, svc, res.SourceID)
	assert.Equal(t, workflow.Trained, src.Status)
	assert.Equal(t, 100, src.Progress)
	assert.Equal(t, 3, src.Pages.Completed)
	assert.Equal(t, 1, src.Pages.Failed)
	assert.Empty(t, src.Metadata.LastError)

	pages, err := svc.ListPages(ctx, res.SourceID)
	require.NoError(t, err)
	var gone *store.Page
	for _, p := range pages {
		if strings.HasSuffix(p.URL, "/gone") {
			gone = p
		}
	}
	require.NotNil(t, gone)
	assert.Equal(t, store.PageFailed, gone.Status)
	assert.Contains(t, gone.ErrorMessage, "http 404")
}

func TestCrawl_RobotsBlockedPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, htmlPage("Home", "/private/x"))
	})
	site := httptest.NewServer(mux)
	defer site.Close()
	svc := newTestService(t, nil)

	res, err := svc.InitiateCrawl(context.Background(), CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	drain(t, svc)

	pages, err := svc.ListPages(context.Background(), res.SourceID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for _, p := range pages {
		if strings.Contains(p.URL, "/private") {
			assert.Equal(t, store.PageFailed, p.Status)
			assert.Equal(t, "robots-disallowed", p.ErrorMessage)
		}
	}
	assert.Equal(t, workflow.Trained, mustSource(t, svc, res.SourceID).Status)
}

func TestCrawl_AllPagesFailIsError(t *testing.T) {
	site := httptest.NewServer(http.NotFoundHandler())
	defer site.Close()
	svc := newTestService(t, nil)

	res, err := svc.InitiateCrawl(context.Background(), CrawlRequest{
		AgentID: "agent_1", URL: site.URL + "/missing", Options: crawl.Options{Mode: crawl.ModeSingle},
	})
	require.NoError(t, err)
	drain(t, svc)

	src := mustSource(t, svc, res.SourceID)
	assert.Equal(t, workflow.Error, src.Status)
	assert.Equal(t, "all 1 pages failed", src.Metadata.LastError)
	assert.Equal(t, "crawl_page", src.Metadata.FailedJobType)
}

func TestInitiateCrawl_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	cases := []CrawlRequest{
		{URL: "https://example.com"},
		{AgentID: "a", URL: ""},
		{AgentID: "a", URL: "ftp://example.com"},
		{AgentID: "a", URL: "/relative"},
		{AgentID: "a", URL: "https://example.com", Options: crawl.Options{Mode: "turbo"}},
	}
	for _, c := range cases {
		_, err := svc.InitiateCrawl(ctx, c)
		assert.True(t, faults.IsValidation(err), "%+v: %v", c, err)
		assert.Equal(t, http.StatusBadRequest, faults.HTTPStatus(err))
	}
}

func TestInitiateCrawl_SSRFGuardByDefault(t *testing.T) {
	cfg := DefaultConfig()
	svc := newTestService(t, cfg)
	_, err := svc.InitiateCrawl(context.Background(), CrawlRequest{AgentID: "a", URL: "http://127.0.0.1:9/"})
	assert.True(t, faults.IsValidation(err), "%v", err)
}

func TestInitiateCrawl_ReusesSourceAndRecrawls(t *testing.T) {
	// WHAT: a second crawl of the same (agent, url) re-enters CRAWLING on the existing source.
	// WHY: one website maps to one source; recrawl resets its pages instead of duplicating them.
	site := testSite(t, false)
	svc := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	drain(t, svc)

	second, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.SourceID, second.SourceID)
	assert.Equal(t, workflow.Crawling, second.Status)

	src := mustSource(t, svc, first.SourceID)
	assert.Equal(t, 0, src.Progress)
	assert.Equal(t, 3, src.Pages.Pending)

	drain(t, svc)
	src = mustSource(t, svc, first.SourceID)
	assert.Equal(t, workflow.Trained, src.Status)
	assert.Equal(t, 3, src.Pages.Total())
}

func TestInitiateCrawl_SingleModeExistingSource(t *testing.T) {
	site := testSite(t, false)
	svc := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	drain(t, svc)

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{
		AgentID: "agent_1", SourceID: first.SourceID, URL: site.URL + "/b",
		Options: crawl.Options{Mode: crawl.ModeSingle},
	})
	require.NoError(t, err)
	assert.Equal(t, first.SourceID, res.SourceID)

	src := mustSource(t, svc, first.SourceID)
	assert.Equal(t, 1, src.Pages.Pending)
	assert.Equal(t, 2, src.Pages.Completed)

	drain(t, svc)
	assert.Equal(t, workflow.Trained, mustSource(t, svc, first.SourceID).Status)
}

func TestStartRetraining_ConflictWhileActive(t *testing.T) {
	// WHAT: a second retrain while chunk/embed work is queued is rejected with 409.
	// WHY: concurrent retrains would interleave chunk replacement for the same sources.
	site := testSite(t, false)
	svc := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	drain(t, svc)

	rt, err := svc.StartRetraining(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, []string{res.SourceID}, rt.Sources)
	assert.Len(t, rt.Jobs, 1)
	assert.Equal(t, workflow.Training, mustSource(t, svc, res.SourceID).Status)

	_, err = svc.StartRetraining(ctx, "agent_1")
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
	assert.Equal(t, http.StatusConflict, faults.HTTPStatus(err))
	assert.Contains(t, err.Error(), "training already in progress")

	drain(t, svc)
	assert.Equal(t, workflow.Trained, mustSource(t, svc, res.SourceID).Status)

	_, err = svc.StartRetraining(ctx, "agent_1")
	assert.NoError(t, err)
}

func TestStartRetraining_NothingToTrain(t *testing.T) {
	svc := newTestService(t, nil)
	rt, err := svc.StartRetraining(context.Background(), "agent_empty")
	require.NoError(t, err)
	assert.Empty(t, rt.Sources)

	_, err = svc.StartRetraining(context.Background(), "")
	assert.True(t, faults.IsValidation(err))
}

func TestAddSource_TextAndQA(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	text, err := svc.AddSource(ctx, SourceRequest{
		AgentID: "agent_1", Type: store.KindText, Content: strings.Repeat(filler, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.Created, text.Status)

	qa, err := svc.AddSource(ctx, SourceRequest{
		AgentID: "agent_1", Type: store.KindQA,
		Question: "How long is the refund window?", Answer: "Thirty days.",
	})
	require.NoError(t, err)

	drain(t, svc)
	for _, id := range []string{text.ID, qa.ID} {
		src := mustSource(t, svc, id)
		assert.Equal(t, workflow.Trained, src.Status, id)
		assert.Equal(t, workflow.Training, src.PreviousStatus, id)
		assert.Nil(t, src.Pages)
	}

	chunks, err := svc.store.ListChunks(ctx, qa.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsForceCreated)
	assert.Equal(t, "Q: How long is the refund window?\nA: Thirty days.", chunks[0].Content)
}

func TestAddSource_File(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	body := []byte("# Handbook\n\n" + strings.Repeat(filler, 8))

	src, err := svc.AddSource(ctx, SourceRequest{
		AgentID: "agent_1", Type: store.KindFile, FileName: "handbook.md", Data: body,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), src.OriginalBytes)

	drain(t, svc)
	got := mustSource(t, svc, src.ID)
	assert.Equal(t, workflow.Trained, got.Status)
	assert.Equal(t, "handbook.md", got.Metadata.FileName)
	assert.Equal(t, "Handbook", got.Metadata.Title)

	raw, _, err := svc.GetCapture(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, body, raw)
}

func TestAddSource_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	cases := []SourceRequest{
		{Type: store.KindText, Content: "x"},
		{AgentID: "a", Type: "video"},
		{AgentID: "a", Type: store.KindText},
		{AgentID: "a", Type: store.KindQA},
		{AgentID: "a", Type: store.KindFile, FileName: "x.exe", Data: []byte{0x4d, 0x5a, 0x00}},
		{AgentID: "a", Type: store.KindFile, FileName: "notes.txt"},
	}
	for _, c := range cases {
		_, err := svc.AddSource(ctx, c)
		assert.True(t, faults.IsValidation(err), "%+v: %v", c.Type, err)
	}
}

func TestAddSource_UnusableTextIsError(t *testing.T) {
	svc := newTestService(t, nil)
	src, err := svc.AddSource(context.Background(), SourceRequest{AgentID: "a", Type: store.KindText, Content: "ok"})
	require.NoError(t, err)
	drain(t, svc)

	got := mustSource(t, svc, src.ID)
	assert.Equal(t, workflow.Error, got.Status)
	assert.Equal(t, "chunk", got.Metadata.FailedJobType)
}

func TestRequestRemoval(t *testing.T) {
	// WHAT: removal purges pages, chunks, vectors and captures and leaves a REMOVED tombstone.
	// WHY: deleted knowledge must stop being searchable while the id stays resolvable.
	site := testSite(t, false)
	svc := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	drain(t, svc)
	require.Equal(t, workflow.Trained, mustSource(t, svc, res.SourceID).Status)

	src, err := svc.RequestRemoval(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PendingRemoval, src.Status)
	assert.True(t, src.PendingDeletion)

	_, err = svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	assert.True(t, faults.IsConflict(err))

	drain(t, svc)
	got := mustSource(t, svc, res.SourceID)
	assert.Equal(t, workflow.Removed, got.Status)
	assert.Zero(t, got.Pages.Total())

	n, err := svc.store.CountEmbeddings(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Zero(t, n)
	hits, err := svc.Search(ctx, "agent_1", "customer documents", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	again, err := svc.RequestRemoval(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Removed, again.Status)

	_, err = svc.RequestRemoval(ctx, "src_ghost")
	assert.True(t, faults.IsValidation(err))
}

func TestTriggerStatusAggregation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.TriggerStatusAggregation(ctx, "src_ghost")
	assert.True(t, faults.IsValidation(err))

	text, err := svc.AddSource(ctx, SourceRequest{AgentID: "a", Type: store.KindText, Content: filler})
	require.NoError(t, err)
	_, err = svc.TriggerStatusAggregation(ctx, text.ID)
	assert.True(t, faults.IsValidation(err))

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "a", URL: "https://docs.example.org"})
	require.NoError(t, err)
	out, err := svc.TriggerStatusAggregation(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", string(out.Result))
	assert.Equal(t, workflow.Created, out.Status)
}

func TestTriggerJobProcessing_MaxJobs(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	for i := range 3 {
		_, err := svc.AddSource(ctx, SourceRequest{AgentID: "a", Type: store.KindText, Content: fmt.Sprintf("%s %d", strings.Repeat(filler, 3), i)})
		require.NoError(t, err)
	}

	res, err := svc.TriggerJobProcessing(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Positive(t, res.Queue[jobqueue.Pending])

	_, err = svc.TriggerJobProcessing(ctx, -1)
	assert.True(t, faults.IsValidation(err))
}

func TestRun_ResidentWorkers(t *testing.T) {
	// WHAT: the resident pool processes jobs without explicit triggers.
	// WHY: serve mode relies on polling workers and the page-event subscriber.
	site := testSite(t, false)
	cfg := testConfig()
	cfg.Queue.PollInterval = 10 * time.Millisecond
	svc := newTestService(t, cfg, WithClock(jobqueue.SystemClock{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	res, err := svc.InitiateCrawl(context.Background(), CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := svc.GetSource(context.Background(), res.SourceID)
		return err == nil && v.Status == workflow.Trained
	}, 10*time.Second, 20*time.Millisecond)
}

func TestWarmIndex(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	src, err := svc.AddSource(ctx, SourceRequest{AgentID: "agent_1", Type: store.KindText, Content: strings.Repeat(filler, 3)})
	require.NoError(t, err)
	drain(t, svc)

	require.NoError(t, svc.index.DeleteSource(ctx, "agent_1", src.ID))
	assert.Zero(t, svc.index.Count("agent_1"))
	require.NoError(t, svc.WarmIndex(ctx))
	assert.Positive(t, svc.index.Count("agent_1"))
}

func TestCrawl_AbandonedPageFailsAndSourceCompletes(t *testing.T) {
	// WHAT: a crawl_page job whose worker dies at the retry cap fails its page and the source still completes.
	// WHY: a page left in_progress would keep the parent in CRAWLING forever.
	site := testSite(t, false)
	cfg := testConfig()
	cfg.Queue.MaxRetries = 1
	clock := jobqueue.NewFakeClock(time.Unix(1_700_000_000, 0))
	svc := newTestService(t, cfg, WithClock(clock))
	ctx := context.Background()

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	_, err = svc.TriggerJobProcessing(ctx, 1)
	require.NoError(t, err)

	jobs, err := svc.queue.Claim(ctx, "dead-worker", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, jobqueue.CrawlPage, jobs[0].Type)
	_, _, err = svc.store.StartPage(ctx, jobs[0].TargetID, 0)
	require.NoError(t, err)

	clock.Advance(cfg.Queue.StuckTimeout + time.Minute)
	drain(t, svc)

	j, err := svc.queue.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Failed, j.Status)

	pages, err := svc.ListPages(ctx, res.SourceID)
	require.NoError(t, err)
	var failed int
	for _, p := range pages {
		if p.ID == jobs[0].TargetID {
			assert.Equal(t, store.PageFailed, p.Status)
			assert.Contains(t, p.ErrorMessage, "abandoned")
			failed++
		}
	}
	require.Equal(t, 1, failed)

	src := mustSource(t, svc, res.SourceID)
	assert.Equal(t, workflow.Trained, src.Status)
	assert.Equal(t, 100, src.Progress)
	assert.Equal(t, 2, src.Pages.Completed)
	assert.Equal(t, 1, src.Pages.Failed)
}

func TestInitiateCrawl_CompletedSourceConflicts(t *testing.T) {
	// WHAT: a recrawl of a source that finished crawling but has not trained yet is a conflict.
	// WHY: COMPLETED -> CRAWLING is not a lifecycle edge; the source must reach TRAINED or ERROR first.
	site := testSite(t, false)
	svc := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", URL: site.URL})
	require.NoError(t, err)
	for range 20 {
		if mustSource(t, svc, res.SourceID).Status == workflow.Completed {
			break
		}
		_, err := svc.TriggerJobProcessing(ctx, 1)
		require.NoError(t, err)
	}
	require.Equal(t, workflow.Completed, mustSource(t, svc, res.SourceID).Status)

	_, err = svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", SourceID: res.SourceID, URL: site.URL})
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))
	assert.Equal(t, workflow.Completed, mustSource(t, svc, res.SourceID).Status)

	drain(t, svc)
	assert.Equal(t, workflow.Trained, mustSource(t, svc, res.SourceID).Status)
	_, err = svc.InitiateCrawl(ctx, CrawlRequest{AgentID: "agent_1", SourceID: res.SourceID, URL: site.URL})
	require.NoError(t, err)
}
