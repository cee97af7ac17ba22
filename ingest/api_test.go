package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/sourceflow/observability"
	"github.com/hazyhaar/sourceflow/workflow"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func call(t *testing.T, h http.Handler, method, path, body string, header ...string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out apiResponse
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestAPI_CrawlProcessAndRead(t *testing.T) {
	// WHAT: the four RPC operations work end to end over HTTP with the success envelope.
	// WHY: the HTTP surface is how hosts drive the pipeline without resident workers.
	site := testSite(t, false)
	reg := prometheus.NewRegistry()
	svc := newTestService(t, nil, WithMetrics(observability.NewMetrics(reg)))
	h := svc.Handler(reg)

	code, resp := call(t, h, http.MethodPost, "/api/crawl", `{"agentId":"agent_1","url":"`+site.URL+`"}`)
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	require.True(t, resp.Success)
	var crawled CrawlResult
	require.NoError(t, json.Unmarshal(resp.Data, &crawled))
	assert.True(t, crawled.Created)

	code, resp = call(t, h, http.MethodPost, "/api/jobs/process", `{"maxJobs":0}`)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var processed ProcessResult
	require.NoError(t, json.Unmarshal(resp.Data, &processed))
	assert.Positive(t, processed.Processed)

	code, resp = call(t, h, http.MethodGet, "/api/sources/"+crawled.SourceID, "")
	require.Equal(t, http.StatusOK, code)
	var view struct {
		Status   workflow.Status `json:"workflow_status"`
		Progress int             `json:"progress"`
		Pages    PageCounts      `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, workflow.Trained, view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, 3, view.Pages.Completed)

	code, resp = call(t, h, http.MethodPost, "/api/sources/"+crawled.SourceID+"/aggregate", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Contains(t, string(resp.Data), `"skipped"`)

	code, resp = call(t, h, http.MethodPost, "/api/agents/agent_1/retrain", "")
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	code, resp = call(t, h, http.MethodPost, "/api/agents/agent_1/retrain", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "training already in progress")

	code, _ = call(t, h, http.MethodPost, "/api/jobs/process", "")
	require.Equal(t, http.StatusOK, code)

	code, resp = call(t, h, http.MethodGet, "/api/agents/agent_1/search?q=customer+documents&k=2", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Contains(t, string(resp.Data), crawled.SourceID)

	code, resp = call(t, h, http.MethodGet, "/api/sources/"+crawled.SourceID+"/pages", "")
	require.Equal(t, http.StatusOK, code)
	var pages []Page
	require.NoError(t, json.Unmarshal(resp.Data, &pages))
	assert.Len(t, pages, 3)

	req := httptest.NewRequest(http.MethodGet, "/api/captures/"+pages[0].ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))

	code, resp = call(t, h, http.MethodGet, "/api/jobs?status=failed", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "null", strings.TrimSpace(string(resp.Data)))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sourceflow_")
}

func TestAPI_ErrorsUseEnvelope(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler(nil)

	code, resp := call(t, h, http.MethodPost, "/api/crawl", `{"agentId":"a","url":"ftp://x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	code, resp = call(t, h, http.MethodPost, "/api/crawl", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "invalid JSON")

	code, _ = call(t, h, http.MethodGet, "/api/sources/src_ghost", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, h, http.MethodGet, "/api/agents/a/search", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_AddAndRemoveSource(t *testing.T) {
	svc := newTestService(t, nil)
	h := svc.Handler(nil)

	code, resp := call(t, h, http.MethodPost, "/api/sources",
		`{"agentId":"a","type":"qa","question":"Where is the office?","answer":"In the old harbour building."}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var src Source
	require.NoError(t, json.Unmarshal(resp.Data, &src))
	assert.Equal(t, workflow.Created, src.Status)

	code, resp = call(t, h, http.MethodDelete, "/api/sources/"+src.ID, "")
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, &src))
	assert.Equal(t, workflow.PendingRemoval, src.Status)

	call(t, h, http.MethodPost, "/api/jobs/process", "")
	_, resp = call(t, h, http.MethodGet, "/api/sources/"+src.ID, "")
	require.NoError(t, json.Unmarshal(resp.Data, &src))
	assert.Equal(t, workflow.Removed, src.Status)

	code, resp = call(t, h, http.MethodGet, "/api/agents/a/sources", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), src.ID)
}

func TestAPI_BearerToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.HTTP.TokenHash = string(hash)
	h := newTestService(t, cfg).Handler(nil)

	code, resp := call(t, h, http.MethodGet, "/api/agents/a/sources", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)

	code, _ = call(t, h, http.MethodGet, "/api/agents/a/sources", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = call(t, h, http.MethodGet, "/api/agents/a/sources", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.RequestsPerSecond = 0.001
	cfg.HTTP.Burst = 2
	h := newTestService(t, cfg).Handler(nil)

	for range 2 {
		code, _ := call(t, h, http.MethodGet, "/api/agents/a/sources", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, resp := call(t, h, http.MethodGet, "/api/agents/a/sources", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.False(t, resp.Success)
}

func TestClientLimiter_PerClient(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now))
	assert.True(t, l.allow("10.0.0.1", now.Add(time.Second)))
}

func TestAPI_EventStream(t *testing.T) {
	// WHAT: the SSE stream delivers the source's change events as they happen.
	// WHY: UIs observe progress without polling get_source.
	svc := newTestService(t, nil)
	srv := httptest.NewServer(svc.Handler(nil))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, err := svc.AddSource(ctx, SourceRequest{AgentID: "a", Type: "text", Content: strings.Repeat(filler, 3)})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sources/"+src.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go svc.TriggerJobProcessing(context.Background(), 0)

	sc := bufio.NewScanner(resp.Body)
	var statuses []string
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		statuses = append(statuses, e.Status)
		if e.Status == string(workflow.Trained) {
			break
		}
	}
	assert.Contains(t, statuses, string(workflow.Crawling))
	assert.Contains(t, statuses, string(workflow.Trained))
}

func TestMCP_Tools(t *testing.T) {
	// WHAT: the RPC operations are callable as MCP tools and domain errors come back as tool errors.
	// WHY: agents drive ingestion through MCP with the same semantics as HTTP.
	svc := newTestService(t, nil)
	ctx := context.Background()

	srv := mcp.NewServer(&mcp.Implementation{Name: "sourceflow-test", Version: "0.0.1"}, nil)
	svc.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	_, err := srv.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	for _, want := range []string{"initiate_crawl", "trigger_job_processing", "trigger_status_aggregation", "start_retraining"} {
		assert.Contains(t, names, want)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "add_source",
		Arguments: map[string]any{"agentId": "agent_1", "type": "text", "content": strings.Repeat(filler, 3)},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	var src Source
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &src))

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "trigger_job_processing", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "get_source", Arguments: map[string]any{"sourceId": src.ID}})
	require.NoError(t, err)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, `"workflow_status":"TRAINED"`)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "start_retraining", Arguments: map[string]any{"agentId": "agent_1"}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "start_retraining", Arguments: map[string]any{"agentId": "agent_1"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "training already in progress")

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "initiate_crawl", Arguments: map[string]any{"agentId": "agent_1", "url": "gopher://x"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
