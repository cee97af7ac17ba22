package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/jobqueue"
	"github.com/hazyhaar/sourceflow/kit"
)

// maxBodyBytes bounds request bodies; file uploads arrive base64 in JSON.
const maxBodyBytes = 64 << 20

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, code int, v any) {
	writeJSON(w, code, envelope{Success: true, Data: v})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, faults.HTTPStatus(err), envelope{Error: err.Error()})
}

// Handler returns the HTTP API. gatherer serves /metrics when non-nil.
func (s *Service) Handler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestContext)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.QueueStats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": stats})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		if s.cfg.HTTP.RequestsPerSecond > 0 {
			r.Use(newClientLimiter(s.cfg.HTTP.RequestsPerSecond, s.cfg.HTTP.Burst).middleware)
		}

		r.Post("/api/crawl", serve(s.initiateCrawlEndpoint(), decodeBody[CrawlRequest], http.StatusAccepted))
		r.Post("/api/jobs/process", serve(s.processEndpoint(), decodeBody[ProcessRequest], http.StatusOK))
		r.Get("/api/jobs", serve(s.listJobsEndpoint(), decodeJobsQuery, http.StatusOK))

		r.Post("/api/sources", serve(s.addSourceEndpoint(), decodeBody[SourceRequest], http.StatusCreated))
		r.Get("/api/sources/{id}", serve(s.getSourceEndpoint(), decodeSourceID, http.StatusOK))
		r.Delete("/api/sources/{id}", serve(s.removeEndpoint(), decodeSourceID, http.StatusAccepted))
		r.Get("/api/sources/{id}/pages", serve(s.listPagesEndpoint(), decodeSourceID, http.StatusOK))
		r.Post("/api/sources/{id}/aggregate", serve(s.aggregateEndpoint(), decodeSourceID, http.StatusOK))
		r.Get("/api/sources/{id}/events", s.streamEvents)
		r.Get("/api/captures/{id}", s.serveCapture)

		r.Get("/api/agents/{agentID}/sources", serve(s.listSourcesEndpoint(), decodeAgent, http.StatusOK))
		r.Post("/api/agents/{agentID}/retrain", serve(s.retrainEndpoint(), decodeAgent, http.StatusAccepted))
		r.Get("/api/agents/{agentID}/search", serve(s.searchEndpoint(), decodeSearch, http.StatusOK))

		srv := mcp.NewServer(&mcp.Implementation{Name: "sourceflow", Version: "1.0.0"}, nil)
		s.RegisterMCP(srv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	})
	return r
}

// serve adapts an endpoint to HTTP: decode, call, wrap in the envelope.
func serve(ep kit.Endpoint, decode func(*http.Request) (any, error), okCode int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, okCode, resp)
	}
}

func decodeBody[T any](r *http.Request) (any, error) {
	var v T
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, faults.Validation("body", "read: %v", err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, faults.Validation("body", "invalid JSON: %v", err)
		}
	}
	return &v, nil
}

func decodeSourceID(r *http.Request) (any, error) {
	return &SourceIDRequest{SourceID: chi.URLParam(r, "id")}, nil
}

func decodeAgent(r *http.Request) (any, error) {
	return &AgentRequest{AgentID: chi.URLParam(r, "agentID")}, nil
}

func decodeSearch(r *http.Request) (any, error) {
	return &SearchRequest{
		AgentID: chi.URLParam(r, "agentID"),
		Query:   r.URL.Query().Get("q"),
		K:       queryInt(r, "k", 5),
	}, nil
}

func decodeJobsQuery(r *http.Request) (any, error) {
	q := r.URL.Query()
	return &JobsRequest{
		Status:   jobqueue.Status(q.Get("status")),
		Type:     jobqueue.JobType(q.Get("type")),
		TargetID: q.Get("target"),
		Limit:    queryInt(r, "limit", 100),
	}, nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// requestContext copies the chi request id and the client address into
// the kit context keys read by the endpoint middlewares.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = kit.WithRemoteAddr(ctx, clientAddr(r))
		ctx = kit.WithTransport(ctx, "http")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireToken checks the bearer token against the configured bcrypt hash.
// No hash configured means no auth.
func (s *Service) requireToken(next http.Handler) http.Handler {
	hash := []byte(s.cfg.HTTP.TokenHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(hash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			writeError(w, faults.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one token bucket per client address. Idle buckets
// are swept once the map grows past maxClients.
type clientLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const maxClients = 4096

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{rps: rate.Limit(rps), burst: burst, clients: make(map[string]*clientBucket)}
}

func (l *clientLimiter) allow(addr string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[addr]
	if !ok {
		if len(l.clients) >= maxClients {
			for k, v := range l.clients {
				if now.Sub(v.seen) > time.Minute {
					delete(l.clients, k)
				}
			}
		}
		b = &clientBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.clients[addr] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddr(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, faults.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// streamEvents streams the source's change events as server-sent events
// until the client goes away.
func (s *Service) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.GetSource(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("ingest: streaming unsupported"))
		return
	}
	sub := s.Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}

// serveCapture returns the archived raw bytes of a page or file source.
func (s *Service) serveCapture(w http.ResponseWriter, r *http.Request) {
	data, ct, err := s.GetCapture(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// ListenAndServe serves Handler on cfg.HTTP.Addr until ctx is cancelled.
func (s *Service) ListenAndServe(ctx context.Context, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Handler(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ingest: http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}
