// Package ingest is the source ingestion service: it turns websites,
// files, text and Q&A pairs into trained, searchable chunks.
//
// Every step runs as a background job (discover, crawl_page,
// aggregate_status, chunk, embed, delete) so any number of worker
// processes can share one database. The RPC operations only validate,
// write the initial rows and enqueue work.
//
//	svc, err := ingest.New(db, cfg, ingest.WithLogger(logger))
//	res, err := svc.InitiateCrawl(ctx, ingest.CrawlRequest{AgentID: "a1", URL: "https://example.com"})
//	go svc.Run(ctx) // resident workers
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/sourceflow/crawl"
	"github.com/hazyhaar/sourceflow/docpipe"
	"github.com/hazyhaar/sourceflow/embedding"
	"github.com/hazyhaar/sourceflow/events"
	"github.com/hazyhaar/sourceflow/ingest/internal/aggregate"
	"github.com/hazyhaar/sourceflow/ingest/internal/store"
	"github.com/hazyhaar/sourceflow/jobqueue"
	"github.com/hazyhaar/sourceflow/observability"
	"github.com/hazyhaar/sourceflow/workflow"
)

// Service wires the store, the job queue, the crawler and the embedder.
type Service struct {
	cfg     *Config
	store   *store.Store
	queue   *jobqueue.Queue
	pool    *jobqueue.Pool
	agg     *aggregate.Aggregator
	crawler *crawl.Crawler
	docs    *docpipe.Pipeline
	emb     embedding.Embedder
	index   *embedding.Index
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
	targets map[string]int
	nc      *nats.Conn

	validateURL func(string) error
}

type options struct {
	logger    *slog.Logger
	metrics   *observability.Metrics
	publisher events.Publisher
	embedder  embedding.Embedder
	renderer  crawl.Renderer
	clock     jobqueue.Clock
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics. Default: a private registry.
func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithPublisher adds an external event sink next to the in-process bus.
// It replaces the NATS bridge built from Config.Events.
func WithPublisher(p events.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithEmbedder overrides the embedder built from Config.Embed.
func WithEmbedder(e embedding.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithRenderer sets the headless renderer used for SPA pages.
func WithRenderer(r crawl.Renderer) Option { return func(o *options) { o.renderer = r } }

// WithClock sets the job queue clock, for tests.
func WithClock(c jobqueue.Clock) Option { return func(o *options) { o.clock = c } }

// New builds a Service over db and applies every schema.
func New(db *sql.DB, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	logger := o.logger

	svc := &Service{
		cfg:     cfg,
		metrics: o.metrics,
		logger:  logger,
		targets: chunkTargets(cfg.Chunk),
	}

	svc.bus = events.NewBus(events.WithDropHook(func(events.Event) { svc.metrics.EventDropped() }))
	pubs := events.Multi{svc.bus}
	switch {
	case o.publisher != nil:
		pubs = append(pubs, o.publisher)
	case cfg.Events.NATSURL != "":
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name("sourceflow"))
		if err != nil {
			return nil, fmt.Errorf("ingest: nats connect: %w", err)
		}
		svc.nc = nc
		pubs = append(pubs, events.NewNATSPublisher(nc, cfg.Events.Subject, logger))
	}

	svc.store = store.New(db, pubs)
	svc.store.OnTransition(func(_, to workflow.Status) { svc.metrics.TransitionApplied(string(to)) })
	ctx := context.Background()
	if err := svc.store.EnsureSchema(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	svc.queue = jobqueue.New(db, jobqueue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Backoff:    jobqueue.Backoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax},
		Clock:      o.clock,
		Recorder:   svc.metrics,
		Logger:     logger,
	})
	if err := svc.queue.EnsureTable(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("ingest: job table: %w", err)
	}

	crawlCfg := cfg.Crawl
	crawlCfg.Logger = logger
	copts := []crawl.Option{crawl.WithRecorder(svc.metrics)}
	if o.renderer != nil {
		copts = append(copts, crawl.WithRenderer(o.renderer))
	}
	svc.crawler = crawl.New(crawlCfg, copts...)
	svc.validateURL = crawlCfg.URLValidator
	if svc.validateURL == nil {
		svc.validateURL = crawl.ValidateURL
	}

	filesCfg := cfg.Files
	filesCfg.Logger = logger
	svc.docs = docpipe.New(filesCfg)

	svc.emb = o.embedder
	if svc.emb == nil {
		embCfg := cfg.Embed.Config
		embCfg.Logger = logger
		svc.emb = embedding.New(embCfg)
	}
	index, err := embedding.NewIndex(svc.emb, cfg.Embed.IndexPath)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.index = index

	svc.agg = aggregate.New(svc.store, svc.metrics, logger)
	svc.pool = jobqueue.NewPool(svc.queue, jobqueue.PoolOptions{
		WorkerID:        cfg.Queue.WorkerID,
		Concurrency:     cfg.Queue.Workers,
		BatchSize:       cfg.Queue.BatchSize,
		PollInterval:    cfg.Queue.PollInterval,
		StuckTimeout:    cfg.Queue.StuckTimeout,
		RecoverInterval: cfg.Queue.RecoverInterval,
		JobTimeout:      cfg.Queue.JobTimeout,
		OnDead:          svc.onDead,
		Logger:          logger,
	})
	svc.registerHandlers()
	return svc, nil
}

// Run starts the page-event subscriber and the resident worker pool and
// blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if err := s.WarmIndex(ctx); err != nil {
		s.logger.Warn("ingest: index warm-up failed", "error", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watchPages(ctx)
	}()
	s.pool.Run(ctx)
	<-done
}

// Close releases the headless browser and the NATS connection.
func (s *Service) Close() error {
	var err error
	if s.crawler != nil {
		err = s.crawler.Close()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	return err
}

// Subscribe returns change events for sourceID (all sources when empty).
// The caller must Close the subscription.
func (s *Service) Subscribe(sourceID string) *events.Subscription {
	return s.bus.Subscribe(sourceID, s.cfg.Events.Buffer)
}

// QueueStats counts jobs by status.
func (s *Service) QueueStats(ctx context.Context) (map[jobqueue.Status]int, error) {
	return s.queue.Stats(ctx)
}

// WarmIndex loads the stored vectors of every trained source into the
// similarity index. Needed when the index is not persisted.
func (s *Service) WarmIndex(ctx context.Context) error {
	sources, err := s.store.ListSources(ctx, store.Filter{Statuses: []workflow.Status{workflow.Trained}})
	if err != nil {
		return err
	}
	for _, src := range sources {
		if err := s.indexSource(ctx, src); err != nil {
			return err
		}
	}
	if len(sources) > 0 {
		s.logger.Info("ingest: index warmed", "sources", len(sources))
	}
	return nil
}

func (s *Service) indexSource(ctx context.Context, src *store.Source) error {
	embedded, err := s.store.ListEmbedded(ctx, src.ID)
	if err != nil {
		return err
	}
	docs := make([]embedding.Document, len(embedded))
	for i, e := range embedded {
		docs[i] = embedding.Document{ChunkID: e.Chunk.ID, SourceID: src.ID, Content: e.Chunk.Content, Vector: e.Vector}
	}
	if err := s.index.DeleteSource(ctx, src.AgentID, src.ID); err != nil {
		return err
	}
	return s.index.Add(ctx, src.AgentID, docs)
}

// watchPages enqueues an aggregate_status job for every page event. The
// pending-job uniqueness of the queue coalesces bursts for one parent.
func (s *Service) watchPages(ctx context.Context) {
	sub := s.Subscribe("")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !e.Kind.IsPage() {
				continue
			}
			if err := s.enqueue(ctx, jobqueue.AggregateStatus, e.SourceID, jobqueue.PriorityLow, nil); err != nil && ctx.Err() == nil {
				s.logger.Warn("ingest: enqueue aggregate failed", "source_id", e.SourceID, "error", err)
			}
		}
	}
}

func (s *Service) enqueue(ctx context.Context, t jobqueue.JobType, target string, prio int, payload []byte) error {
	_, _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueRequest{Type: t, TargetID: target, Priority: prio, Payload: payload})
	return err
}
