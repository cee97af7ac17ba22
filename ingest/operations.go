package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hazyhaar/sourceflow/crawl"
	"github.com/hazyhaar/sourceflow/docpipe"
	"github.com/hazyhaar/sourceflow/embedding"
	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/idgen"
	"github.com/hazyhaar/sourceflow/ingest/internal/aggregate"
	"github.com/hazyhaar/sourceflow/ingest/internal/store"
	"github.com/hazyhaar/sourceflow/jobqueue"
	"github.com/hazyhaar/sourceflow/workflow"
)

// Re-exported store types for callers outside the module tree.
type (
	Source     = store.Source
	Page       = store.Page
	PageCounts = store.PageCounts
	Kind       = store.Kind
)

// CrawlRequest is the input of InitiateCrawl.
type CrawlRequest struct {
	AgentID string `json:"agentId"`
	URL     string `json:"url"`
	// SourceID targets an existing website source; URL may then be any
	// page of it (single and recrawl modes).
	SourceID string        `json:"sourceId,omitempty"`
	Options  crawl.Options `json:"options"`
	// RespectRobots defaults to true; Options.RespectRobots is ignored.
	RespectRobots *bool `json:"respectRobots,omitempty"`
}

// CrawlResult reports what InitiateCrawl did.
type CrawlResult struct {
	SourceID string          `json:"sourceId"`
	Created  bool            `json:"created"`
	Mode     crawl.Mode      `json:"mode"`
	Status   workflow.Status `json:"status"`
	Jobs     []string        `json:"jobs"`
}

// InitiateCrawl creates the website source for (agent, url) or re-enters
// the pipeline for an existing one, then enqueues discovery or the
// crawl_page job for a single URL.
func (s *Service) InitiateCrawl(ctx context.Context, req CrawlRequest) (*CrawlResult, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, faults.Validation("agentId", "required")
	}
	rawURL, err := s.checkURL(req.URL)
	if err != nil {
		return nil, err
	}
	opts := req.Options
	opts.RespectRobots = req.RespectRobots == nil || *req.RespectRobots
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.Defaults()

	src, err := s.lookupWebsite(ctx, req.AgentID, req.SourceID, rawURL)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return s.createWebsite(ctx, req.AgentID, rawURL, opts)
	}
	return s.recrawl(ctx, src, rawURL, opts)
}

func (s *Service) checkURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", faults.Validation("url", "not an absolute URL: %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", faults.Validation("url", "scheme %q not allowed", u.Scheme)
	}
	if err := s.validateURL(raw); err != nil {
		return "", faults.Validation("url", "%v", err)
	}
	u.Fragment = ""
	return u.String(), nil
}

func (s *Service) lookupWebsite(ctx context.Context, agentID, sourceID, rawURL string) (*store.Source, error) {
	if sourceID == "" {
		return s.store.FindWebsite(ctx, agentID, rawURL)
	}
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil || src.AgentID != agentID || src.Type != store.KindWebsite || src.Status == workflow.Removed {
		return nil, faults.Validation("sourceId", "no website source %s for agent %s", sourceID, agentID)
	}
	return src, nil
}

func (s *Service) createWebsite(ctx context.Context, agentID, rawURL string, opts crawl.Options) (*CrawlResult, error) {
	u, _ := url.Parse(rawURL)
	o := opts
	src := &store.Source{
		ID:       idgen.Source(),
		AgentID:  agentID,
		Type:     store.KindWebsite,
		Name:     u.Host,
		URL:      rawURL,
		Metadata: store.Metadata{CrawlOptions: &o},
	}
	if err := s.store.InsertSource(ctx, src); err != nil {
		return nil, err
	}
	res := &CrawlResult{SourceID: src.ID, Created: true, Mode: opts.Mode, Status: src.Status}

	if opts.Mode != crawl.ModeFull {
		id, err := s.crawlOne(ctx, src.ID, rawURL)
		if err != nil {
			return nil, err
		}
		res.Jobs = append(res.Jobs, id)
		s.logger.Info("ingest: website source created", "source_id", src.ID, "agent_id", agentID, "mode", opts.Mode)
		return res, nil
	}

	payload, _ := json.Marshal(opts)
	id, _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueRequest{
		Type: jobqueue.Discover, TargetID: src.ID, Priority: jobqueue.PriorityNormal, Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	res.Jobs = append(res.Jobs, id)
	s.logger.Info("ingest: website source created", "source_id", src.ID, "agent_id", agentID, "mode", opts.Mode)
	return res, nil
}

// crawlOne registers pageURL under sourceID (resetting it when it exists)
// and enqueues its crawl_page job.
func (s *Service) crawlOne(ctx context.Context, sourceID, pageURL string) (string, error) {
	page, created, err := s.store.InsertPage(ctx, sourceID, store.NewPage{URL: pageURL})
	if err != nil {
		return "", err
	}
	if !created {
		if _, _, err := s.store.ResetPage(ctx, page.ID); err != nil {
			return "", err
		}
	}
	id, _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueRequest{
		Type: jobqueue.CrawlPage, TargetID: page.ID, Priority: jobqueue.PriorityHigh,
	})
	return id, err
}

func (s *Service) recrawl(ctx context.Context, src *store.Source, rawURL string, opts crawl.Options) (*CrawlResult, error) {
	if src.PendingDeletion {
		return nil, faults.Conflict("source "+src.ID, "removal in progress")
	}
	res := &CrawlResult{SourceID: src.ID, Mode: opts.Mode}
	reentered := false

	switch src.Status {
	case workflow.Training:
		return nil, faults.Conflict("source "+src.ID, "training already in progress")
	case workflow.Completed:
		// Training is queued; recrawl once it has finished or failed.
		return nil, faults.Conflict("source "+src.ID, "training pending")
	case workflow.Created, workflow.Crawling:
		// First crawl still running; jobs below are idempotent.
	default:
		o := opts
		updated, _, err := s.store.Apply(ctx, src.ID, store.Change{
			To:       workflow.Crawling,
			Trigger:  workflow.Recrawl,
			Expect:   src.Status,
			Progress: store.Progress(0),
			Metadata: func(m *store.Metadata) {
				m.ClearError()
				m.CrawlOptions = &o
			},
		})
		if errors.Is(err, store.ErrStale) {
			return nil, faults.Conflict("source "+src.ID, "status changed concurrently")
		}
		if err != nil {
			return nil, err
		}
		src, reentered = updated, true
	}
	res.Status = src.Status

	switch opts.Mode {
	case crawl.ModeSingle, crawl.ModeRecrawl:
		id, err := s.crawlOne(ctx, src.ID, rawURL)
		if err != nil {
			return nil, err
		}
		res.Jobs = append(res.Jobs, id)
	default:
		if reentered {
			if _, err := s.store.ResetPages(ctx, src.ID); err != nil {
				return nil, err
			}
		}
		payload, _ := json.Marshal(opts)
		id, _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueRequest{
			Type: jobqueue.Discover, TargetID: src.ID, Priority: jobqueue.PriorityNormal, Payload: payload,
		})
		if err != nil {
			return nil, err
		}
		res.Jobs = append(res.Jobs, id)
	}
	s.logger.Info("ingest: recrawl requested", "source_id", src.ID, "mode", opts.Mode, "status", src.Status)
	return res, nil
}

// SourceRequest is the input of AddSource for non-website sources.
type SourceRequest struct {
	AgentID  string     `json:"agentId"`
	Type     store.Kind `json:"type"`
	Name     string     `json:"name"`
	Content  string     `json:"content,omitempty"`
	Question string     `json:"question,omitempty"`
	Answer   string     `json:"answer,omitempty"`
	FileName string     `json:"fileName,omitempty"`
	Data     []byte     `json:"data,omitempty"`
	// URL and Options are used when Type is website.
	URL     string        `json:"url,omitempty"`
	Options crawl.Options `json:"options"`
}

// AddSource registers a text, qa or file source and enqueues its discover
// (extraction) job. Website sources are delegated to InitiateCrawl.
func (s *Service) AddSource(ctx context.Context, req SourceRequest) (*store.Source, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, faults.Validation("agentId", "required")
	}
	src := &store.Source{ID: idgen.Source(), AgentID: req.AgentID, Type: req.Type, Name: req.Name}

	switch req.Type {
	case store.KindWebsite:
		res, err := s.InitiateCrawl(ctx, CrawlRequest{AgentID: req.AgentID, URL: req.URL, Options: req.Options})
		if err != nil {
			return nil, err
		}
		return s.store.GetSource(ctx, res.SourceID)
	case store.KindText:
		if strings.TrimSpace(req.Content) == "" {
			return nil, faults.Validation("content", "required for text sources")
		}
		src.Content = req.Content
	case store.KindQA:
		switch {
		case req.Question != "" || req.Answer != "":
			if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
				return nil, faults.Validation("question", "question and answer are both required")
			}
			src.Content = "Q: " + strings.TrimSpace(req.Question) + "\nA: " + strings.TrimSpace(req.Answer)
		case strings.TrimSpace(req.Content) != "":
			src.Content = req.Content
		default:
			return nil, faults.Validation("question", "required for qa sources")
		}
	case store.KindFile:
		if req.FileName == "" || len(req.Data) == 0 {
			return nil, faults.Validation("data", "file name and bytes are required")
		}
		if _, err := docpipe.Detect(req.FileName, req.Data); err != nil {
			return nil, faults.Validation("fileName", "%v", err)
		}
		src.Metadata.FileName = req.FileName
	default:
		return nil, faults.Validation("type", "unknown source type %q", req.Type)
	}
	if src.Name == "" {
		src.Name = defaultName(req)
	}

	if err := s.store.InsertSource(ctx, src); err != nil {
		return nil, err
	}
	if req.Type == store.KindFile {
		if _, err := s.store.PutCapture(ctx, store.Capture{
			ID: captureID(src.ID), SourceID: src.ID, ContentType: "application/octet-stream", Data: req.Data,
		}); err != nil {
			return nil, err
		}
	}
	if err := s.enqueue(ctx, jobqueue.Discover, src.ID, jobqueue.PriorityNormal, nil); err != nil {
		return nil, err
	}
	s.logger.Info("ingest: source added", "source_id", src.ID, "agent_id", src.AgentID, "type", src.Type)
	return s.store.GetSource(ctx, src.ID)
}

func defaultName(req SourceRequest) string {
	switch {
	case req.FileName != "":
		return req.FileName
	case req.Question != "":
		return truncate(req.Question, 80)
	default:
		return truncate(strings.TrimSpace(req.Content), 80)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func captureID(ownerID string) string { return "cap_" + ownerID }

// ProcessResult reports a TriggerJobProcessing call.
type ProcessResult struct {
	Processed int                     `json:"processed"`
	Queue     map[jobqueue.Status]int `json:"queue"`
}

// TriggerJobProcessing drains up to maxJobs claimable jobs in the calling
// process (0 drains until the queue is empty). It is used where workers
// are not resident.
func (s *Service) TriggerJobProcessing(ctx context.Context, maxJobs int) (*ProcessResult, error) {
	if maxJobs < 0 {
		return nil, faults.Validation("maxJobs", "must be >= 0")
	}
	n, err := s.pool.Drain(ctx, maxJobs)
	if err != nil {
		return nil, err
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &ProcessResult{Processed: n, Queue: stats}, nil
}

// TriggerStatusAggregation re-aggregates a website source synchronously.
func (s *Service) TriggerStatusAggregation(ctx context.Context, sourceID string) (*aggregate.Outcome, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, faults.Validation("sourceId", "unknown source %s", sourceID)
	}
	if src.Type != store.KindWebsite {
		return nil, faults.Validation("sourceId", "source %s has no pages to aggregate", sourceID)
	}
	out, err := s.aggregate(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RetrainResult lists the sources put back into training.
type RetrainResult struct {
	AgentID string   `json:"agentId"`
	Sources []string `json:"sources"`
	Jobs    []string `json:"jobs"`
}

// StartRetraining moves every completed, trained or errored source of
// the agent to TRAINING and enqueues its chunk job. A second run while
// one is active fails with a ConflictError.
func (s *Service) StartRetraining(ctx context.Context, agentID string) (*RetrainResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, faults.Validation("agentId", "required")
	}
	sources, err := s.store.ListSources(ctx, store.Filter{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	if busy, err := s.trainingActive(ctx, sources); err != nil {
		return nil, err
	} else if busy {
		return nil, faults.Conflict("agent "+agentID, "training already in progress")
	}

	res := &RetrainResult{AgentID: agentID, Sources: []string{}, Jobs: []string{}}
	for _, src := range sources {
		if src.PendingDeletion {
			continue
		}
		trigger := workflow.Retrain
		switch src.Status {
		case workflow.Completed:
			trigger = workflow.Pipeline
		case workflow.Trained, workflow.Error:
		default:
			continue
		}
		if src.Status == workflow.Error && !s.hasContent(ctx, src) {
			continue
		}
		_, _, err := s.store.Apply(ctx, src.ID, store.Change{
			To: workflow.Training, Trigger: trigger, Expect: src.Status,
			Metadata: func(m *store.Metadata) { m.ClearError() },
		})
		if errors.Is(err, store.ErrStale) {
			return nil, faults.Conflict("agent "+agentID, "training already in progress")
		}
		if err != nil {
			return nil, err
		}
		id, _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueRequest{
			Type: jobqueue.Chunk, TargetID: src.ID, Priority: jobqueue.PriorityNormal,
		})
		if err != nil {
			return nil, err
		}
		res.Sources = append(res.Sources, src.ID)
		res.Jobs = append(res.Jobs, id)
	}
	s.logger.Info("ingest: retraining started", "agent_id", agentID, "sources", len(res.Sources))
	return res, nil
}

func (s *Service) trainingActive(ctx context.Context, sources []*store.Source) (bool, error) {
	for _, src := range sources {
		if src.Status == workflow.Training {
			return true, nil
		}
		for _, t := range []jobqueue.JobType{jobqueue.Chunk, jobqueue.Embed} {
			jobs, err := s.queue.List(ctx, jobqueue.Filter{
				Type: t, TargetID: src.ID,
				Statuses: []jobqueue.Status{jobqueue.Pending, jobqueue.Processing},
				Limit:    1,
			})
			if err != nil {
				return false, err
			}
			if len(jobs) > 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

// hasContent reports whether an errored source got far enough to be
// chunked: some text, or at least one completed page.
func (s *Service) hasContent(ctx context.Context, src *store.Source) bool {
	if src.Type != store.KindWebsite {
		return strings.TrimSpace(src.Content) != ""
	}
	counts, err := s.store.CountPages(ctx, src.ID)
	return err == nil && counts.Completed > 0
}

// RequestRemoval marks the source for deletion and enqueues the delete
// job. In-flight jobs for the source see the flag and stop.
func (s *Service) RequestRemoval(ctx context.Context, sourceID string) (*store.Source, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, faults.Validation("sourceId", "unknown source %s", sourceID)
	}
	if src.Status == workflow.Removed {
		return src, nil
	}
	change := store.Change{MarkDeletion: true}
	if src.Status != workflow.PendingRemoval {
		change.To = workflow.PendingRemoval
	}
	src, _, err = s.store.Apply(ctx, sourceID, change)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, jobqueue.Delete, sourceID, jobqueue.PriorityHigh, nil); err != nil {
		return nil, err
	}
	s.logger.Info("ingest: removal requested", "source_id", sourceID)
	return src, nil
}

// SourceView is a source with its page rollup.
type SourceView struct {
	*store.Source
	Pages *store.PageCounts `json:"pages,omitempty"`
}

// GetSource returns the source and, for websites, its page counts.
func (s *Service) GetSource(ctx context.Context, sourceID string) (*SourceView, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, faults.Validation("sourceId", "unknown source %s", sourceID)
	}
	view := &SourceView{Source: src}
	if src.Type == store.KindWebsite {
		counts, err := s.store.CountPages(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		view.Pages = &counts
	}
	return view, nil
}

// ListSources returns the sources of an agent.
func (s *Service) ListSources(ctx context.Context, agentID string) ([]*store.Source, error) {
	return s.store.ListSources(ctx, store.Filter{AgentID: agentID})
}

// ListPages returns the pages of a website source.
func (s *Service) ListPages(ctx context.Context, sourceID string) ([]*store.Page, error) {
	return s.store.ListPages(ctx, sourceID)
}

// ListJobs returns jobs, optionally filtered by status and target.
func (s *Service) ListJobs(ctx context.Context, f jobqueue.Filter) ([]*jobqueue.Job, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 500
	}
	return s.queue.List(ctx, f)
}

// Search ranks the agent's trained chunks by similarity to query.
func (s *Service) Search(ctx context.Context, agentID, query string, k int) ([]embedding.Hit, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, faults.Validation("agentId", "required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, faults.Validation("q", "required")
	}
	return s.index.Search(ctx, agentID, query, k)
}

// GetCapture restores the raw bytes archived for a page or file source.
func (s *Service) GetCapture(ctx context.Context, ownerID string) ([]byte, string, error) {
	data, ct, err := s.store.GetCapture(ctx, captureID(ownerID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", faults.Validation("id", "no capture for %s", ownerID)
	}
	return data, ct, err
}

func (s *Service) aggregate(ctx context.Context, sourceID string) (aggregate.Outcome, error) {
	out, err := s.agg.Run(ctx, sourceID)
	if err != nil {
		return out, fmt.Errorf("ingest: aggregate %s: %w", sourceID, err)
	}
	if out.Status == workflow.Completed {
		if err := s.enqueue(ctx, jobqueue.Chunk, sourceID, jobqueue.PriorityNormal, nil); err != nil {
			return out, err
		}
	}
	return out, nil
}
