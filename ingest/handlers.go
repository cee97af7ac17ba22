package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/sourceflow/chunk"
	"github.com/hazyhaar/sourceflow/crawl"
	"github.com/hazyhaar/sourceflow/embedding"
	"github.com/hazyhaar/sourceflow/faults"
	"github.com/hazyhaar/sourceflow/idgen"
	"github.com/hazyhaar/sourceflow/ingest/internal/store"
	"github.com/hazyhaar/sourceflow/jobqueue"
	"github.com/hazyhaar/sourceflow/workflow"
)

// Handlers re-read their target and no-op when it moved on, so a job run
// twice (recovery, duplicate enqueue) has the effect of running once.

func (s *Service) registerHandlers() {
	s.pool.Handle(jobqueue.Discover, s.handleDiscover)
	s.pool.Handle(jobqueue.CrawlPage, s.handleCrawlPage)
	s.pool.Handle(jobqueue.AggregateStatus, s.handleAggregate)
	s.pool.Handle(jobqueue.Chunk, s.handleChunk)
	s.pool.Handle(jobqueue.Embed, s.handleEmbed)
	s.pool.Handle(jobqueue.Delete, s.handleDelete)
}

// liveSource loads the job's source. ok is false when the job should stop
// quietly: the source is being removed.
func (s *Service) liveSource(ctx context.Context, id string) (src *store.Source, ok bool, err error) {
	src, err = s.store.GetSource(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if src == nil {
		return nil, false, faults.Integrity("", id, "source does not exist")
	}
	if src.PendingDeletion || !workflow.Active(src.Status) {
		s.logger.Debug("ingest: source pending removal, skipping", "source_id", id)
		return src, false, nil
	}
	return src, true, nil
}

func (s *Service) handleDiscover(ctx context.Context, job *jobqueue.Job) error {
	src, ok, err := s.liveSource(ctx, job.TargetID)
	if err != nil || !ok {
		return err
	}
	if src.Type == store.KindWebsite {
		return s.discoverWebsite(ctx, src, job.Payload)
	}
	return s.extractSource(ctx, src)
}

func (s *Service) discoverWebsite(ctx context.Context, src *store.Source, payload []byte) error {
	var opts crawl.Options
	switch {
	case len(payload) > 0:
		if err := json.Unmarshal(payload, &opts); err != nil {
			return faults.Validation("payload", "discover options: %v", err)
		}
	case src.Metadata.CrawlOptions != nil:
		opts = *src.Metadata.CrawlOptions
	default:
		opts.RespectRobots = true
	}
	opts.Defaults()

	switch src.Status {
	case workflow.Created:
		if _, _, err := s.store.Apply(ctx, src.ID, store.Change{To: workflow.Crawling, Expect: workflow.Created}); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
	case workflow.Crawling:
	default:
		s.logger.Debug("ingest: discover on settled source, skipping", "source_id", src.ID, "status", src.Status)
		return nil
	}

	found, err := s.crawler.Discover(ctx, src.URL, opts)
	if err != nil {
		return err
	}
	queued := 0
	for _, f := range found {
		np := store.NewPage{URL: f.URL, Depth: f.Depth}
		if f.Blocked {
			np.Blocked = crawl.ErrDisallowed.Error()
		}
		page, _, err := s.store.InsertPage(ctx, src.ID, np)
		if err != nil {
			return err
		}
		if page.Status != store.PagePending {
			continue
		}
		if err := s.enqueue(ctx, jobqueue.CrawlPage, page.ID, jobqueue.PriorityNormal, nil); err != nil {
			return err
		}
		queued++
	}
	s.logger.Info("ingest: discovery done", "source_id", src.ID, "found", len(found), "queued", queued)
	return s.enqueue(ctx, jobqueue.AggregateStatus, src.ID, jobqueue.PriorityLow, nil)
}

// extractSource is the discover step of text, qa and file sources: it
// produces the source text and settles the crawl phase directly.
func (s *Service) extractSource(ctx context.Context, src *store.Source) error {
	switch src.Status {
	case workflow.Created, workflow.Crawling:
	case workflow.Completed:
		return s.enqueue(ctx, jobqueue.Chunk, src.ID, jobqueue.PriorityNormal, nil)
	default:
		return nil
	}

	change := store.Change{}
	if src.Type == store.KindFile {
		data, _, err := s.store.GetCapture(ctx, captureID(src.ID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return faults.Integrity(captureID(src.ID), src.ID, "uploaded bytes missing")
			}
			return err
		}
		doc, err := s.docs.Extract(ctx, src.Metadata.FileName, data)
		if err != nil {
			return err
		}
		text := doc.Text
		change.Content = &text
		change.Metadata = func(m *store.Metadata) {
			m.Title = doc.Title
			m.NeedsOCR = doc.PDF != nil && doc.PDF.NeedsOCR()
		}
	}

	if src.Status == workflow.Created {
		if _, _, err := s.store.Apply(ctx, src.ID, store.Change{To: workflow.Crawling, Expect: workflow.Created}); err != nil {
			return err
		}
	}
	change.To, change.Expect, change.Progress = workflow.Completed, workflow.Crawling, store.Progress(100)
	if _, _, err := s.store.Apply(ctx, src.ID, change); err != nil {
		return err
	}
	return s.enqueue(ctx, jobqueue.Chunk, src.ID, jobqueue.PriorityNormal, nil)
}

func (s *Service) handleCrawlPage(ctx context.Context, job *jobqueue.Job) error {
	page, err := s.store.GetPage(ctx, job.TargetID)
	if err != nil {
		return err
	}
	if page == nil {
		return faults.Integrity(job.TargetID, "", "page does not exist")
	}
	src, ok, err := s.liveSource(ctx, page.ParentSourceID)
	if err != nil || !ok {
		return err
	}
	if page.Status == store.PageCompleted || page.Status == store.PageFailed {
		return nil
	}
	if _, _, err := s.store.StartPage(ctx, page.ID, job.RetryCount); err != nil {
		return err
	}

	respect := true
	if src.Metadata.CrawlOptions != nil {
		respect = src.Metadata.CrawlOptions.RespectRobots
	}
	fetched, err := s.crawler.FetchPage(ctx, page.URL, respect)
	if errors.Is(err, crawl.ErrDisallowed) {
		if _, _, err := s.store.FailPage(ctx, page.ID, crawl.ErrDisallowed.Error()); err != nil {
			return err
		}
		return s.enqueue(ctx, jobqueue.AggregateStatus, src.ID, jobqueue.PriorityLow, nil)
	}
	if err != nil {
		return err
	}

	if _, err := s.store.PutCapture(ctx, store.Capture{
		ID: captureID(page.ID), SourceID: src.ID, PageID: page.ID,
		ContentType: "text/html", Data: fetched.Raw,
	}); err != nil {
		return err
	}
	if _, _, err := s.store.CompletePage(ctx, page.ID, store.PageContent{
		Title: fetched.Title, Content: fetched.Text, Hash: fetched.Hash,
	}); err != nil {
		return err
	}
	s.logger.Debug("ingest: page crawled", "page_id", page.ID, "source_id", src.ID,
		"url", page.URL, "chars", len(fetched.Text), "rendered", fetched.Rendered)
	return s.enqueue(ctx, jobqueue.AggregateStatus, src.ID, jobqueue.PriorityLow, nil)
}

func (s *Service) handleAggregate(ctx context.Context, job *jobqueue.Job) error {
	_, err := s.aggregate(ctx, job.TargetID)
	return err
}

func (s *Service) handleChunk(ctx context.Context, job *jobqueue.Job) error {
	src, ok, err := s.liveSource(ctx, job.TargetID)
	if err != nil || !ok {
		return err
	}
	switch src.Status {
	case workflow.Completed:
		src, _, err = s.store.Apply(ctx, src.ID, store.Change{To: workflow.Training, Expect: workflow.Completed})
		if errors.Is(err, store.ErrStale) {
			return nil
		}
		if err != nil {
			return err
		}
	case workflow.Training:
	default:
		s.logger.Debug("ingest: chunk job on settled source, skipping", "source_id", src.ID, "status", src.Status)
		return nil
	}

	rows, err := s.buildChunks(ctx, src)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		_, _, err := s.store.Apply(ctx, src.ID, store.Change{
			To: workflow.Error,
			Metadata: func(m *store.Metadata) {
				m.LastError = "no usable content to train on"
				m.FailedJobType = string(jobqueue.Chunk)
			},
		})
		return err
	}
	if err := s.store.ReplaceChunks(ctx, src.ID, rows); err != nil {
		return err
	}
	byQuality := map[string]int{}
	for _, c := range rows {
		byQuality[c.Quality]++
	}
	for q, n := range byQuality {
		s.metrics.ChunksWritten(q, n)
	}
	s.logger.Info("ingest: chunks written", "source_id", src.ID, "chunks", len(rows))
	return s.enqueue(ctx, jobqueue.Embed, src.ID, jobqueue.PriorityNormal, nil)
}

func (s *Service) buildChunks(ctx context.Context, src *store.Source) ([]store.Chunk, error) {
	var rows []store.Chunk
	add := func(pageID string, cs []chunk.Chunk) {
		for _, c := range cs {
			rows = append(rows, store.Chunk{
				ID:             idgen.Chunk(),
				SourceID:       src.ID,
				PageID:         pageID,
				Index:          len(rows),
				Content:        c.Text,
				TokenCount:     c.TokenCount,
				Quality:        string(c.Quality),
				Issues:         c.Issues,
				IsForceCreated: c.IsForceCreated,
			})
		}
	}

	if src.Type != store.KindWebsite {
		add("", chunk.ForSource(string(src.Type), src.Content, s.targets))
		return rows, nil
	}
	pages, err := s.store.ListPages(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if p.Status != store.PageCompleted {
			continue
		}
		cs := chunk.ForSource(chunk.KindWebsite, p.Content, s.targets)
		add(p.ID, cs)
		if err := s.store.SetPageChunks(ctx, p.ID, len(cs)); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s *Service) handleEmbed(ctx context.Context, job *jobqueue.Job) error {
	src, ok, err := s.liveSource(ctx, job.TargetID)
	if err != nil || !ok {
		return err
	}
	if src.Status != workflow.Training {
		return nil
	}
	chunks, err := s.store.ListChunks(ctx, src.ID)
	if err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunks) {
		return faults.Transient("embed", fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(chunks)))
	}

	embs := make([]store.Embedding, len(chunks))
	docs := make([]embedding.Document, len(chunks))
	for i, c := range chunks {
		embs[i] = store.Embedding{ChunkID: c.ID, SourceID: src.ID, Model: s.emb.Model(), Vector: vecs[i]}
		docs[i] = embedding.Document{ChunkID: c.ID, SourceID: src.ID, Content: c.Content, Vector: vecs[i]}
	}
	if err := s.store.PutEmbeddings(ctx, embs); err != nil {
		return err
	}
	if err := s.index.DeleteSource(ctx, src.AgentID, src.ID); err != nil {
		return err
	}
	if err := s.index.Add(ctx, src.AgentID, docs); err != nil {
		return err
	}
	_, _, err = s.store.Apply(ctx, src.ID, store.Change{
		To: workflow.Trained, Expect: workflow.Training,
		Metadata: func(m *store.Metadata) { m.ClearError() },
	})
	if errors.Is(err, store.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("ingest: source trained", "source_id", src.ID, "agent_id", src.AgentID, "vectors", len(embs))
	return nil
}

func (s *Service) handleDelete(ctx context.Context, job *jobqueue.Job) error {
	src, err := s.store.GetSource(ctx, job.TargetID)
	if err != nil {
		return err
	}
	if src == nil || src.Status == workflow.Removed {
		return nil
	}
	if !src.PendingDeletion {
		return faults.Validation("source", "%s is not marked for deletion", src.ID)
	}
	if err := s.index.DeleteSource(ctx, src.AgentID, src.ID); err != nil {
		return err
	}
	if err := s.store.PurgeSource(ctx, src.ID); err != nil {
		return err
	}
	if _, err := s.store.Tombstone(ctx, src.ID); err != nil {
		return err
	}
	s.logger.Info("ingest: source removed", "source_id", src.ID)
	return nil
}

// onDead surfaces a permanently failed job on its owner.
func (s *Service) onDead(ctx context.Context, job *jobqueue.Job, cause error) {
	msg := rootCause(cause).Error()
	log := s.logger.With("job_id", job.ID, "job_type", job.Type, "target_id", job.TargetID)

	switch job.Type {
	case jobqueue.CrawlPage:
		page, _, err := s.store.FailPage(ctx, job.TargetID, msg)
		if err != nil {
			log.Warn("ingest: could not mark page failed", "error", err)
			return
		}
		if page != nil {
			if err := s.enqueue(ctx, jobqueue.AggregateStatus, page.ParentSourceID, jobqueue.PriorityLow, nil); err != nil {
				log.Warn("ingest: enqueue aggregate failed", "error", err)
			}
		}
	case jobqueue.Discover, jobqueue.Chunk, jobqueue.Embed:
		_, _, err := s.store.Apply(ctx, job.TargetID, store.Change{
			To: workflow.Error,
			Metadata: func(m *store.Metadata) {
				m.LastError = msg
				m.FailedJobType = string(job.Type)
			},
		})
		if err != nil {
			log.Warn("ingest: could not flag source", "error", err)
		}
	case jobqueue.Delete:
		_, _, err := s.store.Apply(ctx, job.TargetID, store.Change{
			Metadata: func(m *store.Metadata) {
				m.DeleteFailed = true
				m.LastError = msg
			},
		})
		if err != nil {
			log.Warn("ingest: could not flag source", "error", err)
		}
	default:
		log.Warn("ingest: job failed permanently", "error", msg)
	}
}

// rootCause strips the PermanentFailure wrappers added by the handler and
// the pool so the owner records "http 404", not the retry bookkeeping.
func rootCause(err error) error {
	for {
		var pf *faults.PermanentFailure
		if !errors.As(err, &pf) || pf.Cause == nil {
			return err
		}
		err = pf.Cause
	}
}
