package ingest

import (
	"context"

	"github.com/hazyhaar/sourceflow/jobqueue"
	"github.com/hazyhaar/sourceflow/kit"
)

// Operation requests that are not already typed by operations.go. They are
// shared by the HTTP routes and the MCP tools.
type (
	ProcessRequest struct {
		MaxJobs int `json:"maxJobs"`
	}
	SourceIDRequest struct {
		SourceID string `json:"sourceId"`
	}
	AgentRequest struct {
		AgentID string `json:"agentId"`
	}
	SearchRequest struct {
		AgentID string `json:"agentId"`
		Query   string `json:"query"`
		K       int    `json:"k"`
	}
	JobsRequest struct {
		Status   jobqueue.Status  `json:"status,omitempty"`
		Type     jobqueue.JobType `json:"type,omitempty"`
		TargetID string           `json:"targetId,omitempty"`
		Limit    int              `json:"limit,omitempty"`
	}
)

// endpoint wraps op with the service middlewares.
func (s *Service) endpoint(name string, op kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.logger, name))(op)
}

func (s *Service) initiateCrawlEndpoint() kit.Endpoint {
	return s.endpoint("initiate_crawl", func(ctx context.Context, r any) (any, error) {
		return s.InitiateCrawl(ctx, *r.(*CrawlRequest))
	})
}

func (s *Service) processEndpoint() kit.Endpoint {
	return s.endpoint("trigger_job_processing", func(ctx context.Context, r any) (any, error) {
		return s.TriggerJobProcessing(ctx, r.(*ProcessRequest).MaxJobs)
	})
}

func (s *Service) aggregateEndpoint() kit.Endpoint {
	return s.endpoint("trigger_status_aggregation", func(ctx context.Context, r any) (any, error) {
		return s.TriggerStatusAggregation(ctx, r.(*SourceIDRequest).SourceID)
	})
}

func (s *Service) retrainEndpoint() kit.Endpoint {
	return s.endpoint("start_retraining", func(ctx context.Context, r any) (any, error) {
		return s.StartRetraining(ctx, r.(*AgentRequest).AgentID)
	})
}

func (s *Service) addSourceEndpoint() kit.Endpoint {
	return s.endpoint("add_source", func(ctx context.Context, r any) (any, error) {
		return s.AddSource(ctx, *r.(*SourceRequest))
	})
}

func (s *Service) getSourceEndpoint() kit.Endpoint {
	return s.endpoint("get_source", func(ctx context.Context, r any) (any, error) {
		return s.GetSource(ctx, r.(*SourceIDRequest).SourceID)
	})
}

func (s *Service) listSourcesEndpoint() kit.Endpoint {
	return s.endpoint("list_sources", func(ctx context.Context, r any) (any, error) {
		return s.ListSources(ctx, r.(*AgentRequest).AgentID)
	})
}

func (s *Service) listPagesEndpoint() kit.Endpoint {
	return s.endpoint("list_pages", func(ctx context.Context, r any) (any, error) {
		return s.ListPages(ctx, r.(*SourceIDRequest).SourceID)
	})
}

func (s *Service) removeEndpoint() kit.Endpoint {
	return s.endpoint("request_removal", func(ctx context.Context, r any) (any, error) {
		return s.RequestRemoval(ctx, r.(*SourceIDRequest).SourceID)
	})
}

func (s *Service) searchEndpoint() kit.Endpoint {
	return s.endpoint("search", func(ctx context.Context, r any) (any, error) {
		p := r.(*SearchRequest)
		return s.Search(ctx, p.AgentID, p.Query, p.K)
	})
}

func (s *Service) listJobsEndpoint() kit.Endpoint {
	return s.endpoint("list_jobs", func(ctx context.Context, r any) (any, error) {
		p := r.(*JobsRequest)
		f := jobqueue.Filter{Type: p.Type, TargetID: p.TargetID, Limit: p.Limit}
		if p.Status != "" {
			f.Statuses = []jobqueue.Status{p.Status}
		}
		return s.ListJobs(ctx, f)
	})
}
