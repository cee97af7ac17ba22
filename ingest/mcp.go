package ingest

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sourceflow/kit"
)

// RegisterMCP registers the ingestion tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerInitiateCrawl(srv)
	s.registerProcessJobs(srv)
	s.registerAggregate(srv)
	s.registerRetrain(srv)
	s.registerAddSource(srv)
	s.registerGetSource(srv)
	s.registerListSources(srv)
	s.registerListPages(srv)
	s.registerRemove(srv)
	s.registerSearch(srv)
	s.registerListJobs(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	agentIDProp  = map[string]any{"type": "string", "description": "Agent ID"}
	sourceIDProp = map[string]any{"type": "string", "description": "Source ID"}
)

func (s *Service) registerInitiateCrawl(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "initiate_crawl",
		Description: "Create or re-crawl a website source for an agent and queue discovery",
		InputSchema: inputSchema(map[string]any{
			"agentId":       agentIDProp,
			"url":           map[string]any{"type": "string", "description": "Root URL (http or https)"},
			"sourceId":      map[string]any{"type": "string", "description": "Existing website source to re-crawl"},
			"respectRobots": map[string]any{"type": "boolean", "description": "Honour robots.txt (default true)"},
			"options": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"maxPages":     map[string]any{"type": "integer"},
					"maxDepth":     map[string]any{"type": "integer"},
					"includePaths": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"excludePaths": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"mode":         map[string]any{"type": "string", "enum": []string{"full", "single", "recrawl"}},
				},
			},
		}, []string{"agentId", "url"}),
	}
	kit.RegisterMCPTool(srv, tool, s.initiateCrawlEndpoint(), kit.DecodeJSON[CrawlRequest]())
}

func (s *Service) registerProcessJobs(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "trigger_job_processing",
		Description: "Run queued background jobs in this process; maxJobs 0 drains the queue",
		InputSchema: inputSchema(map[string]any{
			"maxJobs": map[string]any{"type": "integer", "description": "Upper bound on jobs run"},
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, s.processEndpoint(), kit.DecodeJSON[ProcessRequest]())
}

func (s *Service) registerAggregate(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "trigger_status_aggregation",
		Description: "Recompute a website source's status and progress from its pages",
		InputSchema: inputSchema(map[string]any{"sourceId": sourceIDProp}, []string{"sourceId"}),
	}
	kit.RegisterMCPTool(srv, tool, s.aggregateEndpoint(), kit.DecodeJSON[SourceIDRequest]())
}

func (s *Service) registerRetrain(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "start_retraining",
		Description: "Re-chunk and re-embed every crawled source of an agent",
		InputSchema: inputSchema(map[string]any{"agentId": agentIDProp}, []string{"agentId"}),
	}
	kit.RegisterMCPTool(srv, tool, s.retrainEndpoint(), kit.DecodeJSON[AgentRequest]())
}

func (s *Service) registerAddSource(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "add_source",
		Description: "Add a text, qa, file or website source to an agent",
		InputSchema: inputSchema(map[string]any{
			"agentId":  agentIDProp,
			"type":     map[string]any{"type": "string", "enum": []string{"text", "qa", "file", "website"}},
			"name":     map[string]any{"type": "string"},
			"content":  map[string]any{"type": "string", "description": "Text body (text, qa)"},
			"question": map[string]any{"type": "string"},
			"answer":   map[string]any{"type": "string"},
			"fileName": map[string]any{"type": "string"},
			"data":     map[string]any{"type": "string", "description": "Base64 file bytes"},
			"url":      map[string]any{"type": "string"},
		}, []string{"agentId", "type"}),
	}
	kit.RegisterMCPTool(srv, tool, s.addSourceEndpoint(), kit.DecodeJSON[SourceRequest]())
}

func (s *Service) registerGetSource(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "get_source",
		Description: "Get a source with its workflow status, progress and page counts",
		InputSchema: inputSchema(map[string]any{"sourceId": sourceIDProp}, []string{"sourceId"}),
	}
	kit.RegisterMCPTool(srv, tool, s.getSourceEndpoint(), kit.DecodeJSON[SourceIDRequest]())
}

func (s *Service) registerListSources(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "list_sources",
		Description: "List the sources of an agent",
		InputSchema: inputSchema(map[string]any{"agentId": agentIDProp}, []string{"agentId"}),
	}
	kit.RegisterMCPTool(srv, tool, s.listSourcesEndpoint(), kit.DecodeJSON[AgentRequest]())
}

func (s *Service) registerListPages(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "list_pages",
		Description: "List the crawled pages of a website source",
		InputSchema: inputSchema(map[string]any{"sourceId": sourceIDProp}, []string{"sourceId"}),
	}
	kit.RegisterMCPTool(srv, tool, s.listPagesEndpoint(), kit.DecodeJSON[SourceIDRequest]())
}

func (s *Service) registerRemove(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "request_removal",
		Description: "Mark a source for deletion and queue the purge",
		InputSchema: inputSchema(map[string]any{"sourceId": sourceIDProp}, []string{"sourceId"}),
	}
	kit.RegisterMCPTool(srv, tool, s.removeEndpoint(), kit.DecodeJSON[SourceIDRequest]())
}

func (s *Service) registerSearch(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "search",
		Description: "Rank an agent's trained chunks by similarity to a query",
		InputSchema: inputSchema(map[string]any{
			"agentId": agentIDProp,
			"query":   map[string]any{"type": "string"},
			"k":       map[string]any{"type": "integer", "description": "Number of hits (default 5)"},
		}, []string{"agentId", "query"}),
	}
	kit.RegisterMCPTool(srv, tool, s.searchEndpoint(), kit.DecodeJSON[SearchRequest]())
}

func (s *Service) registerListJobs(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "list_jobs",
		Description: "List background jobs, optionally by status, type or target",
		InputSchema: inputSchema(map[string]any{
			"status":   map[string]any{"type": "string", "enum": []string{"pending", "processing", "completed", "failed"}},
			"type":     map[string]any{"type": "string"},
			"targetId": map[string]any{"type": "string"},
			"limit":    map[string]any{"type": "integer"},
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, s.listJobsEndpoint(), kit.DecodeJSON[JobsRequest]())
}
