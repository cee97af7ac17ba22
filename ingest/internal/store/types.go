package store

import (
	"github.com/hazyhaar/sourceflow/crawl"
	"github.com/hazyhaar/sourceflow/workflow"
)

// Kind is a source type.
type Kind string

const (
	KindWebsite Kind = "website"
	KindFile    Kind = "file"
	KindText    Kind = "text"
	KindQA      Kind = "qa"
)

// Valid reports whether k is a known source type.
func (k Kind) Valid() bool {
	switch k {
	case KindWebsite, KindFile, KindText, KindQA:
		return true
	}
	return false
}

// Metadata is the typed metadata bag of a source. Extra holds keys no
// component interprets.
type Metadata struct {
	LastError     string            `json:"last_error,omitempty"`
	FailedJobType string            `json:"failed_job_type,omitempty"`
	FileName      string            `json:"file_name,omitempty"`
	Title         string            `json:"title,omitempty"`
	CrawlOptions  *crawl.Options    `json:"crawl_options,omitempty"`
	NeedsOCR      bool              `json:"needs_ocr,omitempty"`
	DeleteFailed  bool              `json:"delete_failed,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ClearError drops the fields set by a permanent job failure.
func (m *Metadata) ClearError() {
	m.LastError = ""
	m.FailedJobType = ""
}

// Source is one ingestion unit.
type Source struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	OwnerID         string          `json:"owner_id,omitempty"`
	Type            Kind            `json:"type"`
	Name            string          `json:"name"`
	URL             string          `json:"url,omitempty"`
	Status          workflow.Status `json:"workflow_status"`
	PreviousStatus  workflow.Status `json:"previous_status,omitempty"`
	Content         string          `json:"-"`
	OriginalBytes   int64           `json:"original_bytes"`
	CompressedBytes int64           `json:"compressed_bytes"`
	Progress        int             `json:"progress"`
	PendingDeletion bool            `json:"pending_deletion"`
	Metadata        Metadata        `json:"metadata"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// PageStatus is the crawl state of a source page.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageInProgress PageStatus = "in_progress"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

// Page is one crawled URL of a website source.
type Page struct {
	ID             string     `json:"id"`
	ParentSourceID string     `json:"parent_source_id"`
	URL            string     `json:"url"`
	Depth          int        `json:"depth"`
	Status         PageStatus `json:"status"`
	RetryCount     int        `json:"retry_count"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Title          string     `json:"title,omitempty"`
	Content        string     `json:"-"`
	ContentHash    string     `json:"content_hash,omitempty"`
	ContentSize    int        `json:"content_size"`
	ChunksCreated  int        `json:"chunks_created"`
	StartedAt      *int64     `json:"started_at,omitempty"`
	CompletedAt    *int64     `json:"completed_at,omitempty"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}

// PageCounts is the status rollup of a source's pages.
type PageCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total is the number of pages.
func (c PageCounts) Total() int { return c.Pending + c.InProgress + c.Completed + c.Failed }

// Chunk is a persisted chunk row.
type Chunk struct {
	ID             string   `json:"id"`
	SourceID       string   `json:"source_id"`
	PageID         string   `json:"page_id,omitempty"`
	Index          int      `json:"chunk_index"`
	Content        string   `json:"content"`
	TokenCount     int      `json:"token_count"`
	Quality        string   `json:"quality"`
	Issues         []string `json:"issues,omitempty"`
	IsForceCreated bool     `json:"is_force_created"`
}

// Embedding is a vector keyed by chunk.
type Embedding struct {
	ChunkID  string
	SourceID string
	Model    string
	Vector   []float32
}

// Capture is an archived raw payload (fetched page or uploaded file).
type Capture struct {
	ID          string
	SourceID    string
	PageID      string
	ContentType string
	Data        []byte
}
