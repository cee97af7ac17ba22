package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Document is one embedded chunk handed to the Index.
type Document struct {
	ChunkID  string
	SourceID string
	Content  string
	Vector   []float32
}

// Hit is one search result.
type Hit struct {
	ChunkID    string
	SourceID   string
	Content    string
	Similarity float32
}

// Index keeps one chromem-go collection per agent. Query text is embedded
// with the same Embedder that produced the stored vectors.
type Index struct {
	db  *chromem.DB
	emb Embedder
	mu  sync.Mutex
}

// NewIndex returns an in-memory index, or a persistent one under path when
// path is non-empty.
func NewIndex(emb Embedder, path string) (*Index, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("embedding: open index %s: %w", path, err)
		}
	}
	return &Index{db: db, emb: emb}, nil
}

func collectionName(agentID string) string { return "agent_" + agentID }

func (ix *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.emb.Embed(ctx, text)
	}
}

func (ix *Index) collection(agentID string) (*chromem.Collection, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.GetOrCreateCollection(collectionName(agentID), nil, ix.embeddingFunc())
}

// Add upserts docs into the agent's collection. Zero vectors are skipped:
// they carry no direction to compare.
func (ix *Index) Add(ctx context.Context, agentID string, docs []Document) error {
	col, err := ix.collection(agentID)
	if err != nil {
		return fmt.Errorf("embedding: collection %s: %w", agentID, err)
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if IsZero(d.Vector) {
			continue
		}
		batch = append(batch, chromem.Document{
			ID:        d.ChunkID,
			Content:   d.Content,
			Metadata:  map[string]string{"source_id": d.SourceID},
			Embedding: append([]float32(nil), d.Vector...),
		})
	}
	if len(batch) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, batch, 1); err != nil {
		return fmt.Errorf("embedding: add %d documents: %w", len(batch), err)
	}
	return nil
}

// Search returns up to k chunks of the agent ranked by similarity to query.
func (ix *Index) Search(ctx context.Context, agentID, query string, k int) ([]Hit, error) {
	if query == "" {
		return nil, errors.New("embedding: empty query")
	}
	if k <= 0 {
		k = 5
	}
	col, err := ix.collection(agentID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return []Hit{}, nil
	}
	res, err := col.Query(ctx, query, min(k, n), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("embedding: query %s: %w", agentID, err)
	}
	hits := make([]Hit, len(res))
	for i, r := range res {
		hits[i] = Hit{
			ChunkID:    r.ID,
			SourceID:   r.Metadata["source_id"],
			Content:    r.Content,
			Similarity: r.Similarity,
		}
	}
	return hits, nil
}

// DeleteSource removes every chunk of sourceID from the agent's collection.
func (ix *Index) DeleteSource(ctx context.Context, agentID, sourceID string) error {
	col, err := ix.collection(agentID)
	if err != nil {
		return err
	}
	if col.Count() == 0 {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{"source_id": sourceID}, nil); err != nil {
		return fmt.Errorf("embedding: delete source %s: %w", sourceID, err)
	}
	return nil
}

// Count returns the number of indexed chunks for the agent.
func (ix *Index) Count(agentID string) int {
	col, err := ix.collection(agentID)
	if err != nil {
		return 0
	}
	return col.Count()
}
