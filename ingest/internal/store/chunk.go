package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/embedding"
	"github.com/hazyhaar/sourceflow/faults"
)

// ReplaceChunks deletes the chunks of sourceID (cascading to their
// embeddings) and inserts chunks in one transaction, so a re-run of the
// chunk step never leaves a mix of old and new rows.
func (s *Store) ReplaceChunks(ctx context.Context, sourceID string, chunks []Chunk) error {
	now := s.millis()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("store: clear embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("store: clear chunks: %w", err)
		}
		for _, c := range chunks {
			issues, _ := json.Marshal(c.Issues)
			var page any
			if c.PageID != "" {
				page = c.PageID
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO chunks
				(id, source_id, page_id, chunk_index, content, token_count, quality, issues, is_force_created, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, sourceID, page, c.Index, c.Content, c.TokenCount, c.Quality, string(issues),
				c.IsForceCreated, now)
			if err != nil {
				return fmt.Errorf("store: insert chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
}

// ListChunks returns the chunks of sourceID in index order.
func (s *Store) ListChunks(ctx context.Context, sourceID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, COALESCE(page_id, ''), chunk_index,
		content, token_count, quality, issues, is_force_created
		FROM chunks WHERE source_id = ? ORDER BY chunk_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var (
			c      Chunk
			issues string
		)
		if err := rows.Scan(&c.ID, &c.SourceID, &c.PageID, &c.Index, &c.Content, &c.TokenCount,
			&c.Quality, &issues, &c.IsForceCreated); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(issues), &c.Issues)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutEmbeddings upserts vectors. A vector whose chunk no longer exists
// violates the chunk foreign key and is reported as an IntegrityError.
func (s *Store) PutEmbeddings(ctx context.Context, embs []Embedding) error {
	now := s.millis()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, e := range embs {
			_, err := tx.ExecContext(ctx, `INSERT INTO embeddings
				(chunk_id, source_id, model, dimension, vector, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (chunk_id) DO UPDATE SET model = excluded.model,
					dimension = excluded.dimension, vector = excluded.vector, created_at = excluded.created_at`,
				e.ChunkID, e.SourceID, e.Model, len(e.Vector), embedding.EncodeVector(e.Vector), now)
			if err != nil {
				if strings.Contains(err.Error(), "FOREIGN KEY") {
					return faults.Integrity(e.ChunkID, e.SourceID, "chunk no longer exists")
				}
				return fmt.Errorf("store: put embedding: %w", err)
			}
		}
		return nil
	})
}

// GetEmbedding returns the vector of chunkID, or nil.
func (s *Store) GetEmbedding(ctx context.Context, chunkID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE chunk_id = ?`, chunkID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return embedding.DecodeVector(blob)
}

// CountEmbeddings returns the number of vectors stored for sourceID.
func (s *Store) CountEmbeddings(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE source_id = ?`, sourceID).Scan(&n)
	return n, err
}

// PurgeSource deletes everything derived from sourceID in dependency
// order: embeddings, chunks, pages, raw captures. The source row stays.
func (s *Store) PurgeSource(ctx context.Context, sourceID string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM embeddings WHERE source_id = ?`,
			`DELETE FROM chunks WHERE source_id = ?`,
			`DELETE FROM source_pages WHERE parent_source_id = ?`,
			`DELETE FROM raw_captures WHERE source_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, sourceID); err != nil {
				return fmt.Errorf("store: purge %s: %w", sourceID, err)
			}
		}
		return nil
	})
}

// Embedded is a chunk joined with its stored vector.
type Embedded struct {
	Chunk  Chunk
	Vector []float32
}

// ListEmbedded returns the chunks of sourceID that have a vector.
func (s *Store) ListEmbedded(ctx context.Context, sourceID string) ([]Embedded, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.chunk_index, c.content, e.vector
		FROM chunks c JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.source_id = ? ORDER BY c.chunk_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: list embedded: %w", err)
	}
	defer rows.Close()
	var out []Embedded
	for rows.Next() {
		var (
			e    Embedded
			blob []byte
		)
		if err := rows.Scan(&e.Chunk.ID, &e.Chunk.Index, &e.Chunk.Content, &blob); err != nil {
			return nil, err
		}
		e.Chunk.SourceID = sourceID
		if e.Vector, err = embedding.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("store: chunk %s: %w", e.Chunk.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
