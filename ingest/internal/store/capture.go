package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/sourceflow/compress"
	"github.com/hazyhaar/sourceflow/dbopen"
	"github.com/hazyhaar/sourceflow/events"
)

// PutCapture archives c compressed and refreshes the size metrics of its
// source. Re-capturing the same ID replaces the previous bytes.
func (s *Store) PutCapture(ctx context.Context, c Capture) (compress.Stats, error) {
	packed, stats := compress.Encode(c.Data)
	var src *Source
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO raw_captures
			(id, source_id, page_id, content_type, original_bytes, compressed_bytes, data, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET content_type = excluded.content_type,
				original_bytes = excluded.original_bytes, compressed_bytes = excluded.compressed_bytes,
				data = excluded.data, captured_at = excluded.captured_at`,
			c.ID, c.SourceID, c.PageID, c.ContentType, stats.OriginalBytes, stats.CompressedBytes,
			packed, s.millis())
		if err != nil {
			return fmt.Errorf("store: put capture: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE sources SET
			original_bytes = (SELECT COALESCE(SUM(original_bytes), 0) FROM raw_captures WHERE source_id = ?),
			compressed_bytes = (SELECT COALESCE(SUM(compressed_bytes), 0) FROM raw_captures WHERE source_id = ?),
			updated_at = ?
			WHERE id = ?`, c.SourceID, c.SourceID, s.millis(), c.SourceID)
		if err != nil {
			return fmt.Errorf("store: capture sizes: %w", err)
		}
		src, err = getSource(ctx, tx, c.SourceID)
		return err
	})
	if err != nil {
		return stats, err
	}
	if src != nil {
		s.emitSource(ctx, events.SourceUpdated, src)
	}
	return stats, nil
}

// GetCapture restores the archived bytes of id.
func (s *Store) GetCapture(ctx context.Context, id string) (data []byte, contentType string, err error) {
	var packed []byte
	err = s.db.QueryRowContext(ctx, `SELECT data, content_type FROM raw_captures WHERE id = ?`, id).
		Scan(&packed, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: capture %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", err
	}
	data, err = compress.Decode(packed)
	if err != nil {
		return nil, "", fmt.Errorf("store: capture %s: %w", id, err)
	}
	return data, contentType, nil
}
