package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ReplaceDocument stores a document and its chunks, replacing any prior
// version of the same path in one transaction. It returns the chunk IDs
// of the replaced version so the caller can drop their index entries.
// The document keeps its original ID across re-ingestions.
func (s *Store) ReplaceDocument(ctx context.Context, doc Document, chunks []Chunk) (prevChunkIDs []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning document transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", doc.Path).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		// First ingestion of this path.
	case err != nil:
		return nil, fmt.Errorf("looking up document %s: %w", doc.Path, err)
	default:
		doc.ID = existingID
		rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE document_id = ?", existingID)
		if err != nil {
			return nil, fmt.Errorf("listing stale chunks for %s: %w", doc.Path, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning stale chunk id: %w", err)
			}
			prevChunkIDs = append(prevChunkIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", existingID); err != nil {
			return nil, fmt.Errorf("deleting stale chunks for %s: %w", doc.Path, err)
		}
	}

	ingestedAt := doc.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, path, fingerprint, file_type, size_bytes, chunk_count, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			file_type = excluded.file_type,
			size_bytes = excluded.size_bytes,
			chunk_count = excluded.chunk_count,
			ingested_at = excluded.ingested_at`,
		doc.ID, doc.Path, doc.Fingerprint, doc.FileType, doc.SizeBytes, len(chunks),
		ingestedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting document %s: %w", doc.Path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, seq, content, start_offset, end_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = ingestedAt
		}
		if _, err := stmt.ExecContext(ctx, c.ID, doc.ID, c.Seq, c.Content, c.Start, c.End, createdAt.Format(time.RFC3339)); err != nil {
			return nil, fmt.Errorf("inserting chunk %d of %s: %w", c.Seq, doc.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing document %s: %w", doc.Path, err)
	}
	return prevChunkIDs, nil
}

// GetDocumentByPath returns the stored document for an absolute path,
// or ErrNotFound.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (Document, error) {
	var d Document
	var ingestedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, fingerprint, file_type, size_bytes, chunk_count, ingested_at
		FROM documents WHERE path = ?`, path,
	).Scan(&d.ID, &d.Path, &d.Fingerprint, &d.FileType, &d.SizeBytes, &d.ChunkCount, &ingestedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, ingestedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	d.IngestedAt = t
	return d, nil
}

// ListDocuments returns all ingested documents ordered by path.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, fingerprint, file_type, size_bytes, chunk_count, ingested_at
		FROM documents ORDER BY path ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var ingestedAt string
		if err := rows.Scan(&d.ID, &d.Path, &d.Fingerprint, &d.FileType, &d.SizeBytes, &d.ChunkCount, &ingestedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing ingested_at: %w", err)
		}
		d.IngestedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// RemoveDocument deletes a document and its chunks, returning the removed
// chunk IDs so the caller can drop their index entries. ErrNotFound if the
// path was never ingested.
func (s *Store) RemoveDocument(ctx context.Context, path string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning remove transaction: %w", err)
	}
	defer tx.Rollback()

	var docID string
	err = tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", path).Scan(&docID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up document %s: %w", path, err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE document_id = ?", docID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for %s: %w", path, err)
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		chunkIDs = append(chunkIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
		return nil, fmt.Errorf("deleting chunks for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", docID); err != nil {
		return nil, fmt.Errorf("deleting document %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing remove of %s: %w", path, err)
	}
	return chunkIDs, nil
}

// GetChunksByIDs returns the chunks matching the given IDs, in no
// particular order. Missing IDs are silently absent from the result.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, document_id, seq, content, start_offset, end_offset, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by IDs: %w", err)
	}
	defer rows.Close()

	var results []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// GetChunksByDocument returns a document's chunks in sequence order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, seq, content, start_offset, end_offset, created_at
		FROM chunks WHERE document_id = ? ORDER BY seq ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for document %s: %w", docID, err)
	}
	defer rows.Close()

	var results []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// ChunkSources resolves chunk IDs to their source document paths.
func (s *Store) ChunkSources(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT chunks.id, documents.path
		FROM chunks JOIN documents ON documents.id = chunks.document_id
		WHERE chunks.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolving chunk sources: %w", err)
	}
	defer rows.Close()

	sources := make(map[string]string, len(ids))
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		sources[id] = path
	}
	return sources, rows.Err()
}

// Stats reports corpus and conversation counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&st.Documents); err != nil {
		return Stats{}, fmt.Errorf("counting documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&st.Chunks); err != nil {
		return Stats{}, fmt.Errorf("counting chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&st.Conversations); err != nil {
		return Stats{}, fmt.Errorf("counting conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT file_type, COUNT(*) FROM documents GROUP BY file_type")
	if err != nil {
		return Stats{}, fmt.Errorf("counting document types: %w", err)
	}
	defer rows.Close()

	st.DocumentTypes = make(map[string]int)
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			return Stats{}, err
		}
		st.DocumentTypes[ft] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if st.Documents > 0 {
		st.AvgChunksPerDoc = float64(st.Chunks) / float64(st.Documents)

		var last string
		if err := s.db.QueryRowContext(ctx, "SELECT MAX(ingested_at) FROM documents").Scan(&last); err != nil {
			return Stats{}, fmt.Errorf("finding last ingestion: %w", err)
		}
		t, err := time.Parse(time.RFC3339, last)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing last ingestion time: %w", err)
		}
		st.LastIngestedAt = t
	}

	return st, nil
}

// rowScanner lets scanChunk work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(r rowScanner) (Chunk, error) {
	var c Chunk
	var createdAt string
	if err := r.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Content, &c.Start, &c.End, &createdAt); err != nil {
		return Chunk{}, fmt.Errorf("scanning chunk: %w", err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("parsing chunk created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}
