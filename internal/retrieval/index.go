package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time check that SQLiteIndex implements VectorIndex.
var _ VectorIndex = (*SQLiteIndex)(nil)

// metaDimensionKey is the meta-table key recording the index dimensionality,
// set by the first insert and enforced ever after, across restarts.
const metaDimensionKey = "index_dimension"

// SQLiteIndex provides vector storage and brute-force cosine similarity
// search backed by SQLite. Scores are computed over every stored vector;
// for the bounded corpora this tool targets that stays well under query
// latency budgets, and exact scan keeps result ordering reproducible.
type SQLiteIndex struct {
	db *sql.DB

	mu  sync.Mutex
	dim int // 0 until the first vector establishes it
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations. The
// vectors and meta tables must already exist (created via migrations).
// A previously established dimensionality is loaded from the meta table.
func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	idx := &SQLiteIndex{db: db}

	var value string
	err := db.QueryRow("SELECT value FROM meta WHERE key = ?", metaDimensionKey).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		// Fresh index; the first insert will establish the dimension.
	case err != nil:
		return nil, fmt.Errorf("loading index dimension: %w", err)
	default:
		dim, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("parsing stored index dimension %q: %w", value, err)
		}
		idx.dim = dim
	}

	return idx, nil
}

// Insert stores one vector, replacing any prior entry for the chunk ID.
// The replaced entry keeps its original insertion order so tie-breaks stay
// stable across reprocessing.
func (s *SQLiteIndex) Insert(ctx context.Context, chunkID string, vector []float32) error {
	if err := s.checkDimension(ctx, vector); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vectors (chunk_id, embedding, created_at) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET embedding = excluded.embedding`,
		chunkID, encodeFloat32s(vector), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting vector for chunk %s: %w", chunkID, err)
	}
	return nil
}

// InsertBatch stores several vectors in one transaction. All vectors are
// dimension-checked before anything is written, so a mismatch fails the
// whole batch with no partial state.
func (s *SQLiteIndex) InsertBatch(ctx context.Context, chunkIDs []string, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return fmt.Errorf("chunk id count %d does not match vector count %d", len(chunkIDs), len(vectors))
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	for i, vec := range vectors[1:] {
		if len(vec) != len(vectors[0]) {
			return fmt.Errorf("vector %d has %d dimensions, batch started with %d: %w",
				i+1, len(vec), len(vectors[0]), ErrDimensionMismatch)
		}
	}
	if err := s.checkDimension(ctx, vectors[0]); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (chunk_id, embedding, created_at) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, id, encodeFloat32s(vectors[i]), now); err != nil {
			return fmt.Errorf("inserting vector for chunk %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Search performs brute-force cosine similarity search over all vectors,
// returning the top-k hits ordered by descending score. Equal scores are
// resolved in favor of the earlier-inserted chunk.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if dim := s.dimension(); dim > 0 && len(vector) != dim {
		return nil, fmt.Errorf("query vector has %d dimensions, index has %d: %w", len(vector), dim, ErrDimensionMismatch)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT rowid, chunk_id, embedding FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)

	h := &hitHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var seq int64
		var id string
		var blob []byte
		if err := rows.Scan(&seq, &id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		var score float32
		if queryNorm > 0 {
			score = dotProduct(vector, buf, queryNorm)
		}

		candidate := rankedHit{ChunkID: id, Score: score, seq: seq}
		if h.Len() < k {
			heap.Push(h, candidate)
		} else if candidate.beats((*h)[0]) {
			(*h)[0] = candidate
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop worst-first; filling back-to-front yields best-first.
	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		item := heap.Pop(h).(rankedHit)
		hits[i] = Hit{ChunkID: item.ChunkID, Score: item.Score}
	}
	return hits, nil
}

// Delete removes entries by chunk ID. Missing IDs are ignored.
func (s *SQLiteIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	query := "DELETE FROM vectors WHERE chunk_id IN (?" + strings.Repeat(",?", len(chunkIDs)-1) + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&count)
	return count, err
}

// Dimension returns the established dimensionality, or 0 for an empty index.
func (s *SQLiteIndex) Dimension(ctx context.Context) (int, error) {
	return s.dimension(), nil
}

func (s *SQLiteIndex) dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

// checkDimension validates a vector against the established dimensionality,
// establishing it (and persisting it to the meta table) on first insert.
func (s *SQLiteIndex) checkDimension(ctx context.Context, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector: %w", ErrDimensionMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			metaDimensionKey, strconv.Itoa(len(vector)), time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("recording index dimension: %w", err)
		}
		s.dim = len(vector)
		return nil
	}

	if len(vector) != s.dim {
		return fmt.Errorf("vector has %d dimensions, index has %d: %w", len(vector), s.dim, ErrDimensionMismatch)
	}
	return nil
}

// rankedHit carries the insertion sequence alongside the score so ties
// resolve deterministically in favor of earlier inserts.
type rankedHit struct {
	ChunkID string
	Score   float32
	seq     int64
}

// beats reports whether h outranks other: higher score wins, equal scores
// go to the earlier insertion.
func (h rankedHit) beats(other rankedHit) bool {
	if h.Score != other.Score {
		return h.Score > other.Score
	}
	return h.seq < other.seq
}

// hitHeap is a min-heap of rankedHit: the root is the weakest candidate,
// evicted first as better ones arrive during the scan.
type hitHeap []rankedHit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[j].beats(h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(rankedHit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}
