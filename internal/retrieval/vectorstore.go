package retrieval

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimensionality the index was established with.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrEmbeddingUnavailable is returned when the embedding capability is
// unreachable or produced malformed output.
var ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")

// VectorIndex stores (chunk ID, vector) pairs and answers nearest-neighbor
// queries. The default implementation is SQLite with a brute-force cosine
// scan; any replacement must keep the same ordering semantics (descending
// similarity, ties resolved by insertion order).
type VectorIndex interface {
	// Insert stores a vector under a chunk ID, replacing any prior entry
	// for the same ID. Fails with ErrDimensionMismatch when the vector's
	// length differs from the index's established dimensionality.
	Insert(ctx context.Context, chunkID string, vector []float32) error

	// InsertBatch stores several vectors in one transaction. Vectors are
	// validated before anything is written.
	InsertBatch(ctx context.Context, chunkIDs []string, vectors [][]float32) error

	// Search returns the k entries most similar to the query vector,
	// ordered by descending cosine similarity. k larger than the index
	// returns everything; k <= 0 returns nothing.
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// Delete removes entries by chunk ID. Unknown IDs are ignored.
	Delete(ctx context.Context, chunkIDs []string) error

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)

	// Dimension returns the established vector dimensionality, or 0 for
	// an index that has never been written to.
	Dimension(ctx context.Context) (int, error)
}

// Hit is one search result: a chunk reference and its similarity score.
type Hit struct {
	ChunkID string
	Score   float32
}
