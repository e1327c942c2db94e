package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/askdocs/internal/storage"
)

// ContextChunk is a retrieved context fragment with its similarity score
// and source provenance, ready for prompt assembly and citation.
type ContextChunk struct {
	ChunkID string
	Source  string // absolute path of the owning document
	Seq     int    // chunk position within the document
	Text    string
	Score   float32
}

// ChunkSource resolves chunk IDs to their stored content and provenance.
// Implemented by storage.Store.
type ChunkSource interface {
	GetChunksByIDs(ctx context.Context, ids []string) ([]storage.Chunk, error)
	ChunkSources(ctx context.Context, ids []string) (map[string]string, error)
}

// Retriever combines embedding and vector search to find relevant context.
// Hits scoring below the similarity floor are dropped before hydration.
type Retriever struct {
	embedder *Embedder
	index    VectorIndex
	chunks   ChunkSource
	floor    float32
}

// NewRetriever creates a Retriever over the given Embedder, VectorIndex and
// chunk storage. floor is the minimum similarity a hit must reach to be
// returned; hits below it are discarded.
func NewRetriever(embedder *Embedder, index VectorIndex, chunks ChunkSource, floor float64) *Retriever {
	return &Retriever{
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		floor:    float32(floor),
	}
}

// Retrieve embeds the query and returns up to k context chunks ordered by
// descending similarity. An empty result is not an error; callers decide
// how to answer without context.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]ContextChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= r.floor {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	return r.hydrate(ctx, kept)
}

// hydrate resolves hits to their chunk text and source paths, preserving
// hit order. Chunks that vanished between search and lookup are skipped.
func (r *Retriever) hydrate(ctx context.Context, hits []Hit) ([]ContextChunk, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}

	stored, err := r.chunks.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	byID := make(map[string]storage.Chunk, len(stored))
	for _, c := range stored {
		byID[c.ID] = c
	}

	sources, err := r.chunks.ChunkSources(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving chunk sources: %w", err)
	}

	results := make([]ContextChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			continue
		}
		results = append(results, ContextChunk{
			ChunkID: c.ID,
			Source:  sources[c.ID],
			Seq:     c.Seq,
			Text:    c.Content,
			Score:   h.Score,
		})
	}
	return results, nil
}
