package retrieval

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/askdocs/internal/engine"
)

// embedConcurrency bounds concurrent embedding calls so batch ingestion
// doesn't overwhelm the inference backend.
const embedConcurrency = 4

// Embedder wraps an Engine to generate text embeddings, adding batching,
// bounded concurrency and provider rate limiting.
type Embedder struct {
	engine  engine.Engine
	model   string
	limiter *rate.Limiter
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// requestsPerSecond caps the call rate to the backend; zero or negative
// disables limiting.
func NewEmbedder(e engine.Engine, model string, requestsPerSecond float64) *Embedder {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Embedder{
		engine:  e,
		model:   model,
		limiter: rate.NewLimiter(limit, embedConcurrency),
	}
}

// Model returns the embedding model name this Embedder calls.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, classifyEmbedErr(err)
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, classifyEmbedErr(err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("backend returned an empty vector: %w", ErrEmbeddingUnavailable)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently,
// in input order. All returned vectors are checked for consistent
// dimensionality; a backend that disagrees with itself is treated as
// unavailable rather than silently indexed. Returns nil for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(results[0])
	for i, vec := range results {
		if len(vec) != dim {
			return nil, fmt.Errorf("inconsistent embedding dimensions (%d vs %d at text %d): %w",
				dim, len(vec), i, ErrEmbeddingUnavailable)
		}
	}
	return results, nil
}

// classifyEmbedErr keeps timeouts distinguishable while folding every
// other backend failure into the embedding-unavailable kind.
func classifyEmbedErr(err error) error {
	if errors.Is(err, engine.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
}
