package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/retrieval"
)

const (
	scoreConcurrency = 3
	defaultTimeout   = 10 * time.Second
)

// Chatter is the chat capability the reranker needs from an engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

// Reranker reorders retrieved passages by model-judged relevance to the
// question. Implementations must not fail the ask path: on any trouble they
// fall back to the ordering they were given.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk
}

// New returns a ModelReranker when enabled, Noop otherwise.
func New(client Chatter, model string, enabled bool, timeout time.Duration, threshold float64) Reranker {
	if !enabled {
		return Noop{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ModelReranker{
		client:    client,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
	}
}

// ModelReranker asks the fast model to score each (question, passage) pair
// from 0.0 to 1.0, drops passages below the threshold and sorts the rest by
// score descending. At most scoreConcurrency scoring requests are in flight.
type ModelReranker struct {
	client    Chatter
	model     string
	timeout   time.Duration
	threshold float64
}

// Rerank never fails the caller. When the timeout fires before scoring
// finishes the passages come back in retrieval order, and a passage whose
// scoring call errors keeps its retrieval score.
func (r *ModelReranker) Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	if len(chunks) == 0 {
		return chunks
	}

	scoreCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rescored := make([]retrieval.ContextChunk, len(chunks))
	copy(rescored, chunks)

	sem := make(chan struct{}, scoreConcurrency)
	var wg sync.WaitGroup
	for i := range rescored {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-scoreCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(scoreCtx, query, rescored[i].Text)
			if err != nil {
				if scoreCtx.Err() == nil {
					slog.Debug("rerank scoring failed, keeping retrieval score", "chunk", rescored[i].ChunkID, "error", err)
				}
				return
			}
			rescored[i].Score = float32(score)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-scoreCtx.Done():
		slog.Debug("rerank timed out, keeping retrieval order", "passages", len(chunks))
		return chunks
	}

	kept := rescored[:0]
	for _, ch := range rescored {
		if float64(ch.Score) >= r.threshold {
			kept = append(kept, ch)
		}
	}
	// Stable sort keeps retrieval order between equal scores.
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}

func (r *ModelReranker) score(ctx context.Context, query, passage string) (float64, error) {
	prompt := fmt.Sprintf("Rate how relevant the passage is to the question on a scale from 0.0 to 1.0.\n\n"+
		"Question: %s\n\nPassage: %s\n\n"+
		"Answer with a single JSON object of the form {\"score\": <number>}.", query, passage)

	resp, err := r.client.Chat(ctx, r.model, []engine.Message{{Role: "user", Content: prompt}}, scoreSchema)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance of the passage to the question, from 0.0 to 1.0."},
	},
	Required: []string{"score"},
}

// parseScore pulls the relevance score out of a model response. Small models
// wrap the JSON in code fences or prose, so it reads from the first { to the
// last } before decoding.
func parseScore(resp string) (float64, error) {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start == -1 || end < start {
		return 0, fmt.Errorf("no JSON object in %q", resp)
	}

	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), &body); err != nil {
		return 0, fmt.Errorf("decoding score: %w", err)
	}
	if body.Score < 0 || body.Score > 1 {
		return 0, fmt.Errorf("score %g out of range", body.Score)
	}
	return body.Score, nil
}

// Noop returns passages unchanged. Used when reranking is disabled.
type Noop struct{}

func (Noop) Rerank(_ context.Context, _ string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	return chunks
}
