package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/askdocs/internal/engine"
)

// stubEngine implements engine.Engine with a scriptable Embed.
type stubEngine struct {
	embedFunc func(ctx context.Context, model, text string) ([]float32, error)
	chatFunc  func(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

func (s *stubEngine) Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error) {
	if s.chatFunc == nil {
		return "", errors.New("chat not scripted")
	}
	return s.chatFunc(ctx, model, messages, schema)
}

func (s *stubEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return s.embedFunc(ctx, model, text)
}

func (s *stubEngine) IsRunning(context.Context) bool                 { return true }
func (s *stubEngine) ListModels(context.Context) ([]string, error)   { return nil, nil }
func (s *stubEngine) HasModel(context.Context, string) bool          { return true }
func (s *stubEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

func TestEmbed(t *testing.T) {
	var gotModel, gotText string
	eng := &stubEngine{
		embedFunc: func(_ context.Context, model, text string) ([]float32, error) {
			gotModel, gotText = model, text
			return []float32{0.1, 0.2}, nil
		},
	}

	e := NewEmbedder(eng, "nomic-embed-text", 0)
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("got %d dimensions, want 2", len(vec))
	}
	if gotModel != "nomic-embed-text" {
		t.Errorf("model = %q, want nomic-embed-text", gotModel)
	}
	if gotText != "hello world" {
		t.Errorf("text = %q, want hello world", gotText)
	}
}

func TestEmbed_EmptyVectorIsUnavailable(t *testing.T) {
	eng := &stubEngine{
		embedFunc: func(context.Context, string, string) ([]float32, error) {
			return []float32{}, nil
		},
	}

	e := NewEmbedder(eng, "m", 0)
	_, err := e.Embed(context.Background(), "text")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("Embed error = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbed_BackendErrorIsUnavailable(t *testing.T) {
	eng := &stubEngine{
		embedFunc: func(context.Context, string, string) ([]float32, error) {
			return nil, errors.New("model exploded")
		},
	}

	e := NewEmbedder(eng, "m", 0)
	_, err := e.Embed(context.Background(), "text")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("Embed error = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbed_TimeoutPassesThrough(t *testing.T) {
	eng := &stubEngine{
		embedFunc: func(context.Context, string, string) ([]float32, error) {
			return nil, fmt.Errorf("embed: %w", engine.ErrTimeout)
		},
	}

	e := NewEmbedder(eng, "m", 0)
	_, err := e.Embed(context.Background(), "text")
	if !errors.Is(err, engine.ErrTimeout) {
		t.Fatalf("Embed error = %v, want engine.ErrTimeout preserved", err)
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("timeout was folded into ErrEmbeddingUnavailable: %v", err)
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	eng := &stubEngine{
		embedFunc: func(_ context.Context, _, text string) ([]float32, error) {
			// Distinct vector per text so order mix-ups are visible.
			return []float32{float32(len(text)), 1}, nil
		},
	}

	e := NewEmbedder(eng, "m", 0)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg", "hhhhhhhh"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vecs[%d][0] = %v, want %d (order not preserved)", i, vecs[i][0], len(text))
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	calls := 0
	eng := &stubEngine{
		embedFunc: func(context.Context, string, string) ([]float32, error) {
			calls++
			return []float32{1}, nil
		},
	}

	e := NewEmbedder(eng, "m", 0)
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil for empty input", vecs)
	}
	if calls != 0 {
		t.Errorf("backend called %d times, want 0", calls)
	}
}

func TestEmbedBatch_InconsistentDimensions(t *testing.T) {
	eng := &stubEngine{
		embedFunc: func(_ context.Context, _, text string) ([]float32, error) {
			if text == "odd one" {
				return []float32{1, 2, 3}, nil
			}
			return []float32{1, 2}, nil
		},
	}

	e := NewEmbedder(eng, "m", 0)
	_, err := e.EmbedBatch(context.Background(), []string{"first", "odd one", "third"})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("EmbedBatch error = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbedBatch_FailureAborts(t *testing.T) {
	eng := &stubEngine{
		embedFunc: func(_ context.Context, _, text string) ([]float32, error) {
			if text == "bad" {
				return nil, errors.New("backend failure")
			}
			return []float32{1, 2}, nil
		},
	}

	e := NewEmbedder(eng, "m", 0)
	_, err := e.EmbedBatch(context.Background(), []string{"ok", "bad", "ok too"})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("EmbedBatch error = %v, want ErrEmbeddingUnavailable", err)
	}
}
