package reranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/retrieval"
)

// scriptedChatter answers scoring prompts by matching passage text fragments,
// so assertions stay deterministic regardless of goroutine scheduling.
type scriptedChatter struct {
	responses map[string]string // passage fragment -> raw model response
	err       error
	delay     time.Duration
	calls     atomic.Int32
}

func (s *scriptedChatter) Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	prompt := messages[len(messages)-1].Content
	for frag, resp := range s.responses {
		if strings.Contains(prompt, frag) {
			return resp, nil
		}
	}
	return `{"score": 0.5}`, nil
}

func passages(texts ...string) []retrieval.ContextChunk {
	chunks := make([]retrieval.ContextChunk, len(texts))
	for i, text := range texts {
		chunks[i] = retrieval.ContextChunk{
			ChunkID: fmt.Sprintf("c%d", i+1),
			Source:  "/docs/guide.txt",
			Seq:     i + 1,
			Text:    text,
			Score:   0.5,
		}
	}
	return chunks
}

func chunkIDs(chunks []retrieval.ContextChunk) []string {
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ChunkID
	}
	return ids
}

func TestRerank_OrdersByModelScore(t *testing.T) {
	client := &scriptedChatter{responses: map[string]string{
		"alpha": `{"score": 0.3}`,
		"beta":  `{"score": 0.9}`,
		"gamma": `{"score": 0.6}`,
	}}
	r := New(client, "phi3.5", true, time.Second, 0)

	got := r.Rerank(context.Background(), "which greek letter?", passages("alpha", "beta", "gamma"))

	want := []string{"c2", "c3", "c1"}
	if len(got) != len(want) {
		t.Fatalf("got %d passages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ChunkID != id {
			t.Errorf("got[%d] = %s (score %g), want %s", i, got[i].ChunkID, got[i].Score, id)
		}
	}
	if got[0].Score != float32(0.9) {
		t.Errorf("top score = %g, want 0.9", got[0].Score)
	}
}

func TestRerank_DropsBelowThreshold(t *testing.T) {
	client := &scriptedChatter{responses: map[string]string{
		"relevant": `{"score": 0.9}`,
		"noise":    `{"score": 0.2}`,
	}}
	r := New(client, "phi3.5", true, time.Second, 0.5)

	got := r.Rerank(context.Background(), "question", passages("relevant", "noise"))

	if len(got) != 1 {
		t.Fatalf("got %d passages, want 1", len(got))
	}
	if got[0].Text != "relevant" {
		t.Errorf("kept passage %q, want %q", got[0].Text, "relevant")
	}
}

func TestRerank_AllBelowThresholdReturnsEmpty(t *testing.T) {
	client := &scriptedChatter{responses: map[string]string{
		"": `{"score": 0.1}`,
	}}
	r := New(client, "phi3.5", true, time.Second, 0.5)

	got := r.Rerank(context.Background(), "question", passages("one", "two", "three"))

	if len(got) != 0 {
		t.Errorf("got %d passages, want 0 when every score falls below the threshold", len(got))
	}
}

func TestRerank_TimeoutKeepsRetrievalOrder(t *testing.T) {
	client := &scriptedChatter{delay: 5 * time.Second}
	r := New(client, "phi3.5", true, 30*time.Millisecond, 0)

	start := time.Now()
	got := r.Rerank(context.Background(), "question", passages("one", "two", "three"))
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Rerank took %v, want well under the scripted 5s delay", elapsed)
	}
	wantIDs := []string{"c1", "c2", "c3"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d passages, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ChunkID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ChunkID, id)
		}
		if got[i].Score != 0.5 {
			t.Errorf("got[%d].Score = %g, want retrieval score 0.5", i, got[i].Score)
		}
	}
}

func TestRerank_ScoreFailureKeepsRetrievalScore(t *testing.T) {
	client := &scriptedChatter{err: errors.New("model went away")}
	r := New(client, "phi3.5", true, time.Second, 0.3)

	got := r.Rerank(context.Background(), "question", passages("one", "two", "three"))

	wantIDs := []string{"c1", "c2", "c3"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d passages, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ChunkID != id {
			t.Errorf("got[%d] = %s, want %s (stable order on equal scores)", i, got[i].ChunkID, id)
		}
		if got[i].Score != 0.5 {
			t.Errorf("got[%d].Score = %g, want retrieval score 0.5", i, got[i].Score)
		}
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	client := &scriptedChatter{}
	r := New(client, "phi3.5", true, time.Second, 0.5)

	if got := r.Rerank(context.Background(), "question", nil); len(got) != 0 {
		t.Errorf("got %d passages, want 0", len(got))
	}
	if n := client.calls.Load(); n != 0 {
		t.Errorf("chat called %d times, want 0", n)
	}
}

func TestNew_DisabledIsNoop(t *testing.T) {
	r := New(nil, "phi3.5", false, time.Second, 0.5)
	if _, ok := r.(Noop); !ok {
		t.Fatalf("New with enabled=false returned %T, want Noop", r)
	}

	in := passages("one", "two")
	got := r.Rerank(context.Background(), "question", in)
	if len(got) != 2 || got[0].ChunkID != "c1" || got[1].ChunkID != "c2" {
		t.Errorf("Noop changed passages: got %v", chunkIDs(got))
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    float64
		wantErr bool
	}{
		{name: "bare object", resp: `{"score": 0.75}`, want: 0.75},
		{name: "code fence", resp: "```json\n{\"score\": 0.8}\n```", want: 0.8},
		{name: "prose wrapper", resp: `Sure! The relevance is {"score": 0.25} overall.`, want: 0.25},
		{name: "no JSON", resp: "not relevant at all", wantErr: true},
		{name: "malformed JSON", resp: `{"score": }`, wantErr: true},
		{name: "out of range", resp: `{"score": 7.5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.resp)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseScore(%q) = %g, want error", tt.resp, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScore(%q): %v", tt.resp, err)
			}
			if got != tt.want {
				t.Errorf("parseScore(%q) = %g, want %g", tt.resp, got, tt.want)
			}
		})
	}
}
