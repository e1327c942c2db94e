package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/storage"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration

	calls    int
	messages []engine.Message
	schema   *engine.Schema
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	m.calls++
	m.messages = messages
	m.schema = jsonSchema
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func sampleTurns() []storage.Turn {
	return []storage.Turn{
		{Question: "where did we stay in Kyoto?", Answer: "You stayed at a ryokan near the station."},
		{Question: "how much was it?", Answer: "About 12000 yen per night."},
	}
}

func TestSummarize(t *testing.T) {
	mock := &mockChatter{response: `{"summary":"Planning details of a Kyoto trip, covering lodging and costs."}`}
	s := NewSummarizer(mock, "phi3.5")

	got := s.Summarize(context.Background(), sampleTurns())
	want := "Planning details of a Kyoto trip, covering lodging and costs."
	if got != want {
		t.Errorf("Summarize() = %q, want %q", got, want)
	}

	if mock.schema == nil || mock.schema.Properties["summary"].Type != "string" {
		t.Errorf("schema = %+v, want summary string field", mock.schema)
	}
	if len(mock.messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(mock.messages))
	}
	if !strings.Contains(mock.messages[1].Content, "User: where did we stay in Kyoto?") {
		t.Errorf("prompt missing conversation turns:\n%s", mock.messages[1].Content)
	}
}

func TestSummarize_EmptyConversation(t *testing.T) {
	mock := &mockChatter{response: `{"summary":"nothing"}`}
	s := NewSummarizer(mock, "phi3.5")

	if got := s.Summarize(context.Background(), nil); got != "" {
		t.Errorf("Summarize(no turns) = %q, want empty", got)
	}
	if mock.calls != 0 {
		t.Errorf("backend called %d times, want 0 for empty conversation", mock.calls)
	}
}

func TestSummarize_MalformedJSON(t *testing.T) {
	mock := &mockChatter{response: "Sure! Here is your summary: the conversation is about travel."}
	s := NewSummarizer(mock, "phi3.5")

	if got := s.Summarize(context.Background(), sampleTurns()); got != "" {
		t.Errorf("Summarize() = %q, want empty on malformed response", got)
	}
}

func TestSummarize_ChatError(t *testing.T) {
	mock := &mockChatter{err: errors.New("backend down")}
	s := NewSummarizer(mock, "phi3.5")

	if got := s.Summarize(context.Background(), sampleTurns()); got != "" {
		t.Errorf("Summarize() = %q, want empty on chat failure", got)
	}
}

func TestSummarize_Timeout(t *testing.T) {
	mock := &mockChatter{response: `{"summary":"late"}`, delay: 200 * time.Millisecond}
	s := NewSummarizer(mock, "phi3.5")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if got := s.Summarize(ctx, sampleTurns()); got != "" {
		t.Errorf("Summarize() = %q, want empty on timeout", got)
	}
}

func TestSummarize_TrimsWhitespace(t *testing.T) {
	mock := &mockChatter{response: `{"summary":"  padded summary text.  "}`}
	s := NewSummarizer(mock, "phi3.5")

	if got := s.Summarize(context.Background(), sampleTurns()); got != "padded summary text." {
		t.Errorf("Summarize() = %q, want trimmed", got)
	}
}
