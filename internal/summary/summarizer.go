package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/storage"
)

const summarizeTimeout = 10 * time.Second

const systemPrompt = `You are a summarization engine. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown. The summary field holds one or two sentences capturing what the conversation is about.`

// Chatter is the chat-completion surface the Summarizer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Summarizer condenses conversations into short summaries using a fast
// model, so listings and search have something meaningful to show.
type Summarizer struct {
	client Chatter
	model  string
}

// NewSummarizer creates a Summarizer using the given chat client and model name.
func NewSummarizer(client Chatter, model string) *Summarizer {
	return &Summarizer{client: client, model: model}
}

// Summarize returns a one-or-two sentence summary of the turns. On any
// failure (timeout, malformed JSON, backend error) it returns an empty
// string: summaries are best-effort decoration and must never fail the
// operation that requested them.
func (s *Summarizer) Summarize(ctx context.Context, turns []storage.Turn) string {
	if len(turns) == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	raw, err := s.client.Chat(ctx, s.model, buildPrompt(turns), summarySchema())
	if err != nil {
		slog.Warn("conversation summary chat failed", "error", err)
		return ""
	}

	var result struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal summary from LLM response", "error", err, "response", raw)
		return ""
	}
	return strings.TrimSpace(result.Summary)
}

// buildPrompt constructs the chat messages for summarization.
func buildPrompt(turns []storage.Turn) []engine.Message {
	var sb strings.Builder
	sb.WriteString("Based on the conversation history below, provide a brief 1-2 sentence summary.\n\nConversation:\n")
	for i, turn := range turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s", turn.Question, turn.Answer)
	}

	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// summarySchema returns the JSON schema for structured summary output.
func summarySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"summary": {Type: "string", Description: "One or two sentences describing the conversation"},
		},
		Required: []string{"summary"},
	}
}
