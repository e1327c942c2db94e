package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
)

const (
	defaultHistoryWindow    = 5
	defaultMaxContextTokens = 4000
)

const groundedPreamble = "You are a helpful and informative assistant that answers questions " +
	"using the reference passages and the conversation history included below. " +
	"Respond in complete sentences and include all relevant background information. " +
	"If the passages are irrelevant to the answer, you may ignore them."

const contextFreePreamble = "You are a helpful and informative assistant. " +
	"No reference passages matched this question. Answer from the conversation " +
	"history and general knowledge, say when the question would need the user's " +
	"documents, and never invent citations."

// Prompt is an assembled generation request plus the provenance the caller
// records on the resulting turn. ChunkIDs and Sources cover only passages
// that survived the token budget.
type Prompt struct {
	Messages    []engine.Message
	ChunkIDs    []string
	Sources     []string
	ContextFree bool
}

// Composer assembles generation prompts from the current question, a sliding
// window of prior turns, and retrieved context passages.
type Composer struct {
	HistoryWindow    int
	MaxContextTokens int
}

// New creates a Composer keeping up to historyWindow prior turns and at most
// maxContextTokens of passage text. Non-positive values select the defaults
// (5 turns, 4000 tokens).
func New(historyWindow, maxContextTokens int) *Composer {
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{HistoryWindow: historyWindow, MaxContextTokens: maxContextTokens}
}

// Compose builds the chat messages for one question. The system message
// carries the preamble; a single user message carries the conversation
// window (most recent last), the passages in descending similarity order,
// and the current question. With no usable passages the prompt is marked
// context-free and the preamble tells the model not to cite anything.
func (c *Composer) Compose(question string, history []storage.Turn, chunks []retrieval.ContextChunk) Prompt {
	included := c.fitBudget(chunks)

	var sb strings.Builder

	if window := c.window(history); len(window) > 0 {
		sb.WriteString("Previous Conversation:\n")
		for i, turn := range window {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "User: %s\nAssistant: %s", turn.Question, turn.Answer)
		}
		sb.WriteString("\n\n")
	}

	if len(included) > 0 {
		sb.WriteString("Reference Passages:\n")
		for _, ch := range included {
			fmt.Fprintf(&sb, "From %s:\n%s\n\n", ch.Source, ch.Text)
		}
	}

	fmt.Fprintf(&sb, "Current Question: %s", question)

	prompt := Prompt{
		ContextFree: len(included) == 0,
	}
	preamble := groundedPreamble
	if prompt.ContextFree {
		preamble = contextFreePreamble
	}
	prompt.Messages = []engine.Message{
		{Role: "system", Content: preamble},
		{Role: "user", Content: sb.String()},
	}

	seen := make(map[string]bool, len(included))
	for _, ch := range included {
		prompt.ChunkIDs = append(prompt.ChunkIDs, ch.ChunkID)
		if !seen[ch.Source] {
			seen[ch.Source] = true
			prompt.Sources = append(prompt.Sources, ch.Source)
		}
	}
	return prompt
}

// window returns the last HistoryWindow turns in chronological order.
func (c *Composer) window(history []storage.Turn) []storage.Turn {
	if len(history) > c.HistoryWindow {
		return history[len(history)-c.HistoryWindow:]
	}
	return history
}

// fitBudget keeps passages while they fit in the token budget. Passages
// arrive in descending similarity order; one that does not fit is skipped
// rather than ending selection, so a smaller passage can still use the
// remaining room.
func (c *Composer) fitBudget(chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	remaining := c.MaxContextTokens
	var included []retrieval.ContextChunk
	for _, ch := range chunks {
		tokens := EstimateTokens(fmt.Sprintf("From %s:\n%s\n\n", ch.Source, ch.Text))
		if tokens > remaining {
			continue
		}
		included = append(included, ch)
		remaining -= tokens
	}
	return included
}

// EstimateTokens provides a rough token count using the 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
