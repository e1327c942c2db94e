package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/askdocs/internal/composer"
	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/reranking"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
	"github.com/kalambet/askdocs/internal/summary"
)

const defaultTopK = 10

// ErrGenerationUnavailable is returned when the generation capability fails
// for a reason other than the caller's own cancellation or deadline.
var ErrGenerationUnavailable = errors.New("generation capability unavailable")

// ErrEmptyQuestion is returned when an ask carries no question text.
var ErrEmptyQuestion = errors.New("question is empty")

// ConversationStore is the persistence the orchestrator needs from storage.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	Turns(ctx context.Context, conversationID string) ([]storage.Turn, error)
	AppendTurn(ctx context.Context, conversationID string, turn storage.Turn) (storage.Turn, error)
	SetSummary(ctx context.Context, conversationID, summary string) error
}

// Retriever finds context passages for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.ContextChunk, error)
}

// Chatter is the generation capability.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

// Citation names a source document and how many of its passages were cited.
type Citation struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

// Answer is the outcome of one ask.
type Answer struct {
	Text        string
	Sources     []Citation
	ContextFree bool
	TurnID      string
	Duration    time.Duration
}

// Orchestrator runs the ask pipeline: retrieve context for the question,
// optionally rerank it, assemble the prompt, generate, and record the turn.
type Orchestrator struct {
	store      ConversationStore
	retriever  Retriever
	reranker   reranking.Reranker
	composer   *composer.Composer
	generator  Chatter
	summarizer *summary.Summarizer
	chatModel  string
	topK       int
}

// New wires an Orchestrator. topK bounds how many passages are retrieved
// per question (default 10 if <= 0). summarizer may be nil to skip summary
// refreshes.
func New(
	store ConversationStore,
	retriever Retriever,
	reranker reranking.Reranker,
	comp *composer.Composer,
	generator Chatter,
	chatModel string,
	summarizer *summary.Summarizer,
	topK int,
) *Orchestrator {
	if topK <= 0 {
		topK = defaultTopK
	}
	if reranker == nil {
		reranker = reranking.Noop{}
	}
	return &Orchestrator{
		store:      store,
		retriever:  retriever,
		reranker:   reranker,
		composer:   comp,
		generator:  generator,
		summarizer: summarizer,
		chatModel:  chatModel,
		topK:       topK,
	}
}

// Ask answers a question inside an existing conversation:
//  1. Retrieve the top-K passages for the question (similarity floor applied)
//  2. Rerank them if reranking is enabled (never fatal)
//  3. Assemble the prompt from history window + surviving passages
//  4. Generate the answer
//  5. Append the turn and refresh the conversation summary (best effort)
//
// When no passage survives retrieval and budgeting the prompt is assembled
// context-free and the turn records that. A generation failure appends
// nothing: the conversation is unchanged.
func (o *Orchestrator) Ask(ctx context.Context, conversationID, question string) (Answer, error) {
	start := time.Now()

	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	if _, err := o.store.GetConversation(ctx, conversationID); err != nil {
		return Answer{}, err
	}
	history, err := o.store.Turns(ctx, conversationID)
	if err != nil {
		return Answer{}, fmt.Errorf("loading history: %w", err)
	}

	chunks, err := o.retriever.Retrieve(ctx, question, o.topK)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieving context: %w", err)
	}
	chunks = o.reranker.Rerank(ctx, question, chunks)

	prompt := o.composer.Compose(question, history, chunks)

	text, err := o.generator.Chat(ctx, o.chatModel, prompt.Messages, nil)
	if err != nil {
		return Answer{}, classifyGeneration(err)
	}
	text = strings.TrimSpace(text)

	turn, err := o.store.AppendTurn(ctx, conversationID, storage.Turn{
		Question:    question,
		Answer:      text,
		ChunkIDs:    prompt.ChunkIDs,
		ContextFree: prompt.ContextFree,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("recording turn: %w", err)
	}

	o.refreshSummary(ctx, conversationID, append(history, turn))

	answer := Answer{
		Text:        text,
		Sources:     citations(chunks, prompt.ChunkIDs),
		ContextFree: prompt.ContextFree,
		TurnID:      turn.ID,
		Duration:    time.Since(start),
	}
	slog.Debug("question answered",
		"conversation", conversationID,
		"passages", len(prompt.ChunkIDs),
		"context_free", prompt.ContextFree,
		"duration", answer.Duration)
	return answer, nil
}

// Retrieve runs raw similarity search without generation. k <= 0 falls back
// to the configured top-K.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, k int) ([]retrieval.ContextChunk, error) {
	if k <= 0 {
		k = o.topK
	}
	return o.retriever.Retrieve(ctx, query, k)
}

func (o *Orchestrator) refreshSummary(ctx context.Context, conversationID string, turns []storage.Turn) {
	if o.summarizer == nil {
		return
	}
	s := o.summarizer.Summarize(ctx, turns)
	if s == "" {
		return
	}
	if err := o.store.SetSummary(ctx, conversationID, s); err != nil {
		slog.Warn("could not store conversation summary", "conversation", conversationID, "error", err)
	}
}

// classifyGeneration keeps cancellation and timeouts distinguishable and
// folds everything else into ErrGenerationUnavailable.
func classifyGeneration(err error) error {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, engine.ErrTimeout):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
}

// citations folds the passages that made it into the prompt down to one
// entry per source document, in prompt order.
func citations(chunks []retrieval.ContextChunk, includedIDs []string) []Citation {
	included := make(map[string]bool, len(includedIDs))
	for _, id := range includedIDs {
		included[id] = true
	}

	var out []Citation
	pos := make(map[string]int)
	for _, ch := range chunks {
		if !included[ch.ChunkID] {
			continue
		}
		if i, ok := pos[ch.Source]; ok {
			out[i].Chunks++
			continue
		}
		pos[ch.Source] = len(out)
		out = append(out, Citation{Source: ch.Source, Chunks: 1})
	}
	return out
}
