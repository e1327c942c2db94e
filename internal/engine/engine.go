package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for backend failures. Providers fold transport errors
// into these so callers can react without knowing which backend is in use.
var (
	// ErrUnavailable indicates the inference backend cannot be reached.
	ErrUnavailable = errors.New("inference backend unavailable")
	// ErrTimeout indicates a request exceeded its deadline.
	ErrTimeout = errors.New("inference request timed out")
)

// Engine abstracts an inference backend (a local Ollama server or any
// OpenAI-compatible API). Consumers such as answer generation and embedding
// use this interface instead of depending on a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all models the backend serves.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress
	// updates. Hosted backends that cannot pull return an error.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Config selects and configures an inference provider.
type Config struct {
	Provider      string // "ollama" (default) or "openai"
	OllamaBaseURL string
	APIKey        string        // openai provider only
	BaseURL       string        // optional OpenAI-compatible endpoint override
	MaxRetries    int           // attempts per call, 0 means the default
	RetryBackoff  time.Duration // initial backoff between attempts, 0 means the default
}

// New returns the Engine for the configured provider.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "", "ollama":
		e := NewOllamaEngine(cfg.OllamaBaseURL)
		e.retries = cfg.MaxRetries
		e.backoff = cfg.RetryBackoff
		return e, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider openai requires an API key")
		}
		e := NewOpenAIEngine(cfg.APIKey, cfg.BaseURL)
		e.retries = cfg.MaxRetries
		e.backoff = cfg.RetryBackoff
		return e, nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
