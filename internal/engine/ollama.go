package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kalambet/askdocs/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface,
// retrying rate limits and transient server errors.
type OllamaEngine struct {
	client  *ollama.Client
	retries int
	backoff time.Duration
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at
// baseURL, using the default retry policy.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	var s *ollama.Schema
	if jsonSchema != nil {
		s = &ollama.Schema{
			Type:     jsonSchema.Type,
			Required: jsonSchema.Required,
		}
		if jsonSchema.Properties != nil {
			s.Properties = make(map[string]ollama.SchemaProperty, len(jsonSchema.Properties))
			for k, v := range jsonSchema.Properties {
				s.Properties[k] = ollama.SchemaProperty{Type: v.Type, Description: v.Description}
			}
		}
	}

	var out string
	err := withRetry(ctx, e.retries, e.backoff, func() error {
		var err error
		out, err = e.client.Chat(ctx, model, msgs, s)
		return markOllama(err)
	})
	if err != nil {
		return "", classify(err)
	}
	return out, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var vec []float32
	err := withRetry(ctx, e.retries, e.backoff, func() error {
		var err error
		vec, err = e.client.Embed(ctx, model, text)
		return markOllama(err)
	})
	if err != nil {
		return nil, classify(err)
	}
	return vec, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return models, nil
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}

// markOllama flags Ollama API failures worth retrying.
func markOllama(err error) error {
	if err == nil {
		return nil
	}
	var se *ollama.StatusError
	if errors.As(err, &se) && (se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError) {
		return transient(err)
	}
	return err
}
