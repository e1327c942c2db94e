package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeEngine is a scriptable Engine for startup tests.
type fakeEngine struct {
	running bool
	models  []string
	pulled  []string
	pullErr error
}

func (f *fakeEngine) Chat(context.Context, string, []Message, *Schema) (string, error) {
	return "", nil
}

func (f *fakeEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, nil
}

func (f *fakeEngine) IsRunning(context.Context) bool { return f.running }

func (f *fakeEngine) ListModels(context.Context) ([]string, error) { return f.models, nil }

func (f *fakeEngine) HasModel(_ context.Context, name string) bool {
	for _, m := range f.models {
		if m == name {
			return true
		}
	}
	return false
}

func (f *fakeEngine) PullModel(_ context.Context, name string, onProgress func(PullProgress)) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, name)
	if onProgress != nil {
		onProgress(PullProgress{Status: "downloading", Total: 10, Completed: 5})
		onProgress(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_BackendDown(t *testing.T) {
	f := &fakeEngine{running: false}
	err := EnsureReady(context.Background(), f, &bytes.Buffer{}, "mistral-nemo")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("EnsureReady error = %v, want ErrUnavailable", err)
	}
}

func TestEnsureReady_PullsMissingModels(t *testing.T) {
	f := &fakeEngine{running: true, models: []string{"nomic-embed-text"}}
	var out bytes.Buffer

	err := EnsureReady(context.Background(), f, &out, "mistral-nemo", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	if len(f.pulled) != 1 || f.pulled[0] != "mistral-nemo" {
		t.Errorf("pulled = %v, want [mistral-nemo]", f.pulled)
	}
	if !strings.Contains(out.String(), "model nomic-embed-text: ready") {
		t.Errorf("output missing ready line for present model:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "model mistral-nemo: pulling...") {
		t.Errorf("output missing pulling line:\n%s", out.String())
	}
}

func TestEnsureReady_SkipsDuplicatesAndEmpty(t *testing.T) {
	f := &fakeEngine{running: true}
	err := EnsureReady(context.Background(), f, &bytes.Buffer{}, "phi3.5", "phi3.5", "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(f.pulled) != 1 {
		t.Errorf("pulled = %v, want a single pull for the deduplicated model", f.pulled)
	}
}

func TestEnsureReady_PullFailure(t *testing.T) {
	f := &fakeEngine{running: true, pullErr: errors.New("registry unreachable")}
	err := EnsureReady(context.Background(), f, &bytes.Buffer{}, "mistral-nemo")
	if err == nil {
		t.Fatal("EnsureReady: got nil error, want pull failure")
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	if _, err := New(Config{Provider: "ollama", OllamaBaseURL: "http://localhost:11434"}); err != nil {
		t.Errorf("New(ollama): %v", err)
	}
	if _, err := New(Config{OllamaBaseURL: "http://localhost:11434"}); err != nil {
		t.Errorf("New(default): %v", err)
	}
	if _, err := New(Config{Provider: "openai", APIKey: "sk-test"}); err != nil {
		t.Errorf("New(openai): %v", err)
	}
	if _, err := New(Config{Provider: "openai"}); err == nil {
		t.Error("New(openai, no key): got nil error, want failure")
	}
	if _, err := New(Config{Provider: "mlx"}); err == nil {
		t.Error("New(unknown): got nil error, want failure")
	}
}
