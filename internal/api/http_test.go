package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/ingest"
	"github.com/kalambet/askdocs/internal/rag"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
)

const testToken = "test-token-12345"

type fakeAsker struct {
	answer      rag.Answer
	askErr      error
	chunks      []retrieval.ContextChunk
	retrieveErr error

	lastConvID   string
	lastQuestion string
	lastK        int
}

func (f *fakeAsker) Ask(_ context.Context, conversationID, question string) (rag.Answer, error) {
	f.lastConvID = conversationID
	f.lastQuestion = question
	if f.askErr != nil {
		return rag.Answer{}, f.askErr
	}
	return f.answer, nil
}

func (f *fakeAsker) Retrieve(_ context.Context, _ string, k int) ([]retrieval.ContextChunk, error) {
	f.lastK = k
	return f.chunks, f.retrieveErr
}

type fakeIngester struct {
	report    ingest.Report
	err       error
	docs      []storage.Document
	removeErr error

	lastDir    string
	lastRemove string
}

func (f *fakeIngester) ProcessDirectory(_ context.Context, root string) (ingest.Report, error) {
	f.lastDir = root
	return f.report, f.err
}

func (f *fakeIngester) Sources(_ context.Context) ([]storage.Document, error) {
	return f.docs, nil
}

func (f *fakeIngester) Remove(_ context.Context, path string) error {
	f.lastRemove = path
	return f.removeErr
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) Count(_ context.Context) (int, error) { return f.n, f.err }

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store, *fakeAsker, *fakeIngester) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	asker := &fakeAsker{}
	ingester := &fakeIngester{}
	h := NewHandler(Deps{
		Store:  store,
		Ingest: ingester,
		Asker:  asker,
		Index:  fakeCounter{n: 42},
		Token:  token,
	})
	return h, store, asker, ingester
}

func authReq(method, target, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestBearerAuth(t *testing.T) {
	h, _, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
}

func TestBearerAuth_DisabledWithoutToken(t *testing.T) {
	h, _, _, _ := setupHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestHealth_SkipsAuth(t *testing.T) {
	h, _, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestProcess(t *testing.T) {
	h, _, _, ingester := setupHandler(t, testToken)
	ingester.report = ingest.Report{
		Processed: 2,
		Skipped:   1,
		Failed:    1,
		Chunks:    8,
		Failures:  []ingest.Failure{{Path: "/docs/bad.txt", Err: errors.New("unreadable")}},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/process", `{"directory":"/docs"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if ingester.lastDir != "/docs" {
		t.Errorf("processed directory = %q, want %q", ingester.lastDir, "/docs")
	}

	var resp reportJSON
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Processed != 2 || resp.Skipped != 1 || resp.Failed != 1 || resp.Chunks != 8 {
		t.Errorf("report = %+v, want processed 2 skipped 1 failed 1 chunks 8", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].Path != "/docs/bad.txt" || resp.Failures[0].Error == "" {
		t.Errorf("failures = %+v, want one entry for /docs/bad.txt", resp.Failures)
	}
}

func TestProcess_MissingDirectory(t *testing.T) {
	h, _, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/process", `{}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAsk(t *testing.T) {
	h, _, asker, _ := setupHandler(t, testToken)
	asker.answer = rag.Answer{
		Text:     "The answer.",
		Sources:  []rag.Citation{{Source: "/docs/a.txt", Chunks: 2}},
		TurnID:   "turn-1",
		Duration: 1500 * time.Millisecond,
	}

	body := `{"conversation_id":"conv-1","question":"what is this?"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ask", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if asker.lastConvID != "conv-1" || asker.lastQuestion != "what is this?" {
		t.Errorf("asker called with (%q, %q)", asker.lastConvID, asker.lastQuestion)
	}

	var resp answerJSON
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Answer != "The answer." {
		t.Errorf("answer = %q, want %q", resp.Answer, "The answer.")
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Source != "/docs/a.txt" {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if resp.TurnID != "turn-1" {
		t.Errorf("turn_id = %q, want %q", resp.TurnID, "turn-1")
	}
	if resp.DurationMs != 1500 {
		t.Errorf("duration_ms = %d, want 1500", resp.DurationMs)
	}
}

func TestAsk_MissingConversationID(t *testing.T) {
	h, _, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ask", `{"question":"hi"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAsk_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"empty question", rag.ErrEmptyQuestion, http.StatusBadRequest},
		{"unknown conversation", storage.ErrConversationNotFound, http.StatusNotFound},
		{"timeout", fmt.Errorf("chat: %w", engine.ErrTimeout), http.StatusGatewayTimeout},
		{"generation down", fmt.Errorf("%w: boom", rag.ErrGenerationUnavailable), http.StatusBadGateway},
		{"embedding down", fmt.Errorf("%w: boom", retrieval.ErrEmbeddingUnavailable), http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, asker, _ := setupHandler(t, testToken)
			asker.askErr = tc.err

			body := `{"conversation_id":"conv-1","question":"hi"}`
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/ask", body, testToken))
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	h, store, _, _ := setupHandler(t, testToken)

	// Create.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/conversations", `{"title":"Release notes"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var created conversationJSON
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decoding created conversation: %v", err)
	}
	if created.ID == "" || created.Title != "Release notes" {
		t.Fatalf("created = %+v", created)
	}

	// List.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rr.Code)
	}
	var summaries []conversationSummaryJSON
	if err := json.NewDecoder(rr.Body).Decode(&summaries); err != nil {
		t.Fatalf("decoding summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != created.ID {
		t.Fatalf("summaries = %+v", summaries)
	}

	// Record a turn directly, then read it back over HTTP.
	if _, err := store.AppendTurn(context.Background(), created.ID, storage.Turn{
		Question: "first?",
		Answer:   "yes",
	}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/"+created.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("load: status = %d", rr.Code)
	}
	var loaded conversationJSON
	if err := json.NewDecoder(rr.Body).Decode(&loaded); err != nil {
		t.Fatalf("decoding conversation: %v", err)
	}
	if len(loaded.Turns) != 1 || loaded.Turns[0].Question != "first?" {
		t.Fatalf("loaded turns = %+v", loaded.Turns)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/"+created.ID+"/turns", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("turns: status = %d", rr.Code)
	}
	var turns []turnJSON
	if err := json.NewDecoder(rr.Body).Decode(&turns); err != nil {
		t.Fatalf("decoding turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %+v, want 1", turns)
	}

	// Clear and verify.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/conversations/"+created.ID+"/turns", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/"+created.ID+"/turns", "", testToken))
	turns = nil
	if err := json.NewDecoder(rr.Body).Decode(&turns); err != nil {
		t.Fatalf("decoding turns after clear: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("turns after clear = %+v, want none", turns)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	h, _, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestSearchConversations(t *testing.T) {
	h, store, _, _ := setupHandler(t, testToken)
	if _, err := store.CreateConversation(context.Background(), "Alpha launch plan"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateConversation(context.Background(), "Unrelated"); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=alpha", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var summaries []conversationSummaryJSON
	if err := json.NewDecoder(rr.Body).Decode(&summaries); err != nil {
		t.Fatalf("decoding summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Title != "Alpha launch plan" {
		t.Fatalf("summaries = %+v", summaries)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/search", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestRetrieve(t *testing.T) {
	h, _, asker, _ := setupHandler(t, testToken)
	asker.chunks = []retrieval.ContextChunk{
		{ChunkID: "c1", Source: "/docs/a.txt", Seq: 0, Text: "Alpha.", Score: 0.9},
		{ChunkID: "c2", Source: "/docs/b.txt", Seq: 1, Text: "Beta.", Score: 0.8},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/retrieve?q=alpha&k=3", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if asker.lastK != 3 {
		t.Errorf("k = %d, want 3", asker.lastK)
	}

	var chunks []chunkJSON
	if err := json.NewDecoder(rr.Body).Decode(&chunks); err != nil {
		t.Fatalf("decoding chunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].ChunkID != "c1" || chunks[1].Source != "/docs/b.txt" {
		t.Fatalf("chunks = %+v", chunks)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/retrieve", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStats(t *testing.T) {
	h, store, _, _ := setupHandler(t, testToken)
	if _, err := store.CreateConversation(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp statsJSON
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if resp.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", resp.Conversations)
	}
	if resp.IndexSize != 42 {
		t.Errorf("index_size = %d, want 42", resp.IndexSize)
	}
	if resp.LastIngestedAt != nil {
		t.Errorf("last_ingested_at = %v, want omitted for an empty corpus", resp.LastIngestedAt)
	}
}

func TestSources(t *testing.T) {
	h, _, _, ingester := setupHandler(t, testToken)
	ingester.docs = []storage.Document{
		{ID: "d1", Path: "/docs/a.txt", Fingerprint: "abc", FileType: ".txt", ChunkCount: 3},
		{ID: "d2", Path: "/docs/b.md", Fingerprint: "def", FileType: ".md", ChunkCount: 1},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sources", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var docs []documentJSON
	if err := json.NewDecoder(rr.Body).Decode(&docs); err != nil {
		t.Fatalf("decoding documents: %v", err)
	}
	if len(docs) != 2 || docs[0].Path != "/docs/a.txt" || docs[1].Fingerprint != "def" {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestRemoveSource(t *testing.T) {
	h, _, _, ingester := setupHandler(t, testToken)

	target := "/sources?path=" + url.QueryEscape("/docs/a.txt")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, target, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ingester.lastRemove != "/docs/a.txt" {
		t.Errorf("removed path = %q, want %q", ingester.lastRemove, "/docs/a.txt")
	}

	ingester.removeErr = storage.ErrNotFound
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, target, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown document: status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/sources", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing path: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}
