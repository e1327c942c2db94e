package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/ingest"
	"github.com/kalambet/askdocs/internal/rag"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Asker runs the question pipeline and raw similarity search.
type Asker interface {
	Ask(ctx context.Context, conversationID, question string) (rag.Answer, error)
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.ContextChunk, error)
}

// Ingester mutates and lists the document corpus.
type Ingester interface {
	ProcessDirectory(ctx context.Context, root string) (ingest.Report, error)
	Sources(ctx context.Context) ([]storage.Document, error)
	Remove(ctx context.Context, path string) error
}

// VectorCounter reports the vector index size for stats.
type VectorCounter interface {
	Count(ctx context.Context) (int, error)
}

// Deps holds the dependencies of the HTTP facade.
type Deps struct {
	Store  *storage.Store
	Ingest Ingester
	Asker  Asker
	Index  VectorCounter
	Token  string // empty disables bearer auth
}

// NewHandler returns the HTTP facade: JSON endpoints mirroring the
// core-facing operations. Everything except /health requires the bearer
// token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/process", handleProcess(deps))
		r.Post("/ask", handleAsk(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Post("/conversations", handleCreateConversation(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Get("/conversations/{id}/turns", handleTurns(deps))
		r.Delete("/conversations/{id}/turns", handleClearTurns(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/retrieve", handleRetrieve(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/sources", handleSources(deps))
		r.Delete("/sources", handleRemoveSource(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type processRequest struct {
	Directory string `json:"directory"`
}

type failureJSON struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type reportJSON struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Chunks    int           `json:"chunks"`
	Failures  []failureJSON `json:"failures,omitempty"`
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Directory == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "directory is required")
			return
		}

		report, err := deps.Ingest.ProcessDirectory(r.Context(), req.Directory)
		if errors.Is(err, fs.ErrNotExist) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "directory not found: %s", req.Directory)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "processing failed: %v", err)
			return
		}

		out := reportJSON{
			Processed: report.Processed,
			Skipped:   report.Skipped,
			Failed:    report.Failed,
			Chunks:    report.Chunks,
		}
		for _, f := range report.Failures {
			out.Failures = append(out.Failures, failureJSON{Path: f.Path, Error: f.Err.Error()})
		}
		writeJSON(w, out)
	}
}

type askRequest struct {
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
}

type answerJSON struct {
	Answer      string         `json:"answer"`
	Sources     []rag.Citation `json:"sources"`
	ContextFree bool           `json:"context_free"`
	TurnID      string         `json:"turn_id"`
	DurationMs  int64          `json:"duration_ms"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
			return
		}

		answer, err := deps.Asker.Ask(r.Context(), req.ConversationID, req.Question)
		if err != nil {
			writeAskError(w, err)
			return
		}

		sources := answer.Sources
		if sources == nil {
			sources = []rag.Citation{}
		}
		writeJSON(w, answerJSON{
			Answer:      answer.Text,
			Sources:     sources,
			ContextFree: answer.ContextFree,
			TurnID:      answer.TurnID,
			DurationMs:  answer.Duration.Milliseconds(),
		})
	}
}

// writeAskError maps pipeline failures onto HTTP statuses.
func writeAskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rag.ErrEmptyQuestion):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "question is empty")
	case errors.Is(err, storage.ErrConversationNotFound):
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, engine.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "inference timed out: %v", err)
	case errors.Is(err, rag.ErrGenerationUnavailable), errors.Is(err, retrieval.ErrEmbeddingUnavailable), errors.Is(err, engine.ErrUnavailable):
		httpError(w, http.StatusBadGateway, "api_error", "inference backend failed: %v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "ask failed: %v", err)
	}
}

type conversationSummaryJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

func toSummaryJSON(in []storage.ConversationSummary) []conversationSummaryJSON {
	out := make([]conversationSummaryJSON, len(in))
	for i, c := range in {
		out[i] = conversationSummaryJSON{
			ID:        c.ID,
			Title:     c.Title,
			Summary:   c.Summary,
			UpdatedAt: c.UpdatedAt,
			TurnCount: c.TurnCount,
		}
	}
	return out
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1, 0)

		summaries, err := deps.Store.ListConversations(r.Context(), page)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversations: %v", err)
			return
		}
		writeJSON(w, toSummaryJSON(summaries))
	}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type conversationJSON struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Turns     []turnJSON `json:"turns"`
}

type turnJSON struct {
	ID          string    `json:"id"`
	Seq         int       `json:"seq"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	ChunkIDs    []string  `json:"chunk_ids,omitempty"`
	ContextFree bool      `json:"context_free"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTurnJSON(in []storage.Turn) []turnJSON {
	out := make([]turnJSON, len(in))
	for i, t := range in {
		out[i] = turnJSON{
			ID:          t.ID,
			Seq:         t.Seq,
			Question:    t.Question,
			Answer:      t.Answer,
			ChunkIDs:    t.ChunkIDs,
			ContextFree: t.ContextFree,
			CreatedAt:   t.CreatedAt,
		}
	}
	return out
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		conv, err := deps.Store.CreateConversation(r.Context(), req.Title)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(conversationJSON{
			ID:        conv.ID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
			Turns:     []turnJSON{},
		})
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		conv, err := deps.Store.GetConversation(r.Context(), id)
		if errors.Is(err, storage.ErrConversationNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
			return
		}

		writeJSON(w, conversationJSON{
			ID:        conv.ID,
			Title:     conv.Title,
			Summary:   conv.Summary,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
			Turns:     toTurnJSON(conv.Turns),
		})
	}
}

func handleTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		turns, err := deps.Store.Turns(r.Context(), id)
		if errors.Is(err, storage.ErrConversationNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading turns: %v", err)
			return
		}
		writeJSON(w, toTurnJSON(turns))
	}
}

func handleClearTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.ClearTurns(r.Context(), id)
		if errors.Is(err, storage.ErrConversationNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing turns: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		summaries, err := deps.Store.SearchConversations(r.Context(), q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "searching conversations: %v", err)
			return
		}
		writeJSON(w, toSummaryJSON(summaries))
	}
}

type chunkJSON struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Seq     int     `json:"seq"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := parseIntParam(r, "k", 0, 50)

		chunks, err := deps.Asker.Retrieve(r.Context(), q, k)
		if err != nil {
			writeAskError(w, err)
			return
		}

		out := make([]chunkJSON, len(chunks))
		for i, c := range chunks {
			out[i] = chunkJSON{
				ChunkID: c.ChunkID,
				Source:  c.Source,
				Seq:     c.Seq,
				Text:    c.Text,
				Score:   c.Score,
			}
		}
		writeJSON(w, out)
	}
}

type statsJSON struct {
	Documents       int            `json:"documents"`
	Chunks          int            `json:"chunks"`
	Conversations   int            `json:"conversations"`
	IndexSize       int            `json:"index_size"`
	DocumentTypes   map[string]int `json:"document_types"`
	AvgChunksPerDoc float64        `json:"avg_chunks_per_doc"`
	LastIngestedAt  *time.Time     `json:"last_ingested_at,omitempty"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "collecting stats: %v", err)
			return
		}
		indexSize, err := deps.Index.Count(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting vectors: %v", err)
			return
		}

		out := statsJSON{
			Documents:       st.Documents,
			Chunks:          st.Chunks,
			Conversations:   st.Conversations,
			IndexSize:       indexSize,
			DocumentTypes:   st.DocumentTypes,
			AvgChunksPerDoc: st.AvgChunksPerDoc,
		}
		if !st.LastIngestedAt.IsZero() {
			out.LastIngestedAt = &st.LastIngestedAt
		}
		writeJSON(w, out)
	}
}

type documentJSON struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	FileType    string    `json:"file_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ChunkCount  int       `json:"chunk_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}

func handleSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Ingest.Sources(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing sources: %v", err)
			return
		}

		out := make([]documentJSON, len(docs))
		for i, d := range docs {
			out[i] = documentJSON{
				ID:          d.ID,
				Path:        d.Path,
				Fingerprint: d.Fingerprint,
				FileType:    d.FileType,
				SizeBytes:   d.SizeBytes,
				ChunkCount:  d.ChunkCount,
				IngestedAt:  d.IngestedAt,
			}
		}
		writeJSON(w, out)
	}
}

func handleRemoveSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		err := deps.Ingest.Remove(r.Context(), path)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing document: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
