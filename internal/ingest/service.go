package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askdocs/internal/chunker"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
)

const defaultWorkers = 4

// metaEmbeddingModel records which embedding model built the index, so a
// config change can be flagged before it silently degrades search.
const metaEmbeddingModel = "embedding_model"

// DocumentStore is the persistence the ingester needs from storage.
type DocumentStore interface {
	ReplaceDocument(ctx context.Context, doc storage.Document, chunks []storage.Chunk) ([]string, error)
	GetDocumentByPath(ctx context.Context, path string) (storage.Document, error)
	RemoveDocument(ctx context.Context, path string) ([]string, error)
	ListDocuments(ctx context.Context) ([]storage.Document, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Embedder produces vectors for chunk texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Service turns files into searchable chunks: extract text, chunk, embed,
// persist, index. Re-ingesting an unchanged file is a no-op.
type Service struct {
	store   DocumentStore
	index   retrieval.VectorIndex
	embed   Embedder
	chunker *chunker.Chunker
	workers int

	modelNote sync.Once
}

// NewService wires an ingestion pipeline. workers bounds how many files are
// processed concurrently during a directory walk; <= 0 selects the default.
func NewService(store DocumentStore, index retrieval.VectorIndex, embed Embedder, ch *chunker.Chunker, workers int) *Service {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Service{
		store:   store,
		index:   index,
		embed:   embed,
		chunker: ch,
		workers: workers,
	}
}

// FileResult describes the outcome of ingesting one file.
type FileResult struct {
	Path    string
	Skipped bool // fingerprint unchanged, or no extractable text
	Chunks  int
}

// Failure pairs a file path with the error that kept it out of the corpus.
type Failure struct {
	Path string
	Err  error
}

// Report aggregates one ProcessDirectory run.
type Report struct {
	Processed int
	Skipped   int
	Failed    int
	Chunks    int
	Failures  []Failure
}

// ProcessDirectory walks root recursively and ingests every supported file.
// Dotfiles and dot-directories are skipped. Per-file failures are logged and
// counted, never fatal; only context cancellation stops the run early, and
// files ingested before the cancellation stay.
func (s *Service) ProcessDirectory(ctx context.Context, root string) (Report, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !SupportedType(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("walking %s: %w", root, err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.ProcessFile(gctx, path)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				slog.Warn("ingestion failed", "path", path, "error", err)
				report.Failed++
				report.Failures = append(report.Failures, Failure{Path: path, Err: err})
			case res.Skipped:
				report.Skipped++
			default:
				report.Processed++
				report.Chunks += res.Chunks
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	slog.Info("directory processed", "root", root,
		"processed", report.Processed, "skipped", report.Skipped,
		"failed", report.Failed, "chunks", report.Chunks)
	return report, nil
}

// ProcessFile ingests a single file. An unchanged fingerprint skips all
// work. A changed file is re-chunked, re-embedded and its prior chunks and
// vectors replaced, keyed by the stable document ID.
func (s *Service) ProcessFile(ctx context.Context, path string) (FileResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileResult{}, fmt.Errorf("resolving %s: %w", path, err)
	}

	s.modelNote.Do(func() { s.noteEmbeddingModel(ctx) })

	fingerprint, size, err := fileFingerprint(abs)
	if err != nil {
		return FileResult{}, fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}

	existing, err := s.store.GetDocumentByPath(ctx, abs)
	switch {
	case err == nil:
		if existing.Fingerprint == fingerprint {
			slog.Debug("document unchanged", "path", abs)
			return FileResult{Path: abs, Skipped: true, Chunks: existing.ChunkCount}, nil
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return FileResult{}, fmt.Errorf("looking up %s: %w", abs, err)
	}

	text, err := ExtractText(abs)
	if err != nil {
		return FileResult{}, err
	}

	pieces := s.chunker.ChunkAll(text)
	if len(pieces) == 0 {
		slog.Info("document has no extractable text", "path", abs)
		return FileResult{Path: abs, Skipped: true}, nil
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return FileResult{}, fmt.Errorf("embedding %s: %w", abs, err)
	}

	now := time.Now().UTC()
	chunkIDs := make([]string, len(pieces))
	chunks := make([]storage.Chunk, len(pieces))
	for i, p := range pieces {
		chunkIDs[i] = uuid.New().String()
		chunks[i] = storage.Chunk{
			ID:        chunkIDs[i],
			Seq:       p.Seq,
			Content:   p.Text,
			Start:     p.Start,
			End:       p.End,
			CreatedAt: now,
		}
	}

	// Vectors go in first: if the write is interrupted here the document
	// record still carries the old fingerprint, so the next run redoes the
	// file instead of skipping a half-ingested one.
	if err := s.index.InsertBatch(ctx, chunkIDs, vectors); err != nil {
		return FileResult{}, fmt.Errorf("indexing %s: %w", abs, err)
	}

	doc := storage.Document{
		ID:          uuid.New().String(),
		Path:        abs,
		Fingerprint: fingerprint,
		FileType:    strings.ToLower(filepath.Ext(abs)),
		SizeBytes:   size,
		ChunkCount:  len(pieces),
		IngestedAt:  now,
	}
	stale, err := s.store.ReplaceDocument(ctx, doc, chunks)
	if err != nil {
		if delErr := s.index.Delete(ctx, chunkIDs); delErr != nil {
			slog.Warn("could not undo index insert", "path", abs, "error", delErr)
		}
		return FileResult{}, fmt.Errorf("storing %s: %w", abs, err)
	}
	if len(stale) > 0 {
		if err := s.index.Delete(ctx, stale); err != nil {
			return FileResult{}, fmt.Errorf("evicting stale vectors for %s: %w", abs, err)
		}
	}

	slog.Info("document ingested", "path", abs, "chunks", len(pieces))
	return FileResult{Path: abs, Chunks: len(pieces)}, nil
}

// Sources lists every ingested document.
func (s *Service) Sources(ctx context.Context) ([]storage.Document, error) {
	return s.store.ListDocuments(ctx)
}

// Remove deletes a document with its chunks and index entries. Unknown
// paths fail with storage.ErrNotFound.
func (s *Service) Remove(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	chunkIDs, err := s.store.RemoveDocument(ctx, abs)
	if err != nil {
		return err
	}
	if len(chunkIDs) > 0 {
		if err := s.index.Delete(ctx, chunkIDs); err != nil {
			return fmt.Errorf("evicting vectors for %s: %w", abs, err)
		}
	}
	slog.Info("document removed", "path", abs, "chunks", len(chunkIDs))
	return nil
}

func (s *Service) noteEmbeddingModel(ctx context.Context) {
	recorded, err := s.store.GetMeta(ctx, metaEmbeddingModel)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := s.store.SetMeta(ctx, metaEmbeddingModel, s.embed.Model()); err != nil {
			slog.Warn("could not record embedding model", "error", err)
		}
	case err != nil:
		slog.Warn("could not read recorded embedding model", "error", err)
	case recorded != s.embed.Model():
		slog.Warn("embedding model differs from the one the index was built with, reprocess to rebuild vectors",
			"recorded", recorded, "configured", s.embed.Model())
	}
}

func fileFingerprint(path string) (string, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}
