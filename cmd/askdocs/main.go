package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/askdocs/internal/chunker"
	"github.com/kalambet/askdocs/internal/composer"
	"github.com/kalambet/askdocs/internal/config"
	"github.com/kalambet/askdocs/internal/engine"
	"github.com/kalambet/askdocs/internal/ingest"
	"github.com/kalambet/askdocs/internal/rag"
	"github.com/kalambet/askdocs/internal/reranking"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
	"github.com/kalambet/askdocs/internal/summary"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "askdocs",
	Short: "Ask questions over your local documents",
	Long: `askdocs ingests a directory of documents into a local index and answers
natural-language questions about them, citing the source files. Everything
runs locally: storage is a single SQLite database, inference goes through
Ollama or any OpenAI-compatible API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openStore loads config and opens storage plus the vector index. Enough
// for commands that never touch the inference backend.
func openStore() (config.Config, *storage.Store, *retrieval.SQLiteIndex, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("opening storage: %w", err)
	}

	index, err := retrieval.NewSQLiteIndex(store.DB())
	if err != nil {
		store.Close()
		return config.Config{}, nil, nil, fmt.Errorf("opening vector index: %w", err)
	}
	return cfg, store, index, nil
}

// app is the fully wired core: storage, vector index, ingestion, and the
// ask pipeline, all behind one inference engine.
type app struct {
	cfg    config.Config
	store  *storage.Store
	index  *retrieval.SQLiteIndex
	ingest *ingest.Service
	rag    *rag.Orchestrator
}

func (a *app) Close() error {
	return a.store.Close()
}

// askTimeout bounds a single generation-bearing call with the configured
// request timeout.
func (a *app) askTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(a.cfg.Provider.RequestTimeout))
}

// openApp wires the whole pipeline and verifies the inference backend is
// reachable with the configured models available.
func openApp(ctx context.Context) (*app, error) {
	cfg, store, index, err := openStore()
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Provider:      cfg.Provider.Name,
		OllamaBaseURL: cfg.Provider.OllamaBaseURL,
		APIKey:        cfg.Provider.APIKey,
		BaseURL:       cfg.Provider.OpenAIBaseURL,
		MaxRetries:    cfg.Provider.MaxRetries,
		RetryBackoff:  time.Duration(cfg.Provider.RetryBackoff),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.Models.Chat, cfg.Models.Fast, cfg.Models.Embed); err != nil {
		store.Close()
		return nil, err
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Models.Embed, cfg.Retrieval.EmbedRPS)
	retriever := retrieval.NewRetriever(embedder, index, store, cfg.Retrieval.SimilarityFloor)
	chk := chunker.New(cfg.Chunking.MaxSize, cfg.Chunking.Overlap)
	svc := ingest.NewService(store, index, embedder, chk, cfg.Ingest.Workers)
	comp := composer.New(cfg.Retrieval.HistoryWindow, cfg.Retrieval.MaxContextTokens)
	reranker := reranking.New(eng, cfg.Models.Fast, cfg.Rerank.Enabled, time.Duration(cfg.Rerank.Timeout), cfg.Rerank.Threshold)
	summarizer := summary.NewSummarizer(eng, cfg.Models.Fast)
	orch := rag.New(store, retriever, reranker, comp, eng, cfg.Models.Chat, summarizer, cfg.Retrieval.TopK)

	return &app{
		cfg:    cfg,
		store:  store,
		index:  index,
		ingest: svc,
		rag:    orch,
	}, nil
}
