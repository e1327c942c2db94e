package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/askdocs/internal/api"
	"github.com/kalambet/askdocs/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and MCP server (foreground)",
	Long: `Run the local HTTP API and an MCP server on stdio.

The HTTP API listens on loopback and mirrors the CLI commands. Set
ASKDOCS_SERVER_TOKEN to require bearer authentication; without it the
API is open on 127.0.0.1. MCP clients launching this process over stdio
get the ask, search_documents, and stats tools plus the docs://sources
resource.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		watchDir, _ := cmd.Flags().GetString("watch")
		return runServe(watchDir)
	},
}

func init() {
	serveCmd.Flags().String("watch", "", "directory to watch and re-ingest while serving")
}

func runServe(watchDir string) error {
	fmt.Fprintf(os.Stderr, "askdocs version %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	deps := api.Deps{
		Store:  a.store,
		Ingest: a.ingest,
		Asker:  a.rag,
		Index:  a.index,
		Token:  a.cfg.Server.AuthToken,
	}
	if deps.Token == "" {
		printWarning("ASKDOCS_SERVER_TOKEN not set; API is unauthenticated on loopback")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	if watchDir != "" {
		w := ingest.NewWatcher(a.ingest)
		go func() {
			if err := w.Watch(ctx, watchDir); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watcher stopped", "error", err)
			}
		}()
	}

	// MCP rides stdio so clients can launch this process directly; logs go
	// to stderr to keep the transport clean.
	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "askdocs listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
