package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/askdocs/internal/config"
	"github.com/kalambet/askdocs/internal/ingest"
	"github.com/kalambet/askdocs/internal/storage"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <directory>",
	Short: "Ingest every supported document under a directory",
	Long: `Ingest every supported document under a directory.

Supported formats: .txt, .md, .html, .htm, .pdf. Files are fingerprinted,
so unchanged documents are skipped and re-running is cheap.

Examples:
  askdocs process ./docs
  askdocs process ./docs --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Processing documents in %s...", args[0])
		report, err := a.ingest.ProcessDirectory(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Print(formatReport(report))

		if !watch {
			return nil
		}
		w := ingest.NewWatcher(a.ingest)
		if err := w.Watch(ctx, args[0]); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	processCmd.Flags().Bool("watch", false, "keep watching the directory and re-ingest changed files")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from the ingested documents",
	Long: `Ask a question answered from the ingested documents.

Without --conversation a new conversation is started and its ID printed,
so a follow-up question can continue it.

Examples:
  askdocs ask "What does the deployment guide say about rollbacks?"
  askdocs ask --conversation 1bb3f2a0 "And for staging?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		convID, _ := cmd.Flags().GetString("conversation")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		created := false
		if convID == "" {
			conv, err := a.store.CreateConversation(ctx, "")
			if err != nil {
				return err
			}
			convID = conv.ID
			created = true
		}

		askCtx, cancel := a.askTimeout(ctx)
		defer cancel()
		answer, err := a.rag.Ask(askCtx, convID, question)
		if err != nil {
			return err
		}

		fmt.Print(formatAnswer(answer))
		if created {
			printStatus("Conversation", "%s", convID)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("conversation", "", "conversation ID to continue (default: start a new one)")
}

// --- retrieve ---

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Similarity search over indexed chunks, without generation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		askCtx, cancel := a.askTimeout(ctx)
		defer cancel()
		chunks, err := a.rag.Retrieve(askCtx, query, limit)
		if err != nil {
			return err
		}

		if len(chunks) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		fmt.Print(formatChunks(chunks))
		return nil
	},
}

func init() {
	retrieveCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list [page]",
	Short: "List recent conversations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page := 1
		if len(args) == 1 {
			p, err := strconv.Atoi(args[0])
			if err != nil || p < 1 {
				return fmt.Errorf("invalid page number %q", args[0])
			}
			page = p
		}

		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.ListConversations(context.Background(), page)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		fmt.Print(formatConversations(summaries))
		return nil
	},
}

// --- new ---

var newCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Start a new conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		conv, err := store.CreateConversation(context.Background(), strings.Join(args, " "))
		if err != nil {
			return err
		}

		printSuccess("Started conversation: %s", conv.Title)
		fmt.Println(conv.ID)
		return nil
	},
}

// --- load ---

var loadCmd = &cobra.Command{
	Use:   "load <conversation-id>",
	Short: "Show a conversation with its full turn history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		conv, err := store.GetConversation(context.Background(), args[0])
		if errors.Is(err, storage.ErrConversationNotFound) {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Print(formatConversation(conv))
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search conversations by title, summary, or turn content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.SearchConversations(context.Background(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No matching conversations found.")
			return nil
		}
		fmt.Print(formatConversations(summaries))
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's turns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		turns, err := store.Turns(context.Background(), args[0])
		if errors.Is(err, storage.ErrConversationNotFound) {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			fmt.Println("No turns yet.")
			return nil
		}
		fmt.Print(formatTurns(turns))
		return nil
	},
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Delete a conversation's turns, keeping the conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		err = store.ClearTurns(context.Background(), args[0])
		if errors.Is(err, storage.ErrConversationNotFound) {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		if err != nil {
			return err
		}

		printSuccess("Cleared conversation %s", args[0])
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus and conversation statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, index, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		indexSize, err := index.Count(ctx)
		if err != nil {
			return err
		}

		printStatus("Documents", "%d", st.Documents)
		printStatus("Chunks", "%d", st.Chunks)
		printStatus("Index size", "%d vectors", indexSize)
		printStatus("Conversations", "%d", st.Conversations)
		printStatus("Avg chunks/doc", "%.1f", st.AvgChunksPerDoc)
		for _, ft := range sortedKeys(st.DocumentTypes) {
			printStatus(fmt.Sprintf("  %s", ft), "%d", st.DocumentTypes[ft])
		}
		if !st.LastIngestedAt.IsZero() {
			printStatus("Last ingested", "%s", st.LastIngestedAt.Format(time.RFC3339))
		}
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List ingested documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		docs, err := store.ListDocuments(context.Background())
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents ingested yet.")
			return nil
		}
		fmt.Print(formatDocuments(docs))
		return nil
	},
}

// --- remove ---

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove an ingested document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, index, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		abs, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving %s: %w", args[0], err)
		}

		ctx := context.Background()
		chunkIDs, err := store.RemoveDocument(ctx, abs)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no ingested document at %s", abs)
		}
		if err != nil {
			return err
		}
		if len(chunkIDs) > 0 {
			if err := index.Delete(ctx, chunkIDs); err != nil {
				return fmt.Errorf("evicting vectors for %s: %w", abs, err)
			}
		}

		printSuccess("Removed %s (%d chunks)", abs, len(chunkIDs))
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}

		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Printf("  %s\n", k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
