package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/askdocs/internal/ingest"
	"github.com/kalambet/askdocs/internal/rag"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
)

const chatHelp = `Commands:
  ask <question>     ask a question (any other line is asked as well)
  new [title]        start a new conversation
  list [page]        list recent conversations
  load <id>          switch to a conversation
  search <text>      search conversations
  history            show the active conversation's turns
  summary            show the active conversation's summary
  clear              clear the active conversation's turns
  process <dir>      ingest documents from a directory
  sources            list ingested documents
  remove <path>      remove an ingested document
  retrieve <query>   similarity search without generation
  stats              show corpus statistics
  help               show this list
  exit, quit         leave the session
`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive question answering session",
	Long: `Start an interactive session against the ingested documents. One
conversation is active at a time; asking without one starts it. Lines
that are not commands are asked as questions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		// Ctrl+C should not kill the session mid-thought.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)
		go func() {
			for range sigCh {
				fmt.Fprintln(os.Stderr, "\nUse 'exit' or 'quit' to leave the session.")
			}
		}()

		s := &chatSession{
			store:    a.store,
			index:    a.index,
			asker:    a.rag,
			ingester: a.ingest,
			timeout:  time.Duration(a.cfg.Provider.RequestTimeout),
			out:      os.Stdout,
		}

		fmt.Fprintf(os.Stderr, "askdocs version %s\nType 'help' for commands, 'exit' to leave.\n", version)
		return s.run(ctx, os.Stdin)
	},
}

type sessionAsker interface {
	Ask(ctx context.Context, conversationID, question string) (rag.Answer, error)
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.ContextChunk, error)
}

type sessionIngester interface {
	ProcessDirectory(ctx context.Context, root string) (ingest.Report, error)
	Remove(ctx context.Context, path string) error
}

// chatSession is the state of one interactive session: the wired core and
// the active conversation, created lazily on the first ask.
type chatSession struct {
	store    *storage.Store
	index    *retrieval.SQLiteIndex
	asker    sessionAsker
	ingester sessionIngester
	timeout  time.Duration
	out      io.Writer

	convID string
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(s.out, colorize(colorBold, "askdocs> "))
		}
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.dispatch(ctx, line) {
			return nil
		}
	}
}

// dispatch runs one session line and reports whether the session should end.
// Unrecognized lines are treated as questions.
func (s *chatSession) dispatch(ctx context.Context, line string) (exit bool) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case "help":
		fmt.Fprint(s.out, chatHelp)
	case "ask":
		s.ask(ctx, rest)
	case "new":
		s.newConversation(ctx, rest)
	case "list":
		s.list(ctx, rest)
	case "load":
		s.load(ctx, rest)
	case "search":
		s.search(ctx, rest)
	case "history":
		s.history(ctx)
	case "summary":
		s.summary(ctx)
	case "clear":
		s.clear(ctx)
	case "process":
		s.process(ctx, rest)
	case "sources":
		s.sources(ctx)
	case "remove":
		s.remove(ctx, rest)
	case "retrieve":
		s.retrieve(ctx, rest)
	case "stats":
		s.stats(ctx)
	default:
		s.ask(ctx, line)
	}
	return false
}

func (s *chatSession) errorf(format string, args ...any) {
	fmt.Fprintln(s.out, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func (s *chatSession) ask(ctx context.Context, question string) {
	if question == "" {
		s.errorf("Please provide a question")
		return
	}

	if s.convID == "" {
		conv, err := s.store.CreateConversation(ctx, "")
		if err != nil {
			s.errorf("starting conversation: %v", err)
			return
		}
		s.convID = conv.ID
		fmt.Fprintf(s.out, "Started new conversation: %s\n", conv.Title)
	}

	askCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	answer, err := s.asker.Ask(askCtx, s.convID, question)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Fprint(s.out, formatAnswer(answer))
}

func (s *chatSession) newConversation(ctx context.Context, title string) {
	conv, err := s.store.CreateConversation(ctx, title)
	if err != nil {
		s.errorf("starting conversation: %v", err)
		return
	}
	s.convID = conv.ID
	fmt.Fprintf(s.out, "Started new conversation: %s\n", conv.Title)
}

func (s *chatSession) list(ctx context.Context, arg string) {
	page := 1
	if arg != "" {
		p, err := strconv.Atoi(arg)
		if err != nil || p < 1 {
			s.errorf("Invalid page number %q", arg)
			return
		}
		page = p
	}

	summaries, err := s.store.ListConversations(ctx, page)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Fprintln(s.out, "No conversations found.")
		return
	}
	fmt.Fprint(s.out, formatConversations(summaries))
}

func (s *chatSession) load(ctx context.Context, id string) {
	if id == "" {
		s.errorf("Usage: load <conversation-id>")
		return
	}

	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, storage.ErrConversationNotFound) {
		s.errorf("Conversation %s not found", id)
		return
	}
	if err != nil {
		s.errorf("%v", err)
		return
	}

	s.convID = conv.ID
	fmt.Fprintf(s.out, "Loaded conversation: %s\n", conv.Title)
	fmt.Fprint(s.out, formatTurns(conv.Turns))
}

func (s *chatSession) search(ctx context.Context, text string) {
	if text == "" {
		s.errorf("Usage: search <text>")
		return
	}

	summaries, err := s.store.SearchConversations(ctx, text)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Fprintln(s.out, "No matching conversations found.")
		return
	}
	fmt.Fprint(s.out, formatConversations(summaries))
}

func (s *chatSession) history(ctx context.Context) {
	if s.convID == "" {
		fmt.Fprintln(s.out, "No active conversation.")
		return
	}

	turns, err := s.store.Turns(ctx, s.convID)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if len(turns) == 0 {
		fmt.Fprintln(s.out, "No conversation history yet.")
		return
	}
	fmt.Fprint(s.out, formatTurns(turns))
}

func (s *chatSession) summary(ctx context.Context) {
	if s.convID == "" {
		fmt.Fprintln(s.out, "No active conversation.")
		return
	}

	conv, err := s.store.GetConversation(ctx, s.convID)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if conv.Summary == "" {
		fmt.Fprintln(s.out, "No summary available.")
		return
	}
	fmt.Fprintln(s.out, conv.Summary)
}

func (s *chatSession) clear(ctx context.Context) {
	if s.convID == "" {
		fmt.Fprintln(s.out, "No active conversation.")
		return
	}

	if err := s.store.ClearTurns(ctx, s.convID); err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Fprintln(s.out, "Conversation history cleared.")
}

func (s *chatSession) process(ctx context.Context, dir string) {
	if dir == "" {
		s.errorf("Usage: process <directory>")
		return
	}

	fmt.Fprintf(s.out, "Processing documents in %s...\n", dir)
	report, err := s.ingester.ProcessDirectory(ctx, dir)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Fprint(s.out, formatReport(report))
}

func (s *chatSession) sources(ctx context.Context) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if len(docs) == 0 {
		fmt.Fprintln(s.out, "No documents ingested yet.")
		return
	}
	fmt.Fprint(s.out, formatDocuments(docs))
}

func (s *chatSession) remove(ctx context.Context, path string) {
	if path == "" {
		s.errorf("Usage: remove <path>")
		return
	}

	err := s.ingester.Remove(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		s.errorf("No ingested document at %s", path)
		return
	}
	if err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Fprintf(s.out, "Removed %s\n", path)
}

func (s *chatSession) retrieve(ctx context.Context, query string) {
	if query == "" {
		s.errorf("Usage: retrieve <query>")
		return
	}

	askCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	chunks, err := s.asker.Retrieve(askCtx, query, 5)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	if len(chunks) == 0 {
		fmt.Fprintln(s.out, "No results found.")
		return
	}
	fmt.Fprint(s.out, formatChunks(chunks))
}

func (s *chatSession) stats(ctx context.Context) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.errorf("%v", err)
		return
	}
	indexSize, err := s.index.Count(ctx)
	if err != nil {
		s.errorf("%v", err)
		return
	}

	fmt.Fprintf(s.out, "Documents: %d\n", st.Documents)
	fmt.Fprintf(s.out, "Chunks: %d\n", st.Chunks)
	fmt.Fprintf(s.out, "Index size: %d vectors\n", indexSize)
	fmt.Fprintf(s.out, "Conversations: %d\n", st.Conversations)
}
