package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/askdocs/internal/ingest"
	"github.com/kalambet/askdocs/internal/rag"
	"github.com/kalambet/askdocs/internal/retrieval"
	"github.com/kalambet/askdocs/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// truncate cuts s to max runes, marking the cut with an ellipsis. Rune
// based so multi-byte text never splits mid-character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatReport(r ingest.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d, skipped %d, failed %d. Indexed %d chunks.\n",
		r.Processed, r.Skipped, r.Failed, r.Chunks)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "  %s %s: %v\n", colorize(colorRed, "failed"), f.Path, f.Err)
	}
	return b.String()
}

func formatAnswer(a rag.Answer) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Text))
	b.WriteString("\n")
	if a.ContextFree {
		b.WriteString(colorize(colorYellow, "(answered without document context)") + "\n")
	}
	if len(a.Sources) > 0 {
		b.WriteString(colorize(colorBold, "Sources:") + "\n")
		for _, s := range a.Sources {
			fmt.Fprintf(&b, "  %s (%d chunks)\n", s.Source, s.Chunks)
		}
	}
	return b.String()
}

func formatChunks(chunks []retrieval.ContextChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), c.Score)
		fmt.Fprintf(&b, "  %s (chunk %d)\n", c.Source, c.Seq)
		fmt.Fprintf(&b, "  %s\n", truncate(c.Text, 500))
	}
	return b.String()
}

func formatConversations(summaries []storage.ConversationSummary) string {
	var b strings.Builder
	for _, c := range summaries {
		fmt.Fprintf(&b, "%s  %s  %s (%d turns)\n",
			colorize(colorCyan, shortID(c.ID)),
			c.UpdatedAt.Format("2006-01-02 15:04"),
			c.Title, c.TurnCount)
		if c.Summary != "" {
			fmt.Fprintf(&b, "          %s\n", truncate(c.Summary, 120))
		}
	}
	return b.String()
}

func formatConversation(conv storage.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", colorize(colorBold, conv.Title), conv.ID)
	if conv.Summary != "" {
		fmt.Fprintf(&b, "%s\n", conv.Summary)
	}
	b.WriteString(formatTurns(conv.Turns))
	return b.String()
}

func formatTurns(turns []storage.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "\n%s %s\n", colorize(colorCyan, fmt.Sprintf("%d. You:", t.Seq)), t.Question)
		fmt.Fprintf(&b, "%s %s\n", colorize(colorGreen, "   Assistant:"), t.Answer)
		if t.ContextFree {
			fmt.Fprintf(&b, "   %s\n", colorize(colorYellow, "(no document context)"))
		}
	}
	return b.String()
}

func formatDocuments(docs []storage.Document) string {
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "%s  %-5s  %4d chunks  %s\n",
			colorize(colorCyan, shortID(d.Fingerprint)),
			d.FileType, d.ChunkCount, d.Path)
	}
	return b.String()
}
