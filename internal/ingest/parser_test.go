package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestSupportedType(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"notes.txt", true},
		{"README.md", true},
		{"page.html", true},
		{"page.HTM", true},
		{"paper.pdf", true},
		{"slides.docx", false},
		{"archive.tar.gz", false},
		{"Makefile", false},
	}
	for _, tt := range tests {
		if got := SupportedType(tt.path); got != tt.want {
			t.Errorf("SupportedType(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExtractText_PlainText(t *testing.T) {
	want := "Plain text survives exactly as written.\nSecond line too.\n"
	path := writeFile(t, t.TempDir(), "notes.txt", []byte(want))

	got, err := ExtractText(path)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractText_Markdown(t *testing.T) {
	want := "# Heading\n\nMarkdown is read verbatim, markup included.\n"
	path := writeFile(t, t.TempDir(), "README.md", []byte(want))

	got, err := ExtractText(path)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractText_HTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><style>body { color: red; }</style><script>alert("nope");</script></head>
<body><h1>Heading</h1><p>First paragraph.</p><div>Second <b>bold</b> line.</div></body></html>`
	path := writeFile(t, t.TempDir(), "page.html", []byte(page))

	got, err := ExtractText(path)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}

	if !strings.Contains(got, "Heading\nFirst paragraph.\n") {
		t.Errorf("block elements did not break lines: %q", got)
	}
	if !strings.Contains(got, "Second bold line.") {
		t.Errorf("inline markup not flattened: %q", got)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color: red") {
		t.Errorf("script/style content leaked into text: %q", got)
	}
}

func TestExtractText_InvalidUTF8(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.txt", []byte{0xff, 0xfe, 'A', 'B'})

	_, err := ExtractText(path)
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("got %v, want ErrUnreadableDocument", err)
	}
}

func TestExtractText_MalformedPDF(t *testing.T) {
	path := writeFile(t, t.TempDir(), "garbage.pdf", []byte("not a pdf at all"))

	_, err := ExtractText(path)
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("got %v, want ErrUnreadableDocument", err)
	}
}

func TestExtractText_MissingFile(t *testing.T) {
	_, err := ExtractText(filepath.Join(t.TempDir(), "absent.txt"))
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("got %v, want ErrUnreadableDocument", err)
	}
}

func TestExtractText_UnsupportedType(t *testing.T) {
	path := writeFile(t, t.TempDir(), "slides.docx", []byte("irrelevant"))

	_, err := ExtractText(path)
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("got %v, want ErrUnreadableDocument", err)
	}
}
