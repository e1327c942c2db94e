package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrUnreadableDocument is returned when a file cannot be read or its text
// cannot be extracted. Callers treat it as a per-file failure, never as a
// reason to stop a directory walk.
var ErrUnreadableDocument = errors.New("unreadable document")

// SupportedType reports whether the file name carries an extension the
// parser can extract text from.
func SupportedType(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".html", ".htm", ".pdf":
		return true
	}
	return false
}

// ExtractText reads the file at path and returns its plain text.
func ExtractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return readPlain(path)
	case ".html", ".htm":
		return readHTML(path)
	case ".pdf":
		return readPDF(path)
	default:
		return "", fmt.Errorf("%w: unsupported file type %q", ErrUnreadableDocument, filepath.Ext(path))
	}
}

func readPlain(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrUnreadableDocument, filepath.Base(path))
	}
	return string(data), nil
}

func readHTML(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return "", fmt.Errorf("%w: parsing HTML: %v", ErrUnreadableDocument, err)
	}

	var b strings.Builder
	collectText(doc, &b)
	return b.String(), nil
}

// blockEnd lists elements whose close implies a line break in the extracted
// text, so sentences from adjacent blocks do not run together.
var blockEnd = map[string]bool{
	"address": true, "article": true, "blockquote": true, "br": true,
	"div": true, "dd": true, "dt": true, "fieldset": true, "figcaption": true,
	"footer": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "header": true, "hr": true, "li": true, "main": true,
	"nav": true, "p": true, "pre": true, "section": true, "table": true,
	"td": true, "th": true, "tr": true, "ul": true, "ol": true,
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		}
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
	if n.Type == html.ElementNode && blockEnd[n.Data] {
		b.WriteString("\n")
	}
}

func readPDF(path string) (text string, err error) {
	// The pdf package panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: parsing PDF: %v", ErrUnreadableDocument, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: opening PDF: %v", ErrUnreadableDocument, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extracting PDF text: %v", ErrUnreadableDocument, err)
	}

	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", fmt.Errorf("%w: reading PDF text: %v", ErrUnreadableDocument, err)
	}
	return b.String(), nil
}
