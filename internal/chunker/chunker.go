package chunker

import (
	"log/slog"
	"strings"
	"unicode"
)

// Defaults match the common embedding sweet spot: chunks around a
// thousand characters with a tenth of that shared between neighbors.
const (
	DefaultMaxSize = 1000
	DefaultOverlap = 100
)

// Chunk is one bounded span of a document's text. Start and End are rune
// offsets into the source; Text is the span with surrounding whitespace
// trimmed. Seq counts emitted chunks from 1.
type Chunk struct {
	Seq   int
	Start int
	End   int
	Text  string
}

// Chunker splits text into bounded, overlapping passages, preferring
// paragraph and sentence boundaries over hard cuts. It is stateless;
// one Chunker can serve any number of documents.
type Chunker struct {
	maxSize int
	overlap int
}

// New creates a Chunker. Non-positive maxSize falls back to the default;
// negative overlap is treated as zero; overlap at or above maxSize is
// clamped to half of maxSize.
func New(maxSize, overlap int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxSize {
		adjusted := maxSize / 2
		slog.Warn("chunk overlap too large, adjusted", "overlap", overlap, "max_size", maxSize, "adjusted", adjusted)
		overlap = adjusted
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}
}

// Split returns a lazy iterator over text's chunks. The iterator is
// restartable via Reset and never materializes more than one chunk.
func (c *Chunker) Split(text string) *Iterator {
	return &Iterator{
		runes:   []rune(text),
		maxSize: c.maxSize,
		overlap: c.overlap,
	}
}

// ChunkAll materializes every chunk of text at once.
func (c *Chunker) ChunkAll(text string) []Chunk {
	var chunks []Chunk
	it := c.Split(text)
	for {
		chunk, ok := it.Next()
		if !ok {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

// Iterator walks a text chunk by chunk.
type Iterator struct {
	runes   []rune
	maxSize int
	overlap int
	pos     int
	seq     int
}

// Next returns the next chunk. The second return value is false once the
// text is exhausted. Spans of consecutive chunks share exactly the
// configured overlap, except where a boundary cut leaves less than the
// overlap behind. Whitespace-only spans are swallowed.
func (it *Iterator) Next() (Chunk, bool) {
	for it.pos < len(it.runes) {
		start := it.pos
		limit := start + it.maxSize
		if limit > len(it.runes) {
			limit = len(it.runes)
		}

		cut := limit
		if limit < len(it.runes) {
			cut = it.boundary(start, limit)
		}

		next := cut - it.overlap
		if next <= start || cut == len(it.runes) {
			next = cut
		}
		it.pos = next

		text := strings.TrimSpace(string(it.runes[start:cut]))
		if text == "" {
			continue
		}
		it.seq++
		return Chunk{Seq: it.seq, Start: start, End: cut, Text: text}, true
	}
	return Chunk{}, false
}

// Reset rewinds the iterator to the beginning of the text.
func (it *Iterator) Reset() {
	it.pos = 0
	it.seq = 0
}

// boundary picks the cut position for the window [start, limit), looking
// backward for the last paragraph break, then the last sentence end, then
// the last word gap. A window without any boundary is cut hard at limit.
func (it *Iterator) boundary(start, limit int) int {
	sentence, word := 0, 0
	for i := limit - 1; i > start; i-- {
		r := it.runes[i]
		if r == '\n' && it.runes[i-1] == '\n' {
			return i + 1
		}
		if sentence == 0 && isSentenceEnd(it.runes, i) {
			sentence = i + 1
		}
		if word == 0 && unicode.IsSpace(r) {
			word = i + 1
		}
	}
	if sentence > start {
		return sentence
	}
	if word > start {
		return word
	}
	return limit
}

// isSentenceEnd reports whether the rune at i closes a sentence: it is
// terminal punctuation followed by whitespace or the end of the text.
func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?':
	default:
		return false
	}
	return i+1 == len(runes) || unicode.IsSpace(runes[i+1])
}
