package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConversationNotFound is returned when a conversation ID does not
// resolve to a stored conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// Document describes one ingested source file. The raw text is not kept;
// its chunks carry the extracted content.
type Document struct {
	ID          string
	Path        string
	Fingerprint string
	FileType    string
	SizeBytes   int64
	ChunkCount  int
	IngestedAt  time.Time
}

// Chunk is one bounded span of a document's extracted text. Seq is the
// chunk's position within the document; Start/End are rune offsets into
// the extracted text.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Content    string
	Start      int
	End        int
	CreatedAt  time.Time
}

// Conversation is a persisted dialogue. Turns are in append order.
type Conversation struct {
	ID        string
	Title     string
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Turns     []Turn
}

// ConversationSummary is the listing/search projection of a conversation.
type ConversationSummary struct {
	ID        string
	Title     string
	Summary   string
	UpdatedAt time.Time
	TurnCount int
}

// Turn is one question/answer exchange. ChunkIDs reference the chunks
// used as retrieval context; ContextFree marks answers generated with no
// retrieved passages. Turns are immutable once appended.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int
	Question       string
	Answer         string
	ChunkIDs       []string
	ContextFree    bool
	CreatedAt      time.Time
}

// Stats summarizes the persisted corpus and conversation state.
type Stats struct {
	Documents       int
	Chunks          int
	Conversations   int
	DocumentTypes   map[string]int
	AvgChunksPerDoc float64
	LastIngestedAt  time.Time
}
