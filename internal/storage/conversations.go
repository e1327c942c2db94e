package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PageSize is the fixed page size for conversation listings.
const PageSize = 10

// CreateConversation stores a new empty conversation. An empty title
// defaults to "Conversation <timestamp>".
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(title) == "" {
		title = "Conversation " + now.Format("2006-01-02 15:04:05")
	}

	c := Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, summary, created_at, updated_at)
		VALUES (?, ?, '', ?, ?)`,
		c.ID, c.Title, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation with its full turn history in
// append order. ErrConversationNotFound on unknown ID.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, summary, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.Summary, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	turns, err := s.Turns(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	c.Turns = turns
	return c, nil
}

// Turns returns a conversation's turns in append order. The conversation
// must exist; unknown IDs yield ErrConversationNotFound.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	if err := s.conversationExists(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, question, answer, chunk_ids, context_free, created_at
		FROM turns WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var chunkIDs, createdAt string
		var contextFree int
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &t.Question, &t.Answer, &chunkIDs, &contextFree, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if err := json.Unmarshal([]byte(chunkIDs), &t.ChunkIDs); err != nil {
			return nil, fmt.Errorf("decoding chunk ids for turn %s: %w", t.ID, err)
		}
		t.ContextFree = contextFree != 0
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing turn created_at: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurn appends a turn to a conversation and bumps its updated_at in
// one transaction. Appends to the same conversation are serialized with a
// per-ID lock so concurrent callers never interleave sequence numbers.
// ErrConversationNotFound on unknown ID; nothing is written in that case.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn Turn) (Turn, error) {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", conversationID).Scan(&exists)
	if err != nil {
		return Turn{}, fmt.Errorf("checking conversation %s: %w", conversationID, err)
	}
	if exists == 0 {
		return Turn{}, ErrConversationNotFound
	}

	var seq int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM turns WHERE conversation_id = ?", conversationID).Scan(&seq); err != nil {
		return Turn{}, fmt.Errorf("computing turn sequence: %w", err)
	}

	turn.ConversationID = conversationID
	turn.Seq = seq + 1
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.ChunkIDs == nil {
		turn.ChunkIDs = []string{}
	}

	chunkIDs, err := json.Marshal(turn.ChunkIDs)
	if err != nil {
		return Turn{}, fmt.Errorf("encoding chunk ids: %w", err)
	}

	contextFree := 0
	if turn.ContextFree {
		contextFree = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, seq, question, answer, chunk_ids, context_free, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.Seq, turn.Question, turn.Answer,
		string(chunkIDs), contextFree, turn.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Turn{}, fmt.Errorf("inserting turn: %w", err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), conversationID)
	if err != nil {
		return Turn{}, fmt.Errorf("bumping conversation updated_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("committing turn: %w", err)
	}
	return turn, nil
}

// SetSummary replaces a conversation's stored summary.
func (s *Store) SetSummary(ctx context.Context, conversationID, summary string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET summary = ? WHERE id = ?", summary, conversationID)
	if err != nil {
		return fmt.Errorf("updating summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ListConversations returns one page of conversation summaries ordered
// most-recently-updated first, ties broken by creation time then ID so
// paging is deterministic. Pages are 1-based and PageSize long.
func (s *Store) ListConversations(ctx context.Context, page int) ([]ConversationSummary, error) {
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.summary, c.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC, c.created_at DESC, c.id ASC
		LIMIT ? OFFSET ?`, PageSize, (page-1)*PageSize)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	return scanConversationSummaries(rows)
}

// SearchConversations returns summaries of conversations whose title,
// summary, or any turn's question/answer contains the text,
// case-insensitively, ordered most-recently-updated first.
func (s *Store) SearchConversations(ctx context.Context, text string) ([]ConversationSummary, error) {
	pattern := "%" + strings.ToLower(text) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.summary, c.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		FROM conversations c
		WHERE lower(c.title) LIKE ?
			OR lower(c.summary) LIKE ?
			OR EXISTS (
				SELECT 1 FROM turns t
				WHERE t.conversation_id = c.id
					AND (lower(t.question) LIKE ? OR lower(t.answer) LIKE ?)
			)
		ORDER BY c.updated_at DESC, c.created_at DESC, c.id ASC`,
		pattern, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("searching conversations: %w", err)
	}
	defer rows.Close()

	return scanConversationSummaries(rows)
}

// ClearTurns deletes all turns from a conversation, leaving the
// conversation itself (title, summary) in place.
func (s *Store) ClearTurns(ctx context.Context, conversationID string) error {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.conversationExists(ctx, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("clearing turns: %w", err)
	}
	return nil
}

func (s *Store) conversationExists(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("checking conversation %s: %w", id, err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// conversationLock returns the append lock for a conversation ID,
// creating it on first use.
func (s *Store) conversationLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.convLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.convLocks[id] = lock
	}
	return lock
}

func scanConversationSummaries(rows *sql.Rows) ([]ConversationSummary, error) {
	var results []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var updatedAt string
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.Summary, &updatedAt, &cs.TurnCount); err != nil {
			return nil, fmt.Errorf("scanning conversation summary: %w", err)
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		cs.UpdatedAt = t
		results = append(results, cs)
	}
	return results, rows.Err()
}
