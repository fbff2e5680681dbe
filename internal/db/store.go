package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyChatID = errors.New("chat_id cannot be empty")

// Message is one persisted turn. ID is the sequence position within the
// whole log and therefore also orders turns inside a conversation.
type Message struct {
	ID        int64
	ChatID    string
	Role      string
	Content   string
	Title     sql.NullString
	CreatedAt int64
}

// ConversationSummary is a row of the conversation list.
type ConversationSummary struct {
	ChatID  string `json:"chat_id"`
	Preview string `json:"preview"`
}

// Document is a stored document-context row.
type Document struct {
	ID        int64
	ChatID    string
	Filename  string
	Content   string
	CreatedAt int64
}

// Store is the conversation store: an append-only message log plus
// per-conversation document context, backed by SQLite.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an opened database.
func NewStore(database *sql.DB) *Store {
	return &Store{DB: database}
}

// InsertMessage appends a message and returns its sequence position.
// An empty title is stored as NULL.
func (s *Store) InsertMessage(ctx context.Context, chatID, role, content, title string) (int64, error) {
	if strings.TrimSpace(chatID) == "" {
		return 0, ErrEmptyChatID
	}
	if role != RoleUser && role != RoleAssistant {
		return 0, fmt.Errorf("invalid role %q", role)
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, title) VALUES (?, ?, ?, ?)`,
		chatID, role, content, nullIfEmpty(title),
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s message: %w", role, err)
	}
	return res.LastInsertId()
}

// AppendReply stores an assistant reply only while the conversation still has
// messages. The existence check and the insert are one statement, so a
// concurrent DeleteConversation either runs first and the reply is dropped,
// or runs after and removes it too. Reports whether a row was written.
func (s *Store) AppendReply(ctx context.Context, chatID, content string) (bool, error) {
	if strings.TrimSpace(chatID) == "" {
		return false, ErrEmptyChatID
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content)
		 SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM messages WHERE chat_id = ?)`,
		chatID, RoleAssistant, content, chatID,
	)
	if err != nil {
		return false, fmt.Errorf("append reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append reply: %w", err)
	}
	return n == 1, nil
}

// CountMessages returns the number of messages stored for a conversation.
func (s *Store) CountMessages(ctx context.Context, chatID string) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = ?`,
		chatID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// RecentMessages returns the most recent `limit` messages for the given chat,
// ordered chronologically (oldest first).
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, chat_id, role, content, title, created_at
		 FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Title, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// ListConversations returns one row per conversation that has at least one
// user message, most recently created first. The preview is the stored title,
// or the earliest user message when no title was stored.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT m.chat_id,
		       COALESCE(
		           (SELECT t.title FROM messages t
		             WHERE t.chat_id = m.chat_id AND t.title IS NOT NULL AND t.title != ''
		             ORDER BY t.id LIMIT 1),
		           (SELECT f.content FROM messages f
		             WHERE f.chat_id = m.chat_id AND f.role = 'user'
		             ORDER BY f.id LIMIT 1),
		           ''
		       ) AS preview
		FROM messages m
		WHERE m.role = 'user'
		GROUP BY m.chat_id
		ORDER BY MIN(m.id) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	results := []ConversationSummary{}
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ChatID, &c.Preview); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// DeleteConversation removes every message and document-context row of a
// conversation in one transaction and reports how many messages were removed.
func (s *Store) DeleteConversation(ctx context.Context, chatID string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE chat_id = ?`, chatID); err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return removed, nil
}

// InsertDocument stores one document-context row.
func (s *Store) InsertDocument(ctx context.Context, chatID, filename, content string) (int64, error) {
	if strings.TrimSpace(chatID) == "" {
		return 0, ErrEmptyChatID
	}
	if strings.TrimSpace(filename) == "" {
		return 0, fmt.Errorf("filename cannot be empty")
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO documents (chat_id, filename, content) VALUES (?, ?, ?)`,
		chatID, filename, content,
	)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return res.LastInsertId()
}

// Documents returns every document-context row of a conversation, newest first.
func (s *Store) Documents(ctx context.Context, chatID string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, chat_id, filename, content, created_at
		 FROM documents WHERE chat_id = ? ORDER BY id DESC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.ChatID, &d.Filename, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// LogEvent records an audit event on the store's database.
func (s *Store) LogEvent(ctx context.Context, eventType string, payload map[string]any) (int64, error) {
	return LogEvent(ctx, s.DB, eventType, payload)
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
