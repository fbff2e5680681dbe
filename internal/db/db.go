package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants - stream lifecycle events
const (
	EventStreamStarted   = "stream.started"
	EventStreamCompleted = "stream.completed"
	EventStreamStopped   = "stream.stopped"
	EventStreamFailed    = "stream.failed"
)

// Event type constants - conversation and document events
const (
	EventDocumentIngested    = "document.ingested"
	EventConversationDeleted = "conversation.deleted"
	EventProcessStarted      = "process.started"
	EventProcessShutdown     = "process.shutdown"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: messages, documents, events.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			title TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_id_id ON messages(chat_id, id);

		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_documents_chat_id_id ON documents(chat_id, id);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// payload is serialized to JSON; nil payload stores NULL.
func LogEvent(ctx context.Context, db *sql.DB, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO events (event_type, payload) VALUES (?, ?)`,
		eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// CountEvents returns how many events of the given type were recorded.
func CountEvents(ctx context.Context, db *sql.DB, eventType string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_type = ?`,
		eventType,
	).Scan(&count)
	return count, err
}

// LastEventPayload returns the decoded payload of the most recent event of the
// given type, or nil if none was recorded.
func LastEventPayload(ctx context.Context, db *sql.DB, eventType string) (map[string]any, error) {
	var payload sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		eventType,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !payload.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(payload.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Event is one row of the events table.
type Event struct {
	ID        int64
	Timestamp int64
	EventType string
	Payload   sql.NullString
}

// ListEvents returns up to limit of the most recent events in ascending id
// order. A non-empty chatID keeps only events whose payload names that
// conversation.
func ListEvents(ctx context.Context, db *sql.DB, chatID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, payload FROM (
			SELECT id, timestamp, event_type, payload FROM events
			WHERE ? = '' OR json_extract(payload, '$.chat_id') = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, chatID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
