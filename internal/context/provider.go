package context

import (
	"context"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// StoreProvider reads conversation history from the SQLite conversation store.
type StoreProvider struct {
	Store *db.Store
}

// GetHistory returns the most recent `limit` messages for the given chat,
// ordered chronologically (oldest first).
func (p *StoreProvider) GetHistory(ctx context.Context, chatID string, limit int) ([]Message, error) {
	rows, err := p.Store.RecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	results := make([]Message, 0, len(rows))
	for _, r := range rows {
		mapped := RoleUser
		if r.Role == db.RoleAssistant {
			mapped = RoleAssistant
		}
		results = append(results, Message{Role: mapped, Content: r.Content})
	}
	return results, nil
}

// GetDocuments returns the text of every stored document context, newest first.
func (p *StoreProvider) GetDocuments(ctx context.Context, chatID string) ([]string, error) {
	docs, err := p.Store.Documents(ctx, chatID)
	if err != nil {
		return nil, err
	}
	results := make([]string, 0, len(docs))
	for _, d := range docs {
		results = append(results, d.Content)
	}
	return results, nil
}
