package context

import "context"

// Provider retrieves conversation history and document context from a
// persistent store.
type Provider interface {
	GetHistory(ctx context.Context, chatID string, limit int) ([]Message, error)
	GetDocuments(ctx context.Context, chatID string) ([]string, error)
}

// Compressor reduces document context to fit within a character budget.
type Compressor interface {
	Compress(documents []string) string
}
