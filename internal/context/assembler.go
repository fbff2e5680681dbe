package context

import (
	"context"
	"fmt"
)

const (
	// DefaultHistoryWindow is how many recent turns are sent to the model.
	DefaultHistoryWindow = 6
	// DefaultDocumentBudget bounds the document summary placed in the prompt.
	DefaultDocumentBudget = 1200

	BrevityInstruction = "Answer clearly and concisely. Keep responses under 150 words."

	documentInstruction = "You are a document assistant.\n" +
		"- Answer ONLY from the document summary.\n" +
		"- If information is missing, say you don't know.\n\n" +
		"DOCUMENT SUMMARY:\n%s"
)

// StandardAssembler builds the prompt for a conversation: system
// instructions, optional document summary, then the sliding window of turns.
type StandardAssembler struct {
	Provider      Provider
	Compressor    Compressor
	HistoryWindow int
}

// NewStandardAssembler wires an assembler with the default window and
// document budget.
func NewStandardAssembler(p Provider) *StandardAssembler {
	return &StandardAssembler{
		Provider:      p,
		Compressor:    &BudgetCompressor{MaxChars: DefaultDocumentBudget},
		HistoryWindow: DefaultHistoryWindow,
	}
}

// Assemble builds the final message list: system + document + history.
// It only reads from the provider.
func (a *StandardAssembler) Assemble(ctx context.Context, chatID string) ([]Message, error) {
	window := a.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	history, err := a.Provider.GetHistory(ctx, chatID, window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	docs, err := a.Provider.GetDocuments(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load document context: %w", err)
	}

	var docContext string
	if a.Compressor != nil {
		docContext = a.Compressor.Compress(docs)
	}

	messages := make([]Message, 0, 2+len(history))
	messages = append(messages, Message{Role: RoleSystem, Content: BrevityInstruction})
	if docContext != "" {
		messages = append(messages, Message{
			Role:    RoleSystem,
			Content: fmt.Sprintf(documentInstruction, docContext),
		})
	}
	messages = append(messages, history...)
	return messages, nil
}
