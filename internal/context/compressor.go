package context

import "strings"

// DocumentSeparator joins consecutive document summaries.
const DocumentSeparator = "\n\n---\n\n"

// BudgetCompressor joins document summaries and keeps at most MaxChars runes.
type BudgetCompressor struct {
	MaxChars int
}

// Compress concatenates non-blank documents in the given order and truncates
// the result to the character budget.
func (c *BudgetCompressor) Compress(documents []string) string {
	parts := make([]string, 0, len(documents))
	for _, d := range documents {
		if strings.TrimSpace(d) == "" {
			continue
		}
		parts = append(parts, d)
	}
	joined := strings.Join(parts, DocumentSeparator)
	if c.MaxChars <= 0 {
		return joined
	}
	return truncateRunes(joined, c.MaxChars)
}

func truncateRunes(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
