package context

import "testing"

func TestBudgetCompressor_Truncate(t *testing.T) {
	c := &BudgetCompressor{MaxChars: 5}
	result := c.Compress([]string{"abcdefgh"})
	if result != "abcde" {
		t.Fatalf("expected 'abcde', got %q", result)
	}
}

func TestBudgetCompressor_Joins(t *testing.T) {
	c := &BudgetCompressor{MaxChars: 100}
	result := c.Compress([]string{"b", "  ", "a"})
	if result != "b"+DocumentSeparator+"a" {
		t.Fatalf("unexpected join: %q", result)
	}
}

func TestBudgetCompressor_CountsRunes(t *testing.T) {
	c := &BudgetCompressor{MaxChars: 2}
	result := c.Compress([]string{"héllo"})
	if result != "hé" {
		t.Fatalf("expected 'hé', got %q", result)
	}
}

func TestBudgetCompressor_EmptyInput(t *testing.T) {
	c := &BudgetCompressor{MaxChars: 3}
	if result := c.Compress(nil); result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestBudgetCompressor_ZeroMax(t *testing.T) {
	c := &BudgetCompressor{MaxChars: 0}
	result := c.Compress([]string{"abc"})
	if result != "abc" {
		t.Fatalf("expected no truncation with 0 max, got %q", result)
	}
}
