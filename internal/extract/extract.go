// Package extract pulls plain text out of uploaded documents.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned for file types without an extractor.
var ErrUnsupported = errors.New("unsupported document type")

// Extractor turns a document's raw bytes into plain text.
type Extractor interface {
	Extract(data []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(data []byte) (string, error)

func (f ExtractorFunc) Extract(data []byte) (string, error) { return f(data) }

// Registry picks an extractor by lower-case file extension, without the dot.
type Registry map[string]Extractor

// Default returns the registry for pdf and docx.
func Default() Registry {
	return Registry{
		"pdf":  ExtractorFunc(PDF),
		"docx": ExtractorFunc(DOCX),
	}
}

// Ext returns the lower-case extension of name without the dot, or "".
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Supports reports whether filename has a registered extractor.
func (r Registry) Supports(filename string) bool {
	_, ok := r[Ext(filename)]
	return ok
}

// Extract dispatches on the extension of filename.
func (r Registry) Extract(filename string, data []byte) (string, error) {
	e, ok := r[Ext(filename)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(filename))
	}
	return e.Extract(data)
}
