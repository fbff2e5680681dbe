package model

import (
	"context"
	"errors"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
)

// ErrGatewayFailure marks an unreachable or misbehaving inference backend.
var ErrGatewayFailure = errors.New("inference gateway failure")

// Result is the outcome of a best-effort, non-streaming completion: either
// Ok with text, or Failed with a reason.
type Result struct {
	Text string
	Err  error
}

// OK builds a successful result.
func OK(text string) Result { return Result{Text: text} }

// Failed builds a failed result.
func Failed(err error) Result {
	if err == nil {
		err = ErrGatewayFailure
	}
	return Result{Err: err}
}

// Ok reports whether the completion succeeded.
func (r Result) Ok() bool { return r.Err == nil }

// TextOr returns the text on success with non-blank content, or fallback.
func (r Result) TextOr(fallback string) string {
	if !r.Ok() || strings.TrimSpace(r.Text) == "" {
		return fallback
	}
	return r.Text
}

// TokenStream is an open streaming completion. Next returns io.EOF once the
// backend finishes. Close releases the connection and is safe to call more
// than once.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// Gateway is the inference backend abstraction used by the session
// controller and document ingestion.
type Gateway interface {
	CompleteSync(ctx context.Context, messages []ctxpkg.Message, timeout time.Duration) Result
	StreamChat(ctx context.Context, messages []ctxpkg.Message, timeout time.Duration) (TokenStream, error)
}
