package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

// Reply is a lazily opened token stream for one assistant turn. Next must
// be called from a single goroutine; Close, Text and Outcome are safe from
// any goroutine.
type Reply struct {
	c       *Controller
	chatID  string
	gen     uint64
	started time.Time

	mu      sync.Mutex
	stream  model.TokenStream
	opened  bool
	done    bool
	text    strings.Builder
	tokens  int
	outcome string
	err     error

	finishOnce sync.Once
}

// Next returns the next token. It returns false once the stream has ended
// for any reason; the reply is finalized by then.
func (r *Reply) Next(ctx context.Context) (string, bool) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return "", false
	}
	opened := r.opened
	r.opened = true
	r.mu.Unlock()

	if !r.c.active.holds(r.chatID, r.gen) {
		r.finish(metrics.OutcomeStopped, nil)
		return "", false
	}

	if !opened {
		stream, err := r.open(ctx)
		if err != nil {
			r.finish(r.failureOutcome(ctx), err)
			return "", false
		}
		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			stream.Close()
			return "", false
		}
		r.stream = stream
		r.mu.Unlock()
	}

	for {
		tok, err := r.stream.Next()
		if errors.Is(err, io.EOF) {
			r.finish(metrics.OutcomeCompleted, nil)
			return "", false
		}
		if err != nil {
			r.finish(r.failureOutcome(ctx), err)
			return "", false
		}
		if tok == "" {
			continue
		}
		if !r.c.active.holds(r.chatID, r.gen) {
			r.finish(metrics.OutcomeStopped, nil)
			return "", false
		}

		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return "", false
		}
		r.text.WriteString(tok)
		r.tokens++
		r.mu.Unlock()

		r.c.metrics.TokenRelayed()
		return tok, true
	}
}

// Close finalizes the reply if it has not ended yet, committing any partial
// text. It is safe to call more than once.
func (r *Reply) Close() error {
	r.finish(metrics.OutcomeStopped, nil)
	return nil
}

// Text returns the text accumulated so far.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

// Outcome returns completed, stopped or failed once the reply has ended, and
// "" before that.
func (r *Reply) Outcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Err returns the gateway or assembly error for a failed reply.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reply) open(ctx context.Context) (model.TokenStream, error) {
	messages, err := r.c.assembler.Assemble(ctx, r.chatID)
	if err != nil {
		return nil, err
	}
	return r.c.gateway.StreamChat(ctx, messages, r.c.opts.StreamTimeout)
}

// failureOutcome treats errors caused by the caller going away as a stop.
func (r *Reply) failureOutcome(ctx context.Context) string {
	if ctx.Err() != nil {
		return metrics.OutcomeStopped
	}
	return metrics.OutcomeFailed
}

func (r *Reply) finish(outcome string, cause error) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.done = true
		r.outcome = outcome
		r.err = cause
		text := r.text.String()
		tokens := r.tokens
		stream := r.stream
		r.mu.Unlock()

		c := r.c
		c.active.release(r.chatID, r.gen)
		if stream != nil {
			if err := stream.Close(); err != nil {
				c.log.Debug().Err(err).Str("chat_id", r.chatID).Msg("closing gateway stream")
			}
		}

		committed := false
		if text != "" {
			committed = r.commit(text)
		}

		c.metrics.StreamFinished(outcome, committed)

		payload := map[string]any{
			"chat_id":     r.chatID,
			"chars":       len([]rune(text)),
			"tokens":      tokens,
			"committed":   committed,
			"duration_ms": time.Since(r.started).Milliseconds(),
		}
		if cause != nil {
			payload["error"] = cause.Error()
		}
		c.logEvent(eventFor(outcome), payload)

		ev := c.log.Info()
		if outcome == metrics.OutcomeFailed {
			ev = c.log.Warn().Err(cause)
		}
		ev.Str("chat_id", r.chatID).
			Str("outcome", outcome).
			Int("tokens", tokens).
			Bool("committed", committed).
			Msg("stream finished")
	})
}

// commit persists the accumulated reply under a context detached from the
// caller. A conversation deleted mid-stream is not resurrected.
func (r *Reply) commit(text string) bool {
	c := r.c
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitTimeout)
	defer cancel()

	ok, err := c.store.AppendReply(ctx, r.chatID, text)
	if err != nil {
		c.log.Error().Err(err).Str("chat_id", r.chatID).Int("chars", len(text)).Msg("failed to commit reply")
		return false
	}
	if !ok {
		c.log.Info().Str("chat_id", r.chatID).Msg("conversation deleted during stream, dropping reply")
	}
	return ok
}

func eventFor(outcome string) string {
	switch outcome {
	case metrics.OutcomeCompleted:
		return db.EventStreamCompleted
	case metrics.OutcomeFailed:
		return db.EventStreamFailed
	default:
		return db.EventStreamStopped
	}
}
