// Package session runs one streamed reply per conversation: it persists the
// user turn, relays gateway tokens to the caller and commits whatever was
// produced when the stream ends, however it ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

// ErrInvalidRequest is returned when the conversation id or message is empty.
var ErrInvalidRequest = errors.New("invalid request")

// Titling
const (
	// TitlePrompt prefixes the first user message when asking for a title.
	TitlePrompt = "Generate a short chat title (max 5 words): "
	// MaxTitleRunes caps both generated and fallback titles.
	MaxTitleRunes = 40
)

// Default per-call timeouts
const (
	DefaultTitleTimeout = 15 * time.Second
	// DefaultStreamTimeout is how long a stream may go without data.
	DefaultStreamTimeout = 120 * time.Second
	// DefaultCommitTimeout bounds the reply commit and event writes, which
	// run detached from the caller.
	DefaultCommitTimeout = 5 * time.Second
)

// Store is the subset of the conversation store the controller writes to.
type Store interface {
	CountMessages(ctx context.Context, chatID string) (int, error)
	InsertMessage(ctx context.Context, chatID, role, content, title string) (int64, error)
	AppendReply(ctx context.Context, chatID, content string) (bool, error)
	LogEvent(ctx context.Context, eventType string, payload map[string]any) (int64, error)
}

// Assembler builds the prompt for a conversation.
type Assembler interface {
	Assemble(ctx context.Context, chatID string) ([]ctxpkg.Message, error)
}

// Options holds per-call timeouts. Zero values take the defaults.
type Options struct {
	TitleTimeout  time.Duration
	StreamTimeout time.Duration
	CommitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TitleTimeout <= 0 {
		o.TitleTimeout = DefaultTitleTimeout
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = DefaultStreamTimeout
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	return o
}

// Controller owns the active-stream set for the process.
type Controller struct {
	store     Store
	assembler Assembler
	gateway   model.Gateway
	metrics   *metrics.Metrics
	log       zerolog.Logger
	opts      Options
	active    *activeSet
}

func NewController(store Store, assembler Assembler, gateway model.Gateway, m *metrics.Metrics, log zerolog.Logger, opts Options) *Controller {
	return &Controller{
		store:     store,
		assembler: assembler,
		gateway:   gateway,
		metrics:   m,
		log:       log.With().Str("component", "session").Logger(),
		opts:      opts.withDefaults(),
		active:    newActiveSet(),
	}
}

// StartStream persists the user message (titling the conversation when it
// is the first one) and registers a new stream for chatID. Tokens are pulled
// from the returned Reply; callers must Close it.
func (c *Controller) StartStream(ctx context.Context, chatID, message string) (*Reply, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" || strings.TrimSpace(message) == "" {
		return nil, ErrInvalidRequest
	}

	count, err := c.store.CountMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	var title string
	if count == 0 {
		title = c.generateTitle(ctx, message)
	}
	if _, err := c.store.InsertMessage(ctx, chatID, db.RoleUser, message, title); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	gen := c.active.register(chatID)
	c.metrics.StreamStarted()
	c.logEvent(db.EventStreamStarted, map[string]any{"chat_id": chatID, "first": count == 0})
	c.log.Debug().Str("chat_id", chatID).Uint64("generation", gen).Msg("stream registered")

	return &Reply{
		c:       c,
		chatID:  chatID,
		gen:     gen,
		started: time.Now(),
	}, nil
}

// Stop removes the conversation's marker. The stream notices before its next
// token. Stopping an idle conversation is a no-op.
func (c *Controller) Stop(chatID string) {
	if c.active.remove(chatID) {
		c.log.Info().Str("chat_id", chatID).Msg("stream stop requested")
	}
}

// StopAll removes every marker, so each live stream ends at its next token
// and commits what it has. Used on shutdown.
func (c *Controller) StopAll() int {
	n := c.active.removeAll()
	if n > 0 {
		c.log.Info().Int("streams", n).Msg("stopping all streams")
	}
	return n
}

// Active reports whether chatID has a live stream.
func (c *Controller) Active(chatID string) bool {
	return c.active.has(chatID)
}

func (c *Controller) generateTitle(ctx context.Context, message string) string {
	res := c.gateway.CompleteSync(ctx, []ctxpkg.Message{
		{Role: ctxpkg.RoleUser, Content: TitlePrompt + message},
	}, c.opts.TitleTimeout)

	title := truncateRunes(strings.TrimSpace(res.TextOr("")), MaxTitleRunes)
	if title != "" {
		return title
	}
	c.metrics.Fallback(metrics.FallbackTitle)
	c.log.Warn().Err(res.Err).Msg("title generation failed, using message prefix")
	return truncateRunes(strings.TrimSpace(message), MaxTitleRunes)
}

// logEvent writes an audit row. Failures are logged and otherwise ignored.
func (c *Controller) logEvent(eventType string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommitTimeout)
	defer cancel()
	if _, err := c.store.LogEvent(ctx, eventType, payload); err != nil {
		c.log.Error().Err(err).Str("event_type", eventType).Msg("failed to log event")
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
