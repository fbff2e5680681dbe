package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

var tracer = otel.Tracer("chatrelay.gateway.ollama")

// maxLineBytes bounds a single NDJSON line from the backend.
const maxLineBytes = 1 << 20

// Client talks to an Ollama-compatible /api/chat endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates an Ollama client. Per-call deadlines come from the
// timeout passed to each request, so the http.Client itself has none.
func NewClient(baseURL, modelName string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      modelName,
		httpClient: &http.Client{},
		log:        log.With().Str("component", "ollama").Logger(),
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ctxpkg.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

// chatChunk is one response object: the whole body when not streaming, one
// NDJSON line when streaming. Every field is optional on the wire.
type chatChunk struct {
	Message *chunkMessage `json:"message,omitempty"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

type chunkMessage struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// token returns the incremental text, or "" when the chunk carries none.
func (c *chatChunk) token() string {
	if c.Message == nil || c.Message.Content == nil {
		return ""
	}
	return *c.Message.Content
}

// CompleteSync sends a non-streaming chat request. Failures are reported in
// the result, never returned.
func (c *Client) CompleteSync(ctx context.Context, messages []ctxpkg.Message, timeout time.Duration) model.Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ollama.CompleteSync")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := c.post(ctx, messages, false)
	if err != nil {
		recordSpanError(span, err)
		c.log.Warn().Err(err).Msg("complete request failed")
		return model.Failed(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: read response: %v", model.ErrGatewayFailure, err)
		recordSpanError(span, err)
		return model.Failed(err)
	}

	var parsed chatChunk
	if err := json.Unmarshal(body, &parsed); err != nil {
		err = fmt.Errorf("%w: parse response: %s", model.ErrGatewayFailure, truncate(string(body), 400))
		recordSpanError(span, err)
		return model.Failed(err)
	}
	if parsed.Error != "" {
		err = fmt.Errorf("%w: %s", model.ErrGatewayFailure, parsed.Error)
		recordSpanError(span, err)
		return model.Failed(err)
	}
	return model.OK(strings.TrimSpace(parsed.token()))
}

// StreamChat opens a streaming chat request. timeout bounds the wait for the
// response headers and for each following line, not the whole reply. The
// returned stream owns the HTTP response; callers must Close it.
func (c *Client) StreamChat(ctx context.Context, messages []ctxpkg.Message, timeout time.Duration) (model.TokenStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	idle := &idleTimer{timeout: timeout}
	idle.timer = time.AfterFunc(timeout, func() {
		idle.fired.Store(true)
		cancel()
	})

	ctx, span := tracer.Start(ctx, "ollama.StreamChat")
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := c.post(ctx, messages, true)
	if err != nil {
		idle.timer.Stop()
		err = idle.annotate(err)
		recordSpanError(span, err)
		span.End()
		cancel()
		return nil, err
	}
	idle.timer.Reset(timeout)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	return &tokenStream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
		idle:    idle,
		span:    span,
		log:     c.log,
	}, nil
}

func (c *Client) post(ctx context.Context, messages []ctxpkg.Message, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama request failed: %v", model.ErrGatewayFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: ollama non-success status=%d body=%s",
			model.ErrGatewayFailure, resp.StatusCode, truncate(string(body), 400))
	}
	return resp, nil
}

type tokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	idle    *idleTimer
	span    trace.Span
	log     zerolog.Logger

	done      bool
	tokens    int
	closeOnce sync.Once
}

// Next returns the next non-empty token. Blank, undecodable and text-less
// lines are skipped as keepalive noise.
func (s *tokenStream) Next() (string, error) {
	for !s.done && s.scanner.Scan() {
		s.idle.timer.Reset(s.idle.timeout)
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.log.Debug().Str("line", truncate(string(line), 200)).Msg("skipping undecodable chunk")
			continue
		}
		if chunk.Error != "" {
			err := fmt.Errorf("%w: %s", model.ErrGatewayFailure, chunk.Error)
			recordSpanError(s.span, err)
			return "", err
		}
		if chunk.Done {
			s.done = true
		}
		if tok := chunk.token(); tok != "" {
			s.tokens++
			return tok, nil
		}
	}
	if s.done {
		return "", io.EOF
	}
	if err := s.scanner.Err(); err != nil {
		err = fmt.Errorf("%w: read stream: %v", model.ErrGatewayFailure, s.idle.annotate(err))
		recordSpanError(s.span, err)
		return "", err
	}
	// Body ended without a done marker; treat as a normal end.
	s.done = true
	return "", io.EOF
}

func (s *tokenStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.idle.timer.Stop()
		err = s.body.Close()
		s.cancel()
		s.span.SetAttributes(attribute.Int("llm.tokens", s.tokens))
		s.span.End()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// idleTimer cancels a stream that has been silent for longer than timeout.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func (t *idleTimer) annotate(err error) error {
	if t.fired.Load() {
		return fmt.Errorf("no data for %s: %w", t.timeout, err)
	}
	return err
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
