package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

type action struct {
	kind string
	arg  string
}

var completeKinds = []string{"msgb64", "msg", "err", "sleep"}

var streamKinds = []string{"open_err", "tokb64", "tok", "err", "sleep"}

// verbatimKinds keep their argument byte for byte; token text is
// whitespace-significant.
var verbatimKinds = map[string]bool{"tok": true, "msg": true}

func parseScript(script string, kinds []string, bare ...string) ([]action, error) {
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
next:
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		token := strings.TrimLeft(p, " \t\r\n")
		for _, b := range bare {
			if strings.TrimSpace(token) == b {
				actions = append(actions, action{kind: b})
				continue next
			}
		}
		for _, k := range kinds {
			if arg, ok := strings.CutPrefix(token, k+":"); ok {
				if !verbatimKinds[k] {
					arg = strings.TrimSpace(arg)
				}
				actions = append(actions, action{kind: k, arg: arg})
				continue next
			}
		}
		return nil, fmt.Errorf("invalid dummy action: %s", strings.TrimSpace(token))
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

// next consumes one action; the last action repeats once the script runs out.
func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Gateway is a scripted model.Gateway for offline runs and tests.
//
// The complete script is consumed one action per CompleteSync call. The
// stream script is replayed from the start on every StreamChat call.
type Gateway struct {
	mu       sync.Mutex
	complete *scriptRunner
	stream   []action
	calls    []Call
}

// Call records the messages passed to one gateway call.
type Call struct {
	Stream   bool
	Messages []ctxpkg.Message
}

// NewGateway parses both scripts. An empty stream script streams a single
// "dummy-ok" token.
func NewGateway(completeScript, streamScript string) (*Gateway, error) {
	complete, err := parseScript(completeScript, completeKinds, "ok")
	if err != nil {
		return nil, err
	}
	stream, err := parseScript(streamScript, streamKinds, "noise")
	if err != nil {
		return nil, err
	}
	for i, a := range stream {
		if a.kind == "open_err" && i != 0 {
			return nil, fmt.Errorf("invalid dummy action: open_err must come first")
		}
	}
	if len(stream) == 0 {
		stream = []action{{kind: "tok", arg: "dummy-ok"}}
	}
	return &Gateway{complete: &scriptRunner{actions: complete}, stream: stream}, nil
}

// Calls returns a copy of every call seen so far.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

func (g *Gateway) record(stream bool, messages []ctxpkg.Message) {
	g.calls = append(g.calls, Call{Stream: stream, Messages: append([]ctxpkg.Message(nil), messages...)})
}

func (g *Gateway) CompleteSync(ctx context.Context, messages []ctxpkg.Message, timeout time.Duration) model.Result {
	g.mu.Lock()
	g.record(false, messages)
	a := g.complete.next()
	g.mu.Unlock()

	switch a.kind {
	case "ok":
		return model.OK("dummy-ok")
	case "err":
		return model.Failed(fmt.Errorf("%w: dummy error class=%s", model.ErrGatewayFailure, emptyAs(a.arg, "gateway_api")))
	case "sleep":
		if err := sleep(ctx, a.arg, timeout); err != nil {
			return model.Failed(fmt.Errorf("%w: %v", model.ErrGatewayFailure, err))
		}
		return model.OK("dummy-after-sleep")
	case "msg":
		return model.OK(a.arg)
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return model.Failed(fmt.Errorf("%w: dummy msgb64 decode failed: %v", model.ErrGatewayFailure, err))
		}
		return model.OK(string(raw))
	default:
		return model.OK("dummy-ok")
	}
}

func (g *Gateway) StreamChat(ctx context.Context, messages []ctxpkg.Message, timeout time.Duration) (model.TokenStream, error) {
	g.mu.Lock()
	g.record(true, messages)
	actions := g.stream
	g.mu.Unlock()

	if actions[0].kind == "open_err" {
		return nil, fmt.Errorf("%w: dummy open error class=%s", model.ErrGatewayFailure, emptyAs(actions[0].arg, "gateway_api"))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return &stream{ctx: ctx, cancel: cancel, actions: actions}, nil
}

type stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	actions []action
	index   int
	closed  bool
	mu      sync.Mutex
}

func (s *stream) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return "", fmt.Errorf("%w: stream closed", model.ErrGatewayFailure)
		}
		if err := s.ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrGatewayFailure, err)
		}
		if s.index >= len(s.actions) {
			return "", io.EOF
		}
		a := s.actions[s.index]
		s.index++

		switch a.kind {
		case "tok":
			return a.arg, nil
		case "tokb64":
			raw, err := base64.StdEncoding.DecodeString(a.arg)
			if err != nil {
				return "", fmt.Errorf("%w: dummy tokb64 decode failed: %v", model.ErrGatewayFailure, err)
			}
			return string(raw), nil
		case "err":
			return "", fmt.Errorf("%w: dummy stream error class=%s", model.ErrGatewayFailure, emptyAs(a.arg, "gateway_api"))
		case "sleep":
			s.mu.Unlock()
			err := sleep(s.ctx, a.arg, 0)
			s.mu.Lock()
			if err != nil {
				return "", fmt.Errorf("%w: %v", model.ErrGatewayFailure, err)
			}
		}
		// noise and open_err carry no token.
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	return nil
}

// sleep waits for ms milliseconds, the timeout (when positive) or ctx,
// whichever comes first.
func sleep(ctx context.Context, ms string, timeout time.Duration) error {
	n, _ := strconv.Atoi(ms)
	if n <= 0 {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	t := time.NewTimer(time.Duration(n) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
