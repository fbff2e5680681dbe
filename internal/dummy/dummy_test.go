package dummy

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

func drain(t *testing.T, s model.TokenStream) ([]string, error) {
	t.Helper()
	var tokens []string
	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return tokens, nil
		}
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, tok)
	}
}

func TestNewGateway_InvalidScript(t *testing.T) {
	if _, err := NewGateway("boom", ""); err == nil {
		t.Fatal("expected parse error for invalid complete script")
	}
	if _, err := NewGateway("", "msg:hello"); err == nil {
		t.Fatal("expected parse error for complete action in stream script")
	}
	if _, err := NewGateway("", "tok:a,open_err:x"); err == nil {
		t.Fatal("expected error for open_err after first position")
	}
}

func TestCompleteSync_ScriptedResponses(t *testing.T) {
	g, err := NewGateway("err:gateway_api,msg:hello", "")
	if err != nil {
		t.Fatal(err)
	}
	msgs := []ctxpkg.Message{{Role: "user", Content: "hi"}}

	r := g.CompleteSync(context.Background(), msgs, time.Second)
	if r.Ok() {
		t.Fatal("expected first call to fail")
	}
	if !errors.Is(r.Err, model.ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", r.Err)
	}

	r = g.CompleteSync(context.Background(), msgs, time.Second)
	if r.Text != "hello" {
		t.Fatalf("expected hello, got %q", r.Text)
	}
	// The last action repeats.
	r = g.CompleteSync(context.Background(), msgs, time.Second)
	if r.Text != "hello" {
		t.Fatalf("expected repeated hello, got %q", r.Text)
	}
	if calls := g.Calls(); len(calls) != 3 || calls[0].Stream {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestCompleteSync_MsgB64Action(t *testing.T) {
	g, err := NewGateway("msgb64:aGVsbG8=", "") // "hello"
	if err != nil {
		t.Fatal(err)
	}
	if r := g.CompleteSync(context.Background(), nil, time.Second); r.Text != "hello" {
		t.Fatalf("expected hello, got %q", r.Text)
	}
}

func TestCompleteSync_SleepHonoursTimeout(t *testing.T) {
	g, err := NewGateway("sleep:5000", "")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	r := g.CompleteSync(context.Background(), nil, 20*time.Millisecond)
	if r.Ok() {
		t.Fatal("expected timeout failure")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honoured: %v", time.Since(start))
	}
}

func TestStreamChat_ReplaysPerCall(t *testing.T) {
	g, err := NewGateway("", "tok:Hel,noise,tokb64:bG8=,noise")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		s, err := g.StreamChat(context.Background(), nil, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		tokens, err := drain(t, s)
		s.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(tokens) != 2 || tokens[0] != "Hel" || tokens[1] != "lo" {
			t.Fatalf("call %d: unexpected tokens %q", i, tokens)
		}
	}
}

func TestStreamChat_TokensKeepWhitespace(t *testing.T) {
	g, err := NewGateway("msg: padded title ", " tok:It ,tok:works, sleep: 1 ")
	if err != nil {
		t.Fatal(err)
	}
	s, err := g.StreamChat(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	tokens, err := drain(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 2 || tokens[0] != "It " || tokens[1] != "works" {
		t.Fatalf("unexpected tokens %q", tokens)
	}

	res := g.CompleteSync(context.Background(), nil, time.Second)
	if res.Text != " padded title " {
		t.Fatalf("expected verbatim msg text, got %q", res.Text)
	}
}

func TestStreamChat_DefaultScript(t *testing.T) {
	g, err := NewGateway("", "")
	if err != nil {
		t.Fatal(err)
	}
	s, err := g.StreamChat(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	tokens, err := drain(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 || tokens[0] != "dummy-ok" {
		t.Fatalf("unexpected tokens %q", tokens)
	}
}

func TestStreamChat_ErrorMidStream(t *testing.T) {
	g, err := NewGateway("", "tok:partial,err:reset")
	if err != nil {
		t.Fatal(err)
	}
	s, err := g.StreamChat(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tokens, err := drain(t, s)
	if !errors.Is(err, model.ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "partial" {
		t.Fatalf("unexpected tokens %q", tokens)
	}
}

func TestStreamChat_OpenError(t *testing.T) {
	g, err := NewGateway("", "open_err:unreachable")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.StreamChat(context.Background(), nil, time.Second); !errors.Is(err, model.ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
}

func TestStreamChat_CloseInterruptsSleep(t *testing.T) {
	g, err := NewGateway("", "tok:a,sleep:5000,tok:b")
	if err != nil {
		t.Fatal(err)
	}
	s, err := g.StreamChat(context.Background(), nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := s.Next(); tok != "a" {
		t.Fatalf("expected a, got %q", tok)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
