package ollama

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

func newTestClient(url string) *Client {
	return NewClient(url, "test-model", zerolog.Nop())
}

func writeLines(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, l := range lines {
		w.Write([]byte(l + "\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func collect(t *testing.T, s model.TokenStream) ([]string, error) {
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

func TestCompleteSync_OK(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": " TCP Slow Start Basics \n"},
			"done":    true,
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result := client.CompleteSync(t.Context(), []ctxpkg.Message{{Role: "user", Content: "hi"}}, 5*time.Second)
	if !result.Ok() {
		t.Fatalf("unexpected failure: %v", result.Err)
	}
	if result.Text != "TCP Slow Start Basics" {
		t.Errorf("expected trimmed title, got %q", result.Text)
	}
	if got.Stream {
		t.Error("expected stream=false for CompleteSync")
	}
	if got.Model != "test-model" || len(got.Messages) != 1 {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestCompleteSync_MissingMessageFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"done":true}`))
	}))
	defer server.Close()

	result := newTestClient(server.URL).CompleteSync(t.Context(), nil, 5*time.Second)
	if !result.Ok() {
		t.Fatalf("unexpected failure: %v", result.Err)
	}
	if result.Text != "" {
		t.Errorf("expected empty text, got %q", result.Text)
	}
	if result.TextOr("fallback") != "fallback" {
		t.Error("expected fallback for empty text")
	}
}

func TestCompleteSync_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer server.Close()

	result := newTestClient(server.URL).CompleteSync(t.Context(), nil, 5*time.Second)
	if result.Ok() {
		t.Fatal("expected failure for 404 response")
	}
	if !errors.Is(result.Err, model.ErrGatewayFailure) {
		t.Errorf("expected ErrGatewayFailure, got %v", result.Err)
	}
}

func TestCompleteSync_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	result := newTestClient(server.URL).CompleteSync(t.Context(), nil, 50*time.Millisecond)
	if result.Ok() {
		t.Fatal("expected timeout failure")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not honoured: %v", time.Since(start))
	}
}

func TestCompleteSync_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	result := newTestClient(url).CompleteSync(t.Context(), nil, time.Second)
	if result.Ok() {
		t.Fatal("expected failure for closed server")
	}
}

func TestStreamChat_Tokens(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeLines(w,
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			``,
			`not json at all`,
			`{"message":{"role":"assistant"},"done":false}`,
			`{"keepalive":true}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
			`{"message":{"role":"assistant","content":"after done"},"done":false}`,
		)
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(t.Context(), []ctxpkg.Message{{Role: "user", Content: "hi"}}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	tokens, err := collect(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 2 || tokens[0] != "Hel" || tokens[1] != "lo" {
		t.Fatalf("unexpected tokens: %q", tokens)
	}
	if !got.Stream {
		t.Error("expected stream=true")
	}
}

func TestStreamChat_TimeoutIsPerLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			writeLines(w, `{"message":{"content":"x"},"done":false}`)
			time.Sleep(100 * time.Millisecond)
		}
		writeLines(w, `{"done":true}`)
	}))
	defer server.Close()

	// The reply takes about 500ms in total, well past the 250ms timeout,
	// but no single gap reaches it.
	stream, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 250*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	tokens, err := collect(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %q", tokens)
	}
}

func TestStreamChat_IdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"first"},"done":false}`)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	start := time.Now()
	tokens, err := collect(t, stream)
	if !errors.Is(err, model.ErrGatewayFailure) {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "first" {
		t.Fatalf("unexpected tokens: %q", tokens)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("idle stream not cut off, took %s", elapsed)
	}
}

func TestStreamChat_HeaderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 100*time.Millisecond)
	if !errors.Is(err, model.ErrGatewayFailure) {
		t.Fatalf("expected gateway failure, got %v", err)
	}
}

func TestStreamChat_ErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w,
			`{"message":{"content":"partial"},"done":false}`,
			`{"error":"backend exploded"}`,
		)
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	tokens, err := collect(t, stream)
	if !errors.Is(err, model.ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "partial" {
		t.Fatalf("unexpected tokens before failure: %q", tokens)
	}
}

func TestStreamChat_NoDoneMarker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"only"}}`)
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	tokens, err := collect(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 || tokens[0] != "only" {
		t.Fatalf("unexpected tokens: %q", tokens)
	}
}

func TestStreamChat_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 5*time.Second)
	if !errors.Is(err, model.ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
}

func TestStreamChat_CloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"a"}}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).StreamChat(t.Context(), nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tok, err := stream.Next(); err != nil || tok != "a" {
		t.Fatalf("unexpected first token %q err=%v", tok, err)
	}
	stream.Close()
	stream.Close()

	if _, err := stream.Next(); err == nil {
		t.Fatal("expected error reading a closed stream")
	}
}
