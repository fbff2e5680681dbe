package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv isolates a test from CHATRELAY_* and OLLAMA_* variables set in the
// surrounding environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "CHATRELAY_") || strings.HasPrefix(key, "OLLAMA_") {
			t.Setenv(key, "")
		}
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:5000" {
		t.Errorf("unexpected addr: %s", cfg.Addr())
	}
	if cfg.Gateway.Kind != GatewayOllama || cfg.Gateway.OllamaModel != "llama3:8b" {
		t.Errorf("unexpected gateway: %+v", cfg.Gateway)
	}
	if cfg.Context.HistoryWindow != 6 || cfg.Context.DocContextChars != 1200 {
		t.Errorf("unexpected context: %+v", cfg.Context)
	}
	if cfg.TitleTimeout() != 15*time.Second || cfg.SummaryTimeout() != time.Minute || cfg.StreamTimeout() != 2*time.Minute {
		t.Errorf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Storage.MaxUploadBytes != 32<<20 {
		t.Errorf("unexpected max upload: %d", cfg.Storage.MaxUploadBytes)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
server:
  host: 0.0.0.0
  port: 8080
gateway:
  kind: dummy
  dummy_stream_script: "tok:hi"
context:
  history_window: 10
log:
  level: debug
`)
	t.Setenv("CHATRELAY_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host from yaml, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected env to override yaml port, got %d", cfg.Server.Port)
	}
	if cfg.Gateway.Kind != GatewayDummy || cfg.Gateway.DummyStreamScript != "tok:hi" {
		t.Errorf("unexpected gateway: %+v", cfg.Gateway)
	}
	if cfg.Context.HistoryWindow != 10 {
		t.Errorf("expected history window 10, got %d", cfg.Context.HistoryWindow)
	}
	// Unset yaml keys keep their defaults.
	if cfg.Context.DocContextChars != 1200 {
		t.Errorf("expected default doc context, got %d", cfg.Context.DocContextChars)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Log.Level)
	}
}

func TestLoad_PathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "storage:\n  db_path: /tmp/other.db\n")
	t.Setenv("CHATRELAY_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Storage.DBPath != "/tmp/other.db" {
		t.Errorf("unexpected db path: %s", cfg.Storage.DBPath)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ValidationNamesKey(t *testing.T) {
	cases := map[string]string{
		"CHATRELAY_PORT":                   "70000",
		"CHATRELAY_GATEWAY":                "openai",
		"CHATRELAY_HISTORY_WINDOW":         "0",
		"CHATRELAY_STREAM_TIMEOUT_SECONDS": "0",
		"CHATRELAY_MAX_UPLOAD_BYTES":       "-1",
		"CHATRELAY_DOC_CONTEXT_CHARS":      "lots",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("error does not name %s: %v", key, err)
			}
		})
	}
}

func TestLoad_LogPretty(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATRELAY_LOG_PRETTY", "true")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Log.Pretty {
		t.Error("expected pretty logging")
	}
}
