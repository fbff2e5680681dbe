package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway kinds.
const (
	GatewayOllama = "ollama"
	GatewayDummy  = "dummy"
)

// Config is built from defaults, then an optional YAML file, then
// environment variables. Later sources win.
//
// Example YAML:
//
//	server:
//	  host: 0.0.0.0
//	  port: 5000
//	gateway:
//	  kind: ollama
//	  ollama_model: llama3:8b
//	log:
//	  level: debug
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Context  ContextConfig  `yaml:"context"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	DBPath         string `yaml:"db_path"`
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type GatewayConfig struct {
	Kind                string `yaml:"kind"`
	OllamaURL           string `yaml:"ollama_url"`
	OllamaModel         string `yaml:"ollama_model"`
	DummyCompleteScript string `yaml:"dummy_complete_script"`
	DummyStreamScript   string `yaml:"dummy_stream_script"`
}

type ContextConfig struct {
	HistoryWindow   int `yaml:"history_window"`
	DocContextChars int `yaml:"doc_context_chars"`
}

type TimeoutsConfig struct {
	TitleSeconds   int `yaml:"title_seconds"`
	SummarySeconds int `yaml:"summary_seconds"`
	StreamSeconds  int `yaml:"stream_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 5000},
		Storage: StorageConfig{
			DBPath:         "chat.db",
			UploadDir:      "uploads",
			MaxUploadBytes: 32 << 20,
		},
		Gateway: GatewayConfig{
			Kind:        GatewayOllama,
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3:8b",
		},
		Context:  ContextConfig{HistoryWindow: 6, DocContextChars: 1200},
		Timeouts: TimeoutsConfig{TitleSeconds: 15, SummarySeconds: 60, StreamSeconds: 120},
		Log:      LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, CHATRELAY_CONFIG is used. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CHATRELAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString("CHATRELAY_HOST", &c.Server.Host)
	envString("CHATRELAY_DB_PATH", &c.Storage.DBPath)
	envString("CHATRELAY_UPLOAD_DIR", &c.Storage.UploadDir)
	envString("CHATRELAY_GATEWAY", &c.Gateway.Kind)
	envString("OLLAMA_URL", &c.Gateway.OllamaURL)
	envString("OLLAMA_MODEL", &c.Gateway.OllamaModel)
	envString("CHATRELAY_DUMMY_COMPLETE_SCRIPT", &c.Gateway.DummyCompleteScript)
	envString("CHATRELAY_DUMMY_STREAM_SCRIPT", &c.Gateway.DummyStreamScript)
	envString("CHATRELAY_LOG_LEVEL", &c.Log.Level)
	envBool("CHATRELAY_LOG_PRETTY", &c.Log.Pretty)

	maxUpload := int(c.Storage.MaxUploadBytes)
	for _, e := range []struct {
		key string
		dst *int
	}{
		{"CHATRELAY_PORT", &c.Server.Port},
		{"CHATRELAY_HISTORY_WINDOW", &c.Context.HistoryWindow},
		{"CHATRELAY_DOC_CONTEXT_CHARS", &c.Context.DocContextChars},
		{"CHATRELAY_TITLE_TIMEOUT_SECONDS", &c.Timeouts.TitleSeconds},
		{"CHATRELAY_SUMMARY_TIMEOUT_SECONDS", &c.Timeouts.SummarySeconds},
		{"CHATRELAY_STREAM_TIMEOUT_SECONDS", &c.Timeouts.StreamSeconds},
		{"CHATRELAY_MAX_UPLOAD_BYTES", &maxUpload},
	} {
		if err := envInt(e.key, e.dst); err != nil {
			return err
		}
	}
	c.Storage.MaxUploadBytes = int64(maxUpload)
	return nil
}

// Validate checks ranges and required values. Errors name the environment
// key that sets the field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("CHATRELAY_HOST must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("CHATRELAY_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return fmt.Errorf("CHATRELAY_DB_PATH must not be empty")
	}
	if strings.TrimSpace(c.Storage.UploadDir) == "" {
		return fmt.Errorf("CHATRELAY_UPLOAD_DIR must not be empty")
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("CHATRELAY_MAX_UPLOAD_BYTES must be > 0, got %d", c.Storage.MaxUploadBytes)
	}
	switch c.Gateway.Kind {
	case GatewayOllama:
		if strings.TrimSpace(c.Gateway.OllamaURL) == "" {
			return fmt.Errorf("OLLAMA_URL is required when CHATRELAY_GATEWAY=ollama")
		}
		if strings.TrimSpace(c.Gateway.OllamaModel) == "" {
			return fmt.Errorf("OLLAMA_MODEL is required when CHATRELAY_GATEWAY=ollama")
		}
	case GatewayDummy:
	default:
		return fmt.Errorf("CHATRELAY_GATEWAY must be %q or %q, got %q", GatewayOllama, GatewayDummy, c.Gateway.Kind)
	}
	if c.Context.HistoryWindow < 1 {
		return fmt.Errorf("CHATRELAY_HISTORY_WINDOW must be >= 1, got %d", c.Context.HistoryWindow)
	}
	if c.Context.DocContextChars < 0 {
		return fmt.Errorf("CHATRELAY_DOC_CONTEXT_CHARS must be >= 0, got %d", c.Context.DocContextChars)
	}
	for key, v := range map[string]int{
		"CHATRELAY_TITLE_TIMEOUT_SECONDS":   c.Timeouts.TitleSeconds,
		"CHATRELAY_SUMMARY_TIMEOUT_SECONDS": c.Timeouts.SummarySeconds,
		"CHATRELAY_STREAM_TIMEOUT_SECONDS":  c.Timeouts.StreamSeconds,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", key, v)
		}
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (c Config) TitleTimeout() time.Duration {
	return time.Duration(c.Timeouts.TitleSeconds) * time.Second
}

func (c Config) SummaryTimeout() time.Duration {
	return time.Duration(c.Timeouts.SummarySeconds) * time.Second
}

func (c Config) StreamTimeout() time.Duration {
	return time.Duration(c.Timeouts.StreamSeconds) * time.Second
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	*dst = v == "1" || strings.EqualFold(v, "true")
}
