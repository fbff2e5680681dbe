// Package ingest stores uploaded documents and attaches their summaries to a
// conversation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/extract"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnsupportedType    = errors.New("unsupported file type")
	ErrUnreadableDocument = errors.New("could not extract readable text")
	ErrStorageFailure     = errors.New("file save failed")
)

// Upload status and summarization prompts
const (
	// StatusUploaded is the only status a successful upload reports.
	StatusUploaded = "uploaded"

	// SummaryInstruction is sent as the system turn ahead of the document text.
	SummaryInstruction = "Summarize this document clearly for later Q&A."
	// SummaryFallback is stored when summarization fails or returns nothing.
	SummaryFallback = "Document uploaded but summary unavailable."

	// MinTextRunes is the least extracted text accepted as readable.
	MinTextRunes = 50
	// MaxSummaryInputRunes bounds the text sent for summarization.
	MaxSummaryInputRunes = 6000

	// DefaultSummaryTimeout applies when the Ingester has none set.
	DefaultSummaryTimeout = 60 * time.Second
)

// Store is the subset of the conversation store ingestion writes to.
type Store interface {
	InsertDocument(ctx context.Context, chatID, filename, content string) (int64, error)
	LogEvent(ctx context.Context, eventType string, payload map[string]any) (int64, error)
}

// Result is returned to the uploader.
type Result struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
}

type Ingester struct {
	Store          Store
	Gateway        model.Gateway
	Extractors     extract.Registry
	UploadDir      string
	SummaryTimeout time.Duration
	Metrics        *metrics.Metrics
	Log            zerolog.Logger
}

func New(store Store, gateway model.Gateway, uploadDir string, m *metrics.Metrics, log zerolog.Logger) *Ingester {
	return &Ingester{
		Store:          store,
		Gateway:        gateway,
		Extractors:     extract.Default(),
		UploadDir:      uploadDir,
		SummaryTimeout: DefaultSummaryTimeout,
		Metrics:        m,
		Log:            log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest saves the file, extracts and summarizes its text, and records the
// summary as document context for chatID.
func (in *Ingester) Ingest(ctx context.Context, chatID string, data []byte, filename string) (Result, error) {
	res, err := in.ingest(ctx, strings.TrimSpace(chatID), data, filename)
	if err != nil {
		in.Metrics.Upload(uploadStatus(err))
		in.Log.Warn().Err(err).Str("chat_id", chatID).Str("filename", filename).Msg("upload rejected")
		return Result{}, err
	}
	in.Metrics.Upload(StatusUploaded)
	return res, nil
}

func (in *Ingester) ingest(ctx context.Context, chatID string, data []byte, filename string) (Result, error) {
	if chatID == "" {
		return Result{}, fmt.Errorf("%w: missing chat_id", ErrInvalidRequest)
	}
	if strings.TrimSpace(filename) == "" || len(data) == 0 {
		return Result{}, fmt.Errorf("%w: no file received", ErrInvalidRequest)
	}
	ext := extract.Ext(filename)
	if !in.Extractors.Supports(filename) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	stored := uuid.NewString() + "_" + SanitizeFilename(filename, ext)
	path := filepath.Join(in.UploadDir, stored)
	if err := os.MkdirAll(in.UploadDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	text, err := in.Extractors.Extract(filename, data)
	if err == nil && len([]rune(strings.TrimSpace(text))) < MinTextRunes {
		err = errors.New("too little text")
	}
	if err != nil {
		in.discard(path)
		return Result{}, fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}

	summary := in.summarize(ctx, text)

	if _, err := in.Store.InsertDocument(ctx, chatID, stored, summary); err != nil {
		in.discard(path)
		return Result{}, fmt.Errorf("%w: persist document: %v", ErrStorageFailure, err)
	}

	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := in.Store.LogEvent(logCtx, db.EventDocumentIngested, map[string]any{
		"chat_id":  chatID,
		"filename": stored,
		"bytes":    len(data),
		"chars":    len([]rune(text)),
	}); err != nil {
		in.Log.Error().Err(err).Msg("failed to log event")
	}
	in.Log.Info().Str("chat_id", chatID).Str("filename", stored).Int("bytes", len(data)).Msg("document ingested")

	return Result{Status: StatusUploaded, Filename: stored}, nil
}

func (in *Ingester) summarize(ctx context.Context, text string) string {
	timeout := in.SummaryTimeout
	if timeout <= 0 {
		timeout = DefaultSummaryTimeout
	}
	res := in.Gateway.CompleteSync(ctx, []ctxpkg.Message{
		{Role: ctxpkg.RoleSystem, Content: SummaryInstruction},
		{Role: ctxpkg.RoleUser, Content: truncateRunes(text, MaxSummaryInputRunes)},
	}, timeout)

	if summary := strings.TrimSpace(res.TextOr("")); summary != "" {
		return summary
	}
	in.Metrics.Fallback(metrics.FallbackSummary)
	in.Log.Warn().Err(res.Err).Msg("summary unavailable, storing fallback")
	return SummaryFallback
}

func (in *Ingester) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		in.Log.Warn().Err(err).Str("path", path).Msg("failed to remove rejected upload")
	}
}

func uploadStatus(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported"
	case errors.Is(err, ErrUnreadableDocument):
		return "unreadable"
	default:
		return "failed"
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
	underscores = regexp.MustCompile(`_+`)
)

// SanitizeFilename reduces name to a safe base name made of ASCII letters,
// digits, '.', '-' and '_'. The result always ends in "."+ext.
func SanitizeFilename(name, ext string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = unsafeChars.ReplaceAllString(strings.Join(strings.Fields(name), "_"), "")
	name = underscores.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._-")
	if name == "" || extract.Ext(name) != ext {
		return "document." + ext
	}
	return name
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
