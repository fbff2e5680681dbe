// Package api exposes the relay over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/ingest"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
	"github.com/stupiduntilnot/chatrelay/internal/session"
)

const (
	// HistoryLimit is how many messages GET /chat/:id returns.
	HistoryLimit = 30

	DefaultMaxUploadBytes = 32 << 20
	ShutdownTimeout       = 5 * time.Second
)

// Conversations is the read and delete side of the conversation store.
type Conversations interface {
	RecentMessages(ctx context.Context, chatID string, limit int) ([]db.Message, error)
	ListConversations(ctx context.Context) ([]db.ConversationSummary, error)
	DeleteConversation(ctx context.Context, chatID string) (int64, error)
	LogEvent(ctx context.Context, eventType string, payload map[string]any) (int64, error)
}

type Sessions interface {
	StartStream(ctx context.Context, chatID, message string) (*session.Reply, error)
	Stop(chatID string)
	StopAll() int
}

type Ingester interface {
	Ingest(ctx context.Context, chatID string, data []byte, filename string) (ingest.Result, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Store          Conversations
	Sessions       Sessions
	Ingester       Ingester
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Log            zerolog.Logger
	MaxUploadBytes int64
}

type Server struct {
	deps   Deps
	log    zerolog.Logger
	engine *gin.Engine
}

func New(deps Deps) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps: deps,
		log:  deps.Log.With().Str("component", "api").Logger(),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log, s.deps.Metrics))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	r.POST("/new_chat", s.newChat)
	r.GET("/chats", s.listChats)
	r.GET("/chat/:id", s.loadChat)
	r.DELETE("/chat/:id", s.deleteChat)
	r.POST("/chat", s.chat)
	r.POST("/stop/:id", s.stop)
	r.POST("/upload", s.upload)
	return r
}

// Serve runs the server on ln until ctx is cancelled, then shuts down
// gracefully. Open streams are stopped first, so they commit their partial
// reply at the next token and their requests end within ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	s.log.Info().Msg("http server shutting down")
	s.deps.Sessions.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request and records its duration by route.
func requestLogger(log zerolog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		m.ObserveHTTP(c.Request.Method, route, fmt.Sprint(status), elapsed)

		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", elapsed).
			Msg("request")
	}
}
