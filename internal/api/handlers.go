package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/ingest"
	"github.com/stupiduntilnot/chatrelay/internal/session"
)

type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) newChat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chat_id": uuid.NewString()})
}

func (s *Server) listChats(c *gin.Context) {
	list, err := s.deps.Store.ListConversations(c.Request.Context())
	if err != nil {
		s.internalError(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) loadChat(c *gin.Context) {
	msgs, err := s.deps.Store.RecentMessages(c.Request.Context(), c.Param("id"), HistoryLimit)
	if err != nil {
		s.internalError(c, "load conversation", err)
		return
	}
	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{Role: m.Role, Content: m.Content})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteChat(c *gin.Context) {
	chatID := c.Param("id")
	s.deps.Sessions.Stop(chatID)

	removed, err := s.deps.Store.DeleteConversation(c.Request.Context(), chatID)
	if err != nil {
		s.internalError(c, "delete conversation", err)
		return
	}
	if _, err := s.deps.Store.LogEvent(c.Request.Context(), db.EventConversationDeleted, map[string]any{
		"chat_id":  chatID,
		"messages": removed,
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to log event")
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// chat streams the assistant reply as plain text, flushing every token.
func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" || req.ChatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing data"})
		return
	}

	ctx := c.Request.Context()
	reply, err := s.deps.Sessions.StartStream(ctx, req.ChatID, req.Message)
	if errors.Is(err, session.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing data"})
		return
	}
	if err != nil {
		s.internalError(c, "start stream", err)
		return
	}
	defer reply.Close()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for {
		tok, ok := reply.Next(ctx)
		if !ok {
			return
		}
		if _, err := io.WriteString(c.Writer, tok); err != nil {
			s.log.Debug().Err(err).Str("chat_id", req.ChatID).Msg("client went away")
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) stop(c *gin.Context) {
	s.deps.Sessions.Stop(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.deps.MaxUploadBytes)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file received"})
		return
	}
	chatID := strings.TrimSpace(c.PostForm("chat_id"))
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing chat_id"})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file received"})
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file received"})
		return
	}

	res, err := s.deps.Ingester.Ingest(c.Request.Context(), chatID, data, header.Filename)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ingest.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file received"})
	case errors.Is(err, ingest.ErrUnsupportedType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file type"})
	case errors.Is(err, ingest.ErrUnreadableDocument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not extract readable text"})
	case errors.Is(err, ingest.ErrStorageFailure):
		s.log.Error().Err(err).Str("chat_id", chatID).Msg("upload storage failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		s.internalError(c, "ingest document", err)
	}
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error().Err(err).Str("op", op).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}
