package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/Andrejs1979/cloud-code/internal/http/dto"
	"github.com/Andrejs1979/cloud-code/internal/model"
	"github.com/Andrejs1979/cloud-code/internal/service"
	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type SessionHandler struct {
	sessions service.SessionService
}

func NewSessionHandler(sessions service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Start creates a session and streams its events until it finishes.
func (h *SessionHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	in := service.StartInput{
		Prompt: req.Prompt,
		Options: model.SessionOptions{
			MaxTurns:       req.Options.MaxTurns,
			PermissionMode: req.Options.PermissionMode,
			CreatePR:       req.Options.CreatePR,
		},
	}
	if req.Repository != nil {
		in.Repository = &model.SessionRepository{
			URL:    req.Repository.URL,
			Name:   req.Repository.Name,
			Branch: req.Repository.Branch,
		}
	}

	rec, err := h.sessions.Start(ctx, in)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "failed to start session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header(sessionstream.SessionIDHeader, rec.ID)
	c.Status(http.StatusOK)

	// Nothing is written after a terminal event.
	var (
		mu       sync.Mutex
		finished bool
	)
	emit := func(ev sessionstream.Event) {
		data, err := sessionstream.Encode(ev)
		if err != nil {
			slog.ErrorContext(ctx, "failed to encode session event", "kind", ev.Kind(), "error", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if finished || ctx.Err() != nil {
			return
		}
		c.SSEvent(string(ev.Kind()), string(data))
		c.Writer.Flush()
		finished = sessionstream.IsTerminal(ev)
	}

	h.sessions.Run(ctx, rec, emit)

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() == nil {
		c.SSEvent("", sessionstream.DoneSentinel)
		c.Writer.Flush()
	}
}

func (h *SessionHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	rec, err := h.sessions.Cancel(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, service.ErrSessionTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "session has already finished"})
		default:
			slog.ErrorContext(ctx, "failed to cancel session", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel session"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CancelSessionResponse{Success: true, SessionID: rec.ID, Status: string(rec.Status)})
}

func (h *SessionHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	id := c.Query("sessionId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	rec, err := h.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to get session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		return
	}

	c.JSON(http.StatusOK, dto.ToSessionResponse(*rec))
}

func (h *SessionHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.sessions.List(ctx, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	resp := dto.ListSessionsResponse{Sessions: make([]dto.SessionResponse, len(records))}
	for i, rec := range records {
		resp.Sessions[i] = dto.ToSessionResponse(rec)
	}
	c.JSON(http.StatusOK, resp)
}
