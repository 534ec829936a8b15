package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Andrejs1979/cloud-code/internal/service"
	"github.com/Andrejs1979/cloud-code/internal/store"
)

type StatusHandler struct {
	credentials service.CredentialService
}

func NewStatusHandler(credentials service.CredentialService) *StatusHandler {
	return &StatusHandler{credentials: credentials}
}

// GitHubStatus reports overall readiness, or the safe view of one app's
// credentials when app_id is given.
func (h *StatusHandler) GitHubStatus(c *gin.Context) {
	ctx := c.Request.Context()

	appID := c.Query("app_id")
	if appID == "" {
		c.JSON(http.StatusOK, h.credentials.Status(ctx))
		return
	}

	view, err := h.credentials.SafeView(ctx, appID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No configuration found for this app ID"})
			return
		}
		slog.ErrorContext(ctx, "failed to load credentials", "app_id", appID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load configuration"})
		return
	}

	c.JSON(http.StatusOK, view)
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
