package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/Andrejs1979/cloud-code/common/logger"
	"github.com/Andrejs1979/cloud-code/internal/githubapp"
	"github.com/Andrejs1979/cloud-code/internal/http/dto"
	"github.com/Andrejs1979/cloud-code/internal/queue"
	"github.com/Andrejs1979/cloud-code/internal/service"
)

// maxWebhookBody matches GitHub's 25MB delivery cap.
const maxWebhookBody = 25 << 20

type WebhookHandler struct {
	credentials service.CredentialService
	producer    queue.Producer
}

func NewWebhookHandler(credentials service.CredentialService, producer queue.Producer) *WebhookHandler {
	return &WebhookHandler{credentials: credentials, producer: producer}
}

func (h *WebhookHandler) HandleGitHub(c *gin.Context) {
	ctx := c.Request.Context()

	deliveryID := c.GetHeader(githubapp.DeliveryHeader)
	event := c.GetHeader(githubapp.EventHeader)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DeliveryID: logger.Ptr(deliveryID),
		Component:  "cloudcode.http.webhook",
	})

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := h.credentials.VerifyWebhook(ctx, body, c.GetHeader(githubapp.SignatureHeader)); err != nil {
		switch {
		case errors.Is(err, service.ErrCredentialsMissing):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "GitHub App is not configured"})
		case errors.Is(err, service.ErrInvalidSignature):
			slog.WarnContext(ctx, "rejected webhook with invalid signature", "event", event)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		default:
			slog.ErrorContext(ctx, "failed to verify webhook", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify webhook"})
		}
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	var installationID *string
	if payload.Installation != nil && payload.Installation.ID != 0 {
		installationID = logger.Ptr(strconv.FormatInt(payload.Installation.ID, 10))
		ctx = logger.WithLogFields(ctx, logger.LogFields{InstallationID: installationID})
	}

	// Only installation events carry an installation the app should adopt.
	var adopt *string
	if event == "installation" || event == "installation_repositories" {
		adopt = installationID
	}
	if err := h.credentials.RecordWebhook(ctx, adopt); err != nil {
		slog.WarnContext(ctx, "failed to record webhook receipt", "error", err)
	}

	msg := queue.WebhookMessage{
		DeliveryID:     deliveryID,
		Event:          event,
		InstallationID: installationID,
		Payload:        body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.TraceID = logger.Ptr(sc.TraceID().String())
	}

	if _, err := h.producer.Enqueue(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue webhook", "event", event, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue webhook"})
		return
	}

	slog.InfoContext(ctx, "github webhook accepted", "event", event, "action", payload.Action)
	c.JSON(http.StatusAccepted, dto.WebhookAcceptedResponse{Accepted: true, DeliveryID: deliveryID})
}

type webhookPayload struct {
	Action       string `json:"action"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}
