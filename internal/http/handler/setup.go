package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Andrejs1979/cloud-code/internal/githubapp"
	"github.com/Andrejs1979/cloud-code/internal/http/dto"
	"github.com/Andrejs1979/cloud-code/internal/service"
)

type SetupHandler struct {
	credentials service.CredentialService
	appName     string
	publicURL   string
}

// NewSetupHandler builds the credential administration endpoints.
// publicURL, when set, overrides the request origin in generated manifests.
func NewSetupHandler(credentials service.CredentialService, appName, publicURL string) *SetupHandler {
	return &SetupHandler{
		credentials: credentials,
		appName:     appName,
		publicURL:   strings.TrimSuffix(publicURL, "/"),
	}
}

func (h *SetupHandler) Manifest(c *gin.Context) {
	c.JSON(http.StatusOK, githubapp.Manifest(h.appName, h.origin(c)))
}

func (h *SetupHandler) ReEncrypt(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ReEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req.AppID = strings.TrimSpace(req.AppID)
	if req.AppID == "" || req.PrivateKey == "" || req.WebhookSecret == "" {
		c.JSON(http.StatusBadRequest, dto.MissingFieldsResponse{
			Error: "Missing required fields",
			Received: dto.ReceivedFields{
				HasAppID:         req.AppID != "",
				HasPrivateKey:    req.PrivateKey != "",
				HasWebhookSecret: req.WebhookSecret != "",
			},
		})
		return
	}

	_, err := h.credentials.Register(ctx, service.RegisterInput{
		AppID:         req.AppID,
		PrivateKey:    req.PrivateKey,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "failed to store credentials", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credentials"})
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "Credentials encrypted and stored"})
}

func (h *SetupHandler) Clear(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.credentials.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear credentials", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear credentials"})
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "Credentials cleared"})
}

func (h *SetupHandler) SyncRepositories(c *gin.Context) {
	ctx := c.Request.Context()

	repos, err := h.credentials.SyncRepositories(ctx)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCredentialsMissing), errors.Is(err, service.ErrNotInstalled):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInstallationToken):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			slog.ErrorContext(ctx, "failed to sync repositories", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync repositories"})
		}
		return
	}

	resp := dto.SyncRepositoriesResponse{
		RepositoryCount: len(repos),
		Repositories:    make([]string, len(repos)),
	}
	for i, r := range repos {
		resp.Repositories[i] = r.FullName
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SetupHandler) origin(c *gin.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}
