package router

import (
	"github.com/gin-gonic/gin"

	"github.com/Andrejs1979/cloud-code/internal/http/handler"
	"github.com/Andrejs1979/cloud-code/internal/http/middleware"
	"github.com/Andrejs1979/cloud-code/internal/queue"
	"github.com/Andrejs1979/cloud-code/internal/service"
)

type Deps struct {
	Sessions    service.SessionService
	Credentials service.CredentialService
	Producer    queue.Producer
}

type RouterConfig struct {
	AppName     string
	PublicURL   string
	AdminAPIKey string
}

func SetupRoutes(router *gin.Engine, deps Deps, cfg RouterConfig) {
	router.GET("/health", handler.Health)

	sessionHandler := handler.NewSessionHandler(deps.Sessions)
	InteractiveRouter(router.Group("/interactive"), sessionHandler)
	router.GET("/api/sessions", sessionHandler.List)

	setupHandler := handler.NewSetupHandler(deps.Credentials, cfg.AppName, cfg.PublicURL)
	SetupRouter(router.Group("/gh-setup"), setupHandler, cfg.AdminAPIKey)

	router.GET("/gh-status", handler.NewStatusHandler(deps.Credentials).GitHubStatus)

	webhookHandler := handler.NewWebhookHandler(deps.Credentials, deps.Producer)
	router.POST("/webhooks/github", webhookHandler.HandleGitHub)
}

func InteractiveRouter(rg *gin.RouterGroup, h *handler.SessionHandler) {
	rg.POST("/start", h.Start)
	rg.GET("/status", h.Status)
	rg.DELETE("/:id", h.Cancel)
}

// SetupRouter registers credential administration. The manifest is public;
// everything that writes credentials requires the admin API key.
func SetupRouter(rg *gin.RouterGroup, h *handler.SetupHandler, adminAPIKey string) {
	rg.GET("/manifest", h.Manifest)

	admin := rg.Group("")
	admin.Use(middleware.RequireAdminAPIKey(adminAPIKey))
	{
		admin.POST("/re-encrypt", h.ReEncrypt)
		admin.POST("/clear", h.Clear)
		admin.POST("/sync", h.SyncRepositories)
	}
}
