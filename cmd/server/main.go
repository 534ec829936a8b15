package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Andrejs1979/cloud-code/common/clock"
	"github.com/Andrejs1979/cloud-code/common/id"
	"github.com/Andrejs1979/cloud-code/common/llm"
	"github.com/Andrejs1979/cloud-code/common/logger"
	"github.com/Andrejs1979/cloud-code/common/otel"
	"github.com/Andrejs1979/cloud-code/core/config"
	"github.com/Andrejs1979/cloud-code/core/db"
	"github.com/Andrejs1979/cloud-code/internal/agent"
	"github.com/Andrejs1979/cloud-code/internal/http/middleware"
	httprouter "github.com/Andrejs1979/cloud-code/internal/http/router"
	"github.com/Andrejs1979/cloud-code/internal/queue"
	"github.com/Andrejs1979/cloud-code/internal/ratelimit"
	"github.com/Andrejs1979/cloud-code/internal/service"
	"github.com/Andrejs1979/cloud-code/internal/store"
	"github.com/Andrejs1979/cloud-code/internal/vault"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "cloud code starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to apply schema", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Redis.WebhookStream)

	webhookProducer := queue.NewRedisProducer(redisClient, cfg.Redis.WebhookStream, slog.Default())
	defer webhookProducer.Close()

	secrets, err := vault.New(cfg.Vault.DeploymentID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize vault", "error", err)
		os.Exit(1)
	}

	realClock := clock.Real()

	credentials := service.NewCredentialService(store.NewCredentialStore(database.Pool()), secrets, service.CredentialServiceConfig{
		Name:          cfg.GitHub.CredentialName,
		GitHubBaseURL: cfg.GitHub.APIBaseURL,
		UserAgent:     cfg.GitHub.UserAgent,
		LLMConfigured: cfg.Agent.Enabled(),
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Clock:         realClock,
	})

	// A nil runner leaves sessions answering with a configuration error.
	var runner service.Runner
	if cfg.Agent.Enabled() {
		streamClient, err := llm.NewStreamClient(llm.Config{
			Provider: cfg.Agent.Provider,
			APIKey:   cfg.Agent.APIKey,
			BaseURL:  cfg.Agent.BaseURL,
			Model:    cfg.Agent.Model,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create llm client", "error", err)
			os.Exit(1)
		}
		runner = agent.NewExecutor(streamClient, cfg.Agent.MaxTokens, realClock)
		slog.InfoContext(ctx, "agent enabled", "provider", cfg.Agent.Provider, "model", streamClient.Model())
	} else {
		slog.WarnContext(ctx, "agent disabled (no LLM api key configured)")
	}

	sessions := service.NewSessionService(store.NewSessionStore(redisClient, cfg.Session.RecordTTL), credentials, runner, service.SessionServiceConfig{
		DefaultMaxTurns: cfg.Session.DefaultMaxTurns,
		MaxTurns:        cfg.Session.MaxTurns,
		ExecTimeout:     cfg.Session.ExecTimeout,
		Clock:           realClock,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled() {
		limiter = ratelimit.New(ratelimit.NewRedisStore(redisClient), ratelimit.Policies(cfg.RateLimit.Window, map[ratelimit.Category]int{
			ratelimit.CategoryWebhook:     cfg.RateLimit.WebhookRequests,
			ratelimit.CategoryInteractive: cfg.RateLimit.InteractiveRequests,
			ratelimit.CategoryAPI:         cfg.RateLimit.APIRequests,
			ratelimit.CategoryMonitoring:  cfg.RateLimit.MonitoringRequests,
			ratelimit.CategoryDefault:     cfg.RateLimit.DefaultRequests,
		}), realClock)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, limiter, httprouter.Deps{
		Sessions:    sessions,
		Credentials: credentials,
		Producer:    webhookProducer,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Session streams stay open for the whole run.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, limiter *ratelimit.Limiter, deps httprouter.Deps) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.RateLimit(limiter))

	httprouter.SetupRoutes(router, deps, httprouter.RouterConfig{
		AppName:     cfg.GitHub.AppName,
		PublicURL:   cfg.PublicURL,
		AdminAPIKey: cfg.AdminAPIKey,
	})

	return router
}

const banner = `
 ██████╗██╗      ██████╗ ██╗   ██╗██████╗      ██████╗ ██████╗ ██████╗ ███████╗
██╔════╝██║     ██╔═══██╗██║   ██║██╔══██╗    ██╔════╝██╔═══██╗██╔══██╗██╔════╝
██║     ██║     ██║   ██║██║   ██║██║  ██║    ██║     ██║   ██║██║  ██║█████╗  
██║     ██║     ██║   ██║██║   ██║██║  ██║    ██║     ██║   ██║██║  ██║██╔══╝  
╚██████╗███████╗╚██████╔╝╚██████╔╝██████╔╝    ╚██████╗╚██████╔╝██████╔╝███████╗
 ╚═════╝╚══════╝ ╚═════╝  ╚═════╝ ╚═════╝      ╚═════╝ ╚═════╝ ╚═════╝ ╚══════╝
`
