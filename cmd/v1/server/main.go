package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/parleyhq/parley/internal/v1/auth"
	"github.com/parleyhq/parley/internal/v1/bus"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/debate"
	"github.com/parleyhq/parley/internal/v1/health"
	"github.com/parleyhq/parley/internal/v1/llm"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/middleware"
	"github.com/parleyhq/parley/internal/v1/ratelimit"
	"github.com/parleyhq/parley/internal/v1/router"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/tracing"
	"github.com/parleyhq/parley/internal/v1/transport"
	"github.com/parleyhq/parley/internal/v1/web"
)

func main() {
	// Load .env file for local development. Try multiple paths to handle
	// different ways of running the app.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Tracing (optional) ---
	ctx := context.Background()
	if cfg.OTELCollector != "" {
		tp, err := tracing.InitTracer(ctx, "parley", cfg.OTELCollector)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("✅ Tracing initialized", "collector", cfg.OTELCollector)
		}
	}

	// --- Redis backplane (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis backplane initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	rooms := store.New(busService)

	// --- Agents and providers ---
	catalog, err := config.LoadAgentCatalog(cfg.AgentsConfig)
	if err != nil {
		slog.Error("Failed to load agent catalog", "error", err)
		os.Exit(1)
	}
	registry := llm.NewRegistryFromConfig(ctx, cfg)

	// --- Edge limits and auth ---
	validator := auth.NewValidator(cfg.JWTSecret)
	limiter, err := ratelimit.NewLimiter(cfg, busClient(busService))
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub, orchestrator, router ---
	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	hub := transport.NewHub(rooms, validator, limiter, allowedOrigins)
	orchestrator := debate.NewOrchestrator(hub, registry, catalog)
	frameRouter := router.New(rooms, hub, orchestrator)
	hub.SetRouter(frameRouter)

	// --- HTTP server ---
	engine := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	engine.Use(cors.New(corsConfig))
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	if cfg.OTELCollector != "" {
		engine.Use(otelgin.Middleware("parley"))
	}

	handler := web.NewHandler(orchestrator, catalog, registry.Available(), validator, hub, cfg.GoEnv)
	engine.GET("/", handler.Root)
	engine.GET("/health", handler.Health)
	engine.GET("/llm/status", handler.LLMStatus)
	engine.GET("/agents", handler.ListAgents)
	engine.GET("/rooms/:room/stats", handler.RoomStats)

	api := engine.Group("/", limiter.APIMiddleware())
	{
		api.POST("/debate/start", handler.StartDebate)
		api.POST("/debate/:id/stop", handler.StopDebate)
		api.POST("/auth/login", handler.Login)
	}

	engine.GET("/ws", hub.ServeWs)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orchestrator.StopAll(shutdownCtx)
	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

// busClient unwraps the backplane's Redis client, nil in single-instance
// mode.
func busClient(b *bus.Service) *redis.Client {
	if b == nil {
		return nil
	}
	return b.Client()
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
