package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftsync/driftsync/internal/v1/auth"
	"github.com/driftsync/driftsync/internal/v1/config"
	"github.com/driftsync/driftsync/internal/v1/health"
	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/permissions"
	"github.com/driftsync/driftsync/internal/v1/presence"
	"github.com/driftsync/driftsync/internal/v1/ratelimit"
	"github.com/driftsync/driftsync/internal/v1/room"
	"github.com/driftsync/driftsync/internal/v1/session"
	"github.com/driftsync/driftsync/internal/v1/storage"
)

func main() {
	// Load .env for local development; production relies on real env vars.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
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
	defer logging.Sync()

	ctx := context.Background()

	// --- Auth provider ---
	var authProvider auth.Provider
	switch {
	case cfg.JWTSecret != "":
		authProvider, err = auth.NewHMACProvider(cfg.JWTSecret)
		if err != nil {
			slog.Error("Failed to create HMAC auth provider", "error", err)
			os.Exit(1)
		}
		slog.Info("JWT auth enabled (shared secret)")
	case cfg.JWTIssuerDomain != "":
		authProvider, err = auth.NewJWKSProvider(ctx, cfg.JWTIssuerDomain, cfg.JWTAudience)
		if err != nil {
			slog.Error("Failed to create JWKS auth provider", "error", err)
			os.Exit(1)
		}
		slog.Info("JWT auth enabled (JWKS)", "issuer", cfg.JWTIssuerDomain)
	case cfg.DevelopmentMode:
		authProvider = auth.NewNoAuth()
		slog.Warn("Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
	default:
		authProvider = nil
		slog.Info("No auth provider configured, anonymous access only")
	}

	// --- Storage backend ---
	var store storage.Backend
	switch cfg.StorageBackend {
	case config.StorageMemory:
		store = storage.NewMemoryStorage()
	case config.StoragePostgres:
		store = storage.WithBreaker("postgres", storage.NewPostgresStorage(cfg.PostgresDSN))
	case config.StorageRedis:
		store = storage.WithBreaker("redis", storage.NewRedisStorage(cfg.RedisAddr, cfg.RedisPassword, 0))
	}
	if store != nil {
		if err := store.Connect(ctx); err != nil {
			slog.Error("Failed to connect storage backend", "backend", cfg.StorageBackend, "error", err)
			os.Exit(1)
		}
		slog.Info("Storage backend connected", "backend", cfg.StorageBackend)
	} else {
		slog.Info("Running without persistence")
	}

	// --- Rate limiting ---
	frames, err := ratelimit.NewFrameLimiter(cfg.RateLimit, cfg.RateWindow, nil)
	if err != nil {
		slog.Error("Failed to create frame limiter", "error", err)
		os.Exit(1)
	}
	authAttempts := ratelimit.NewAuthLimiter(cfg.AuthMaxAttempts, cfg.AuthLockout)

	// --- Core services ---
	pres := presence.NewManager(cfg.PresenceStaleTimeout, cfg.PresenceCleanupInterval)
	pres.Start()
	defer pres.Stop()

	rooms := room.NewManager(pres)

	// Permission enforcement is opt-in: embedding applications construct a
	// permissions.Manager, assign roles, and pass it here. The standalone
	// server runs open rooms.
	var perms *permissions.Manager

	hub := session.NewHub(rooms, pres, store, authProvider, perms, frames, authAttempts, session.Options{
		RequireAuth:           cfg.RequireAuth,
		AllowAnonymous:        cfg.AllowAnonymous,
		AutoCreateRooms:       cfg.AutoCreateRooms,
		SaveOnOperation:       cfg.SaveOnOperation,
		MaxMessageSize:        cfg.MaxMessageSize,
		MessageTimeout:        cfg.MessageTimeout,
		FunctionTimeout:       cfg.FunctionTimeout,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		AllowedOrigins:        cfg.AllowedOrigins,
	})

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	health.NewHandler(store).Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Port)
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

	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if store != nil {
		if err := store.Disconnect(shutdownCtx); err != nil {
			slog.Error("Failed to disconnect storage backend", "error", err)
		}
	}

	slog.Info("Server exiting")
}
