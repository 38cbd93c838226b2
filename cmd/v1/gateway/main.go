package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/curasync/collab-gateway/internal/v1/auth"
	"github.com/curasync/collab-gateway/internal/v1/bus"
	"github.com/curasync/collab-gateway/internal/v1/config"
	"github.com/curasync/collab-gateway/internal/v1/health"
	"github.com/curasync/collab-gateway/internal/v1/lock"
	"github.com/curasync/collab-gateway/internal/v1/lockstore"
	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/middleware"
	"github.com/curasync/collab-gateway/internal/v1/pool"
	"github.com/curasync/collab-gateway/internal/v1/ratelimit"
	"github.com/curasync/collab-gateway/internal/v1/tracing"
	"github.com/curasync/collab-gateway/internal/v1/transport"
)

const serviceName = "collab-gateway"

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

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Development()); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTELCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it")
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
			slog.Info("Tracing initialized", "collector", cfg.OTELCollectorAddr)
		}
	}

	// --- Token validator ---
	// A shared secret wins over JWKS when both are configured.
	var validator auth.Validator
	if cfg.JWTSecret != "" {
		validator = auth.NewSecretValidator(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
		slog.Info("Token validator initialized (shared secret)")
	} else {
		validator, err = auth.NewJWKSValidator(ctx, cfg.AuthDomain, cfg.Audience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			os.Exit(1)
		}
		slog.Info("Token validator initialized (JWKS)", "domain", cfg.AuthDomain)
	}

	// --- Redis bus (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Lock engine ---
	// Locks require the shared store; without Redis lock operations report
	// SERVICE_UNAVAILABLE.
	var lockEngine *lock.Engine
	if busService != nil {
		store := lockstore.NewRedisStore(busService.Client())
		lockEngine = lock.NewEngine(store, cfg.LockTTL)
	} else {
		slog.Warn("Lock engine disabled: no Redis connection")
	}

	// --- Rate limiters ---
	connectLimiter, err := ratelimit.NewConnectLimiter(cfg.ConnectRateIP, cfg.ConnectRateUser, busService.Client())
	if err != nil {
		slog.Error("Failed to create connect limiter", "error", err)
		os.Exit(1)
	}
	var eventLimiter *ratelimit.SlidingWindow
	if cfg.RateLimitingActive {
		eventLimiter = ratelimit.NewSlidingWindow(ratelimit.SlidingWindowConfig{
			Limit:  cfg.EventRateLimit,
			Window: cfg.EventRateWindow,
		})
	}

	// --- Hub ---
	connPool := pool.New(cfg.MaxConnectionsPerUser)
	hub := transport.NewHub(transport.Options{
		Enabled:               cfg.Enabled,
		Validator:             validator,
		Pool:                  connPool,
		Locks:                 lockEngine,
		Bus:                   busService,
		ConnectLimiter:        connectLimiter,
		EventLimiter:          eventLimiter,
		AllowedOrigins:        cfg.CORSOrigin,
		PingInterval:          cfg.PingInterval,
		PingTimeout:           cfg.PingTimeout,
		SweepInterval:         cfg.SweepInterval,
		LockHeartbeatInterval: cfg.LockHeartbeatInterval,
		LockSweepInterval:     cfg.LockSweepInterval,
		RoomLimitDefault:      cfg.RoomLimitDefault,
		RoomLimits:            cfg.RoomLimits,
	})
	hub.Start()

	// --- HTTP surface ---
	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigin) == 1 && cfg.CORSOrigin[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigin
	}
	router.Use(cors.New(corsConfig))

	router.GET(cfg.Namespace, hub.ServeWS)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, connPool, 2*cfg.PingTimeout, cfg.DocSyncAddr, cfg.DocSyncHealthCheck)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Operational endpoint: revoke every session of a user, cluster-wide.
	router.DELETE("/internal/v1/sessions/:userId", func(c *gin.Context) {
		n := hub.RevokeUser(c.Request.Context(), c.Param("userId"))
		c.JSON(http.StatusOK, gin.H{"disconnected": n})
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	// --- Graceful shutdown ---
	go func() {
		slog.Info("Gateway starting", "port", cfg.Port, "namespace", cfg.Namespace)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// OS signals get a tighter deadline than programmatic shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.SignalShutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
