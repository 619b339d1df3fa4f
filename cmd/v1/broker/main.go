package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/auth"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/broker"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/bus"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/config"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/health"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/history"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/middleware"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/ratelimit"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/tracing"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

const serviceName = "portal-broker"

func main() {
	if path := config.LoadDotEnv(config.DefaultEnvPaths...); path != "" {
		slog.Info("Loaded environment from", "path", path)
	} else {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.InitializeWithLevel(cfg.GoEnv != "production", cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logging.SetServiceName(serviceName)
	ctx := context.Background()

	validator, err := newValidator(ctx, cfg)
	if err != nil {
		logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
	}

	// --- Redis (optional) ---
	var busService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		busService, err = bus.NewServiceWithOrigin(cfg.RedisAddr, cfg.RedisPassword, uuid.NewString())
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode without history", zap.Error(err))
			busService = nil
		} else {
			redisClient = busService.Client()
			logging.Info(ctx, "Redis initialized for cross-instance delivery and history", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled, history off)")
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient, validator)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hubOpts := []broker.Option{
		broker.WithLimiter(limiter),
		broker.WithAllowedOrigins(allowedOrigins),
		broker.WithDevLogin(cfg.SkipAuth),
	}
	var historyHandler *history.Handler
	if busService != nil {
		store := history.NewStore(busService, cfg.HistoryLimit)
		hubOpts = append(hubOpts, broker.WithBus(busService), broker.WithHistory(store))
		historyHandler = history.NewHandler(store, validator)
	}
	hub := broker.NewHub(validator, hubOpts...)

	// --- Tracing (optional) ---
	var shutdownTracer func(context.Context) error
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OtelCollectorAddr, tracing.Options{
			Insecure:   cfg.OtelInsecure,
			SkipVerify: cfg.OtelSkipVerify,
		})
		if err != nil {
			logging.Error(ctx, "Tracing disabled", zap.Error(err))
		} else {
			shutdownTracer = tp.Shutdown
		}
	}

	// --- Router ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())
	if shutdownTracer != nil {
		router.Use(otelgin.Middleware(serviceName))
	}
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	api := router.Group("/", limiter.APIMiddleware())
	if historyHandler != nil {
		historyHandler.Register(api)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var redisCheck health.Checker
	if busService != nil {
		redisCheck = busService
	}
	probes := router.Group("/", limiter.StandardMiddleware())
	health.NewHandler(redisCheck, health.WithCheck("broker", health.CheckerFunc(hub.Ready))).Register(probes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info(ctx, "Broker listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down broker")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}
	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logging.Error(ctx, "Tracer shutdown failed", zap.Error(err))
		}
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}
	_ = logging.GetLogger().Sync()
}

// newValidator prefers Auth0, then the shared HMAC secret, then the development mock.
func newValidator(ctx context.Context, cfg *config.Config) (types.TokenValidator, error) {
	switch {
	case cfg.Auth0Domain != "" && cfg.Auth0Audience != "":
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			return nil, err
		}
		logging.Info(ctx, "Auth0 validator initialized", zap.String("domain", cfg.Auth0Domain))
		return v, nil
	case cfg.JWTSecret != "":
		logging.Info(ctx, "HMAC validator initialized")
		return auth.NewHMACValidator(cfg.JWTSecret)
	case cfg.SkipAuth:
		logging.Warn(ctx, "Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		return auth.MockValidator{}, nil
	default:
		return nil, errors.New("no token validator configured")
	}
}
