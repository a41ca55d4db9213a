package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/completion-gateway/config"
	"github.com/vnmchuo/completion-gateway/internal/auth"
	"github.com/vnmchuo/completion-gateway/internal/billing"
	"github.com/vnmchuo/completion-gateway/internal/models"
	"github.com/vnmchuo/completion-gateway/internal/proxy"
	"github.com/vnmchuo/completion-gateway/internal/seeder"
	"github.com/vnmchuo/completion-gateway/internal/telemetry"
	"github.com/vnmchuo/completion-gateway/internal/worker"
	"github.com/vnmchuo/completion-gateway/pkg/ratelimit"
)

const serviceName = "completion-gateway"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", serviceName)
	slog.SetDefault(logger)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	sink := telemetry.NewSink(cfg.TelemetryMode, cfg.FeatureFlags)
	defer func() { _ = sink.Shutdown(context.Background()) }()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	logger.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	logger.Info("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	var authProvider auth.Provider = auth.Offline{}
	if cfg.AuthMode == "apikey" {
		authProvider = auth.NewAPIKeyProvider(authStore, auth.NewRedisCache(rdb), logger)
	}
	authMiddleware := auth.NewMiddleware(authProvider, logger)

	// 6. Init billing
	billingStore := billing.NewPostgresStore(pool)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Init backends
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	registry := models.NewRegistry()
	backends, err := buildBackends(cfg, registry, tracer, logger)
	if err != nil {
		log.Fatalf("failed to configure backends: %v", err)
	}

	// 9. Init router
	router := proxy.NewRouter(backends)

	// 10. Init async jobs
	queue := worker.NewRedisQueue(rdb)
	processor := worker.NewProcessor(queue, router, billingStore, logger)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go func() {
		if err := processor.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("worker stopped", "error", err)
		}
	}()

	// 11. Init handler
	handler := proxy.NewHandler(router, billingStore, limiter, tracer,
		proxy.WithSink(sink),
		proxy.WithQueue(queue),
		proxy.WithRegistry(registry),
		proxy.WithLogger(logger),
	)

	// 12. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		_ = seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"completion-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/messages", handler.HandleComplete)
		r.Post("/v1/messages/stream", handler.HandleCompleteStream)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/models", handler.HandleModels)
		r.Get("/v1/flags/{flag}", handler.HandleFlag)
		r.Post("/v1/jobs", handler.HandleCreateJob)
		r.Get("/v1/jobs/{id}", handler.HandleGetJob)
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streamed replies stay open for the whole completion
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Completion Gateway starting", "port", cfg.Port, "backends", len(backends), "auth_mode", cfg.AuthMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	logger.Info("Server stopped")
}
