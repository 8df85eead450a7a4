package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appmetering "github.com/acrylic-style/gptx-api/internal/application/metering"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/billing"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/config"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/logger"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/scheduler"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/sink"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/upstream"
	"github.com/acrylic-style/gptx-api/internal/interfaces/http/handler"
	"github.com/acrylic-style/gptx-api/internal/interfaces/http/router"
)

const (
	minuteDirtyKey  = "metering:dirty:minute"
	dayDirtyKey     = "metering:dirty:day"
	pendingRunsKey  = "metering:pending_runs"
	usageSinkMaxLen = 100000
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting metering service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Connect to the quota store
	redisClient, err := store.NewRedisClient(store.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Error closing redis client", zap.Error(err))
		}
	}()
	log.Info("Quota store connected")

	kv := store.NewRedisKVStore(redisClient, "")
	minuteDirty := store.NewRedisDirtySet(redisClient, minuteDirtyKey)
	dayDirty := store.NewRedisDirtySet(redisClient, dayDirtyKey)
	pendingRuns := store.NewRedisPendingRunQueue(redisClient, pendingRunsKey)

	// External collaborators
	stripeAdapter, err := billing.NewStripeAdapter(&billing.StripeConfig{
		SecretKey:        cfg.Stripe.SecretKey,
		IsTestMode:       cfg.Stripe.IsTestMode,
		ModelMetadataKey: cfg.Stripe.ModelMetadataKey,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize Stripe adapter", zap.Error(err))
	}

	runClient, err := upstream.NewRunClient(&upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		TimeoutSeconds: cfg.Upstream.TimeoutSeconds,
	})
	if err != nil {
		log.Fatal("Failed to initialize upstream run client", zap.Error(err))
	}

	usageSink := sink.NewRedisUsageSink(redisClient, usageSinkMaxLen)

	// Application services
	ledger := appmetering.NewLedger(kv, minuteDirty, dayDirty, log)
	admission := appmetering.NewAdmissionService(ledger, log)
	tracker := appmetering.NewPendingRunTracker(pendingRuns, ledger, runClient, usageSink, log, appmetering.RunTrackerConfig{
		MaxRunAge:       cfg.Metering.MaxRunAge,
		RevertOnFailure: cfg.Metering.RevertOnFailure,
		AttachmentCost:  cfg.Metering.AttachmentCost,
	})
	reconciler := appmetering.NewBillingReconciler(ledger, minuteDirty, stripeAdapter, log, appmetering.BillingReconcilerConfig{})
	resets := appmetering.NewWindowResetService(ledger, minuteDirty, dayDirty, log)

	// Periodic jobs
	meteringScheduler, err := scheduler.NewMeteringScheduler(resets, tracker, reconciler, log, scheduler.MeteringSchedulerConfig{
		Enabled:             true,
		MinuteResetInterval: cfg.Metering.MinuteResetInterval,
		DayResetInterval:    cfg.Metering.DayResetInterval,
		RunSweepInterval:    cfg.Metering.RunSweepInterval,
		BillingInterval:     cfg.Metering.BillingInterval,
		JobTimeout:          cfg.Metering.JobTimeout,
	})
	if err != nil {
		log.Fatal("Failed to initialize metering scheduler", zap.Error(err))
	}
	if err := meteringScheduler.Start(context.Background()); err != nil {
		log.Fatal("Failed to start metering scheduler", zap.Error(err))
	}

	// HTTP interface
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	r := router.NewRouter(engine)
	r.Register(handler.NewMeteringHandler(admission, ledger, tracker, log))
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := meteringScheduler.Stop(ctx); err != nil {
		log.Error("Scheduler forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
