package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/api/rest"
	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/database"
	"github.com/alexnthnz/push-delivery/internal/device"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/preference"
	"github.com/alexnthnz/push-delivery/internal/queue"
	"github.com/alexnthnz/push-delivery/internal/sender"
	"github.com/alexnthnz/push-delivery/internal/transport"
	"github.com/alexnthnz/push-delivery/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Push Delivery API Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize metrics
	metrics := monitoring.NewMetrics()
	logger.Info("Metrics initialized")

	// Connect to Redis when configured; without it the per-device throttle
	// is skipped.
	var limiter sender.DeviceLimiter
	if cfg.Redis.Addr != "" {
		redis, err := database.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		limiter = redis
		logger.Info("Redis connected")
	}

	// Initialize FCM transport
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fcm, err := transport.NewFCM(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("Failed to initialize FCM transport", zap.Error(err))
	}
	logger.Info("FCM transport initialized")

	// Build the delivery pipeline
	registry := device.NewRegistry()
	prefs := preference.NewManager(cfg.Categories, cfg.RateLimits)
	q := queue.New(cfg.Delivery.MaxRetries, cfg.Delivery.RetryDelay(), cfg.Delivery.MaxQueueAge(), logger)
	snd := sender.NewSender(registry, prefs, fcm, cfg, metrics, limiter, logger)

	// Start the drain workers
	drainer := worker.NewDrainer(q, snd, cfg.Delivery, metrics, logger, cfg.Delivery.DrainWorkers)
	go drainer.Run(ctx)
	logger.Info("Drain workers started")

	// Initialize REST API handler
	handler := rest.NewHandler(registry, prefs, q, snd, metrics, logger)
	router := handler.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metrics.Handler(),
		}

		go func() {
			logger.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
