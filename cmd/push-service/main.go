package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/database"
	"github.com/alexnthnz/push-delivery/internal/device"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
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

	logger.Info("Starting Push Delivery Drain Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal("Kafka brokers are required for the drain service")
	}

	// Initialize metrics
	metrics := monitoring.NewMetrics()

	// Connect to Redis when configured
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

	// Initialize Kafka consumer
	consumer := queue.NewConsumer(cfg.Kafka)
	defer consumer.Close()
	logger.Info("Kafka consumer initialized")

	// Start consuming delivery requests
	go func() {
		logger.Info("Starting to consume delivery requests")
		err := consumer.ConsumeRequests(ctx, func(req queue.DeliveryRequest) error {
			return enqueueRequest(req, q, logger)
		})
		if err != nil && err != context.Canceled {
			logger.Error("Consumer error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down drain service...")
	cancel()

	// Give some time for graceful shutdown
	time.Sleep(5 * time.Second)
	logger.Info("Drain service exited")
}

// enqueueRequest converts an upstream delivery request into a notification
// and hands it to the queue.
func enqueueRequest(req queue.DeliveryRequest, q *queue.Queue, logger *zap.Logger) error {
	if req.UserID == "" || req.Category == "" {
		logger.Warn("dropping malformed delivery request",
			zap.String("user_id", req.UserID),
			zap.String("category", req.Category),
		)
		return nil
	}

	n := notification.New(req.UserID, req.Category, req.Title, req.Body, notification.ParsePriority(req.Priority))
	if req.ID != "" {
		n.ID = req.ID
	}
	n.Data = req.Data
	n.ImageURL = req.ImageURL
	n.ActionURL = req.ActionURL
	n.DeviceID = req.DeviceID
	n.ScheduledAt = req.ScheduledAt
	n.ExpiresAt = req.ExpiresAt

	if !q.Enqueue(n) {
		logger.Debug("duplicate delivery request ignored", zap.String("id", n.ID))
		return nil
	}

	logger.Info("delivery request enqueued",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("category", n.Category),
	)
	return nil
}
