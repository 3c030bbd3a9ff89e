package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/app"
	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
	"github.com/alexnthnz/tutoring-automation/internal/queue"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Automation Worker")

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal("Failed to load .env", zap.Error(err))
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if !cfg.Kafka.Enabled() {
		logger.Fatal("Worker requires kafka.brokers")
	}

	// Initialize metrics
	metrics := monitoring.NewMetrics()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Initialize Kafka consumer
	consumer := queue.NewConsumer(cfg.Kafka, logger.Named("consumer"))
	defer consumer.Close()
	logger.Info("Kafka consumer initialized",
		zap.String("topic", cfg.Kafka.TriggerTopic),
		zap.String("group_id", cfg.Kafka.GroupID),
	)

	var wg sync.WaitGroup
	wg.Add(2)

	// Start consuming triggers
	go func() {
		defer wg.Done()
		logger.Info("Starting to consume triggers")
		err := consumer.Consume(ctx, func(ctx context.Context, trigger automation.Trigger) error {
			return processTrigger(ctx, services.Orchestrator, trigger, logger)
		})
		if err != nil {
			logger.Error("Consumer error", zap.Error(err))
		}
	}()

	// Dispatch deferred intents as they come due
	go func() {
		defer wg.Done()
		if err := services.Poller.Run(ctx); err != nil {
			logger.Error("Poller error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	wg.Wait()
	logger.Info("Worker exited")
}

func processTrigger(ctx context.Context, orch *automation.Orchestrator, trigger automation.Trigger, logger *zap.Logger) error {
	logger.Info("Processing trigger",
		zap.String("trigger_id", trigger.ID),
		zap.String("trigger_type", string(trigger.TriggerType)),
		zap.Int("recipients", len(trigger.Recipients)),
	)

	result, err := orch.Run(ctx, trigger)
	if err != nil {
		return err
	}

	logger.Info("Trigger processed",
		zap.String("trigger_id", trigger.ID),
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("deferred", result.Deferred),
		zap.Int("duplicates", result.Duplicates),
	)
	return nil
}
