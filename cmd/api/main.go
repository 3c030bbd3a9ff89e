package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/alexnthnz/tutoring-automation/api/grpc"
	"github.com/alexnthnz/tutoring-automation/api/rest"
	"github.com/alexnthnz/tutoring-automation/internal/app"
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

	logger.Info("Starting Automation API Service")

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal("Failed to load .env", zap.Error(err))
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize metrics
	metrics := monitoring.NewMetrics()
	logger.Info("Metrics initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Triggers go to the worker fleet when Kafka is configured, otherwise they
	// run inline and this process polls its own deferred intents.
	var restPublisher rest.TriggerPublisher
	var grpcPublisher grpcapi.TriggerPublisher
	if cfg.Kafka.Enabled() {
		producer := queue.NewProducer(cfg.Kafka, logger.Named("producer"))
		defer producer.Close()
		restPublisher, grpcPublisher = producer, producer
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		go func() {
			if err := services.Poller.Run(ctx); err != nil {
				logger.Error("Poller error", zap.Error(err))
			}
		}()
		logger.Info("Kafka not configured, running triggers inline")
	}

	// Initialize REST API handler
	handler := rest.NewHandler(services.Catalog, services.Ledger, services.Orchestrator, restPublisher, metrics, logger.Named("rest"))
	router := handler.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Start gRPC server
	grpcAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("Failed to listen for gRPC", zap.String("addr", grpcAddr), zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	automationServer := grpcapi.NewServer(services.Ledger, services.Orchestrator, grpcPublisher, metrics, logger.Named("grpc"))
	automationServer.Register(grpcServer)

	go func() {
		logger.Info("Starting gRPC server", zap.String("addr", grpcAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
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
	automationServer.Shutdown()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("Server exited")
}
