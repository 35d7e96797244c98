package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/moroshma/eventrelay/internal/app"
	"github.com/moroshma/eventrelay/internal/config"
	grpcHandler "github.com/moroshma/eventrelay/internal/delivery/grpc"
	"github.com/moroshma/eventrelay/internal/metrics"
	"github.com/moroshma/eventrelay/internal/tracing"
	"github.com/moroshma/eventrelay/internal/usecase"
	"github.com/moroshma/eventrelay/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath = flag.String("config", "", "Path to configuration file (optional)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting eventrelay",
		logger.Strings("nats_urls", cfg.Broker.URLs),
		logger.String("mode", cfg.Broker.Mode),
		logger.Int("health_port", cfg.Health.Port),
	)

	ctx := context.Background()

	vaultClient, err := config.NewVaultClient(&cfg.Vault)
	if err != nil {
		appLogger.Fatal("Failed to create Vault client", logger.Error(err))
	}
	if vaultClient != nil {
		appLogger.Info("Loading secrets from Vault", logger.String("address", cfg.Vault.Address))
		if err := config.ApplyVaultSecrets(ctx, cfg, vaultClient); err != nil {
			appLogger.Fatal("Failed to apply Vault secrets", logger.Error(err))
		}
		appLogger.Info("✓ Secrets loaded from Vault")
	} else {
		appLogger.Info("Vault is disabled - using configuration file values")
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		appLogger.Fatal("Failed to set up tracing", logger.Error(err))
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.New()
	}

	bus, err := app.NewFromConfig(cfg, appLogger, recorder)
	if err != nil {
		appLogger.Fatal("Failed to create event bus", logger.Error(err))
	}

	if err := bus.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start event bus", logger.Error(err))
	}
	if bus.IsConnected() {
		appLogger.Info("✓ Connected to NATS")
	}

	if cfg.Subscriber.AuditEnabled {
		subs := usecase.StartAudit(ctx, bus, cfg.Subscriber.AuditGroup, appLogger)
		appLogger.Info("✓ Audit subscriptions started", logger.Int("count", len(subs)))
	}

	// Health reporting over gRPC
	healthHandler := grpcHandler.NewHealthHandler(bus.Manager(), appLogger)
	healthHandler.Start()

	grpcServer := grpc.NewServer()
	healthHandler.Register(grpcServer)

	// Register reflection for grpcurl
	reflection.Register(grpcServer)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
	if err != nil {
		appLogger.Fatal("Failed to listen", logger.Error(err), logger.Int("port", cfg.Health.Port))
	}

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			appLogger.Error("gRPC server stopped", logger.Error(err))
		}
	}()
	appLogger.Info("✓ gRPC health server listening", logger.Int("port", cfg.Health.Port))

	var metricsServer *http.Server
	if recorder != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics server stopped", logger.Error(err))
			}
		}()
		appLogger.Info("✓ Metrics endpoint listening", logger.String("addr", cfg.Metrics.Addr))
	}

	appLogger.Info("Ready to relay events...")

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	<-sigint

	appLogger.Info("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	healthHandler.Stop()
	grpcServer.GracefulStop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Failed to stop metrics server", logger.Error(err))
		}
	}

	if err := bus.Close(shutdownCtx); err != nil {
		appLogger.Error("Event bus did not shut down cleanly", logger.Error(err))
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.Warn("Failed to flush traces", logger.Error(err))
	}

	appLogger.Info("Shutdown complete")
}
