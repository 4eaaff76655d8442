package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tempokv/tempokv/api/gateway"
	"github.com/tempokv/tempokv/config"
	"github.com/tempokv/tempokv/core/coordinator"
	internaltelemetry "github.com/tempokv/tempokv/internal/telemetry"
	"github.com/tempokv/tempokv/pkg/logger"
	"github.com/tempokv/tempokv/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a TOML config file")
	listenAddr = flag.String("listen_addr", "", "Override the HTTP bind address")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize logger: %v", err)
	}

	zlog.Info("Starting tempokv gateway",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Strings("shards", cfg.Coordinator.Shards),
	)

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}
	metrics, err := internaltelemetry.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		zlog.Fatal("CRITICAL: Failed to build coordinator metrics", zap.Error(err))
	}

	svc, err := gateway.New(coordinator.Config{
		Shards:          cfg.Coordinator.Shards,
		MaxAttempts:     cfg.Coordinator.MaxAttempts,
		GetTimeout:      cfg.Coordinator.GetTimeout.Duration,
		PutTimeout:      cfg.Coordinator.PutTimeout.Duration,
		PrepareTimeout:  cfg.Coordinator.PrepareTimeout.Duration,
		AbortTimeout:    cfg.Coordinator.AbortTimeout.Duration,
		ClockErrorBound: cfg.Coordinator.ClockErrorBound.Duration,
		Metrics:         metrics,
	}, cfg.PoolSize, zlog)
	if err != nil {
		zlog.Fatal("CRITICAL: Failed to build gateway service", zap.Error(err))
	}

	router := svc.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("CRITICAL: Gateway HTTP server failed", zap.Error(err))
		}
	}()
	zlog.Info("Gateway listening", zap.String("addr", cfg.ListenAddr))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlog.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Warn("HTTP shutdown failed", zap.Error(err))
	}
	cancel()

	if err := svc.Close(); err != nil {
		zlog.Warn("Gateway service close failed", zap.Error(err))
	}

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	if err := telShutdown(ctx); err != nil {
		zlog.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	cancel()

	zlog.Info("Gateway shut down gracefully")
}
