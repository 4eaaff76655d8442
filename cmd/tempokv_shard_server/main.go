package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tempokv/tempokv/config"
	"github.com/tempokv/tempokv/core/loader"
	"github.com/tempokv/tempokv/core/store"
	"github.com/tempokv/tempokv/core/transport"
	internaltelemetry "github.com/tempokv/tempokv/internal/telemetry"
	"github.com/tempokv/tempokv/internal/tlsutil"
	"github.com/tempokv/tempokv/pkg/logger"
	"github.com/tempokv/tempokv/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a TOML config file")
	nodeID     = flag.String("node_id", "", "Override the node ID")
	listenAddr = flag.String("listen_addr", "", "Override the transaction port bind address")
	adminAddr  = flag.String("admin_addr", "", "Override the admin API bind address")
	loadAddr   = flag.String("load_addr", "", "Override the bulk load bind address")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.LoadShardServer(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to load config: %v", err)
	}
	applyOverrides(cfg)

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize logger: %v", err)
	}
	zlog = zlog.With(zap.String("node", cfg.NodeID))

	zlog.Info("Starting tempokv shard server",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("admin_addr", cfg.AdminAddr),
		zap.String("load_addr", cfg.LoadAddr),
	)

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}
	metrics, err := internaltelemetry.NewShardMetrics(tel.Meter)
	if err != nil {
		zlog.Fatal("CRITICAL: Failed to build shard metrics", zap.Error(err))
	}

	st := store.New(zlog)
	srv := transport.NewServer(store.NewService(st, zlog, metrics), zlog)
	if err := srv.Start(cfg.ListenAddr); err != nil {
		zlog.Fatal("CRITICAL: Failed to start transaction port", zap.Error(err))
	}

	var recv *loader.Receiver
	if cfg.LoadAddr != "" {
		tlsCfg, err := loadTLS(cfg, zlog)
		if err != nil {
			zlog.Fatal("CRITICAL: Failed to build load endpoint TLS", zap.Error(err))
		}
		recv, err = loader.NewReceiver(loader.ReceiverConfig{
			Addr: cfg.LoadAddr,
			TLS:  tlsCfg,
		}, st.Load, zlog)
		if err != nil {
			zlog.Fatal("CRITICAL: Failed to build load receiver", zap.Error(err))
		}
		if err := recv.Start(); err != nil {
			zlog.Fatal("CRITICAL: Failed to start load receiver", zap.Error(err))
		}
	}

	var admin *http.Server
	if cfg.AdminAddr != "" {
		admin = startAdmin(cfg, st, recv, zlog)
	}

	waitForSignal(zlog)

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := admin.Shutdown(ctx); err != nil {
			zlog.Warn("Admin API shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if recv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = recv.Close(ctx)
		cancel()
	}
	if err := srv.Stop(); err != nil {
		zlog.Warn("Transaction port stop failed", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := telShutdown(ctx); err != nil {
		zlog.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	cancel()

	zlog.Info("Shard server shut down gracefully")
}

func applyOverrides(cfg *config.ShardServer) {
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *loadAddr != "" {
		cfg.LoadAddr = *loadAddr
	}
}

func loadTLS(cfg *config.ShardServer, zlog *zap.Logger) (*tls.Config, error) {
	if cfg.CertFile != "" {
		return tlsutil.ServerFromFiles(cfg.CertFile, cfg.KeyFile)
	}
	zlog.Warn("Load endpoint using an ephemeral self-signed certificate")
	tlsCfg, _, err := tlsutil.SelfSignedServer()
	return tlsCfg, err
}

// adminStats is the /stats payload.
type adminStats struct {
	Node     string      `json:"node"`
	Keys     int         `json:"keys"`
	Prepared int         `json:"prepared"`
	Loaded   uint64      `json:"loaded"`
	Ops      store.Stats `json:"ops"`
}

func startAdmin(cfg *config.ShardServer, st *store.Store, recv *loader.Receiver, zlog *zap.Logger) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "node": cfg.NodeID})
	}).Methods(http.MethodGet)

	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := adminStats{
			Node:     cfg.NodeID,
			Keys:     st.Size(),
			Prepared: st.PreparedCount(),
			Ops:      st.Stats(),
		}
		if recv != nil {
			stats.Loaded = recv.Applied()
		}
		writeJSON(w, stats)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("Admin API failed", zap.Error(err))
		}
	}()
	zlog.Info("Admin API listening", zap.String("addr", cfg.AdminAddr))
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func waitForSignal(zlog *zap.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlog.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
}
