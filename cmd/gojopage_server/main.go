// Command gojopage_server runs a storage node: a page store with periodic
// checkpoints, a Prometheus endpoint, and an HTTP admin surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/gojopage/config"
	pagestore "github.com/sushant-115/gojopage/core/storage_engine/page_store"
	internaltelemetry "github.com/sushant-115/gojopage/internal/telemetry"
	"github.com/sushant-115/gojopage/pkg/logger"
	"github.com/sushant-115/gojopage/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	HttpServerStopTimeout = 5 * time.Second
	EngineCloseTimeout    = time.Minute
)

var (
	configPath = flag.String("config", "gojopage.yaml", "Path to the YAML configuration file")
	dataDir    = flag.String("data_dir", "", "Overrides storage.dir from the configuration")
	httpAddr   = flag.String("http_addr", "", "Overrides http_addr from the configuration")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %w", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewPageMemoryMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	zlogger.Info("Starting GojoPage storage node",
		zap.String("configPath", *configPath),
		zap.String("dataDir", cfg.Storage.Dir),
		zap.String("httpAddr", cfg.HTTPAddr),
		zap.Int("pageSize", cfg.Storage.PageSize),
		zap.Int64("regionSize", cfg.Storage.Region.Size),
		zap.String("metricsAddr", tel.MetricsAddr()))

	engine, err := pagestore.Open(cfg.Storage, zlogger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open storage engine: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(engine, zlogger.Named("admin")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		zlogger.Info("HTTP server starting", zap.String("address", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		zlogger.Info("HTTP server stopped gracefully.")
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serveErr:
		zlogger.Error("HTTP server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), HttpServerStopTimeout)
	if err := httpServer.Shutdown(ctx); err != nil {
		zlogger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), EngineCloseTimeout)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		zlogger.Error("Storage engine did not close cleanly", zap.Error(err))
		return err
	}
	zlogger.Info("GojoPage storage node shut down gracefully.")
	return nil
}
