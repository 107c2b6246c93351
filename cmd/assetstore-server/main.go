// Command assetstore-server runs the asset gateway as a standalone daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/config"
	"github.com/kilupskalvis/assetstore/internal/remote/server"
)

func main() {
	dataDir := flag.String("data-dir", envOrDefault("ASSETSTORE_DATA_DIR", "/var/lib/assetstore"), "Project directory holding .assets")
	listen := flag.String("listen", os.Getenv("ASSETSTORE_LISTEN"), "Listen address (default: [server] listen from config)")
	backend := flag.String("backend", envOrDefault("ASSETSTORE_BACKEND", "sqlite"), "Catalog backend used when initializing a new data dir (sqlite, bolt)")
	logLevel := flag.String("log-level", envOrDefault("ASSETSTORE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("ASSETSTORE_LOG_FORMAT", "json"), "Log format (json, text)")
	flag.Parse()

	logger := server.NewLogger(*logLevel, *logFormat)

	// Initialize the data dir on first start.
	assetsPath := filepath.Join(*dataDir, config.AssetsDir)
	if _, err := os.Stat(assetsPath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(*dataDir, 0755); err != nil {
			logger.Error("failed to create data directory", "error", err, "path", *dataDir)
			os.Exit(1)
		}
		if _, err := config.Initialize(*dataDir, *backend); err != nil {
			logger.Error("failed to initialize asset store", "error", err, "path", *dataDir)
			os.Exit(1)
		}
		logger.Info("initialized asset store", "path", assetsPath, "backend", *backend)
	}

	cfg, err := config.LoadFrom(assetsPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := assets.Open(cfg, logger, assets.NewMetrics(reg))
	if err != nil {
		logger.Error("failed to open asset store", "error", err)
		os.Exit(1)
	}

	addr := *listen
	if addr == "" {
		addr = cfg.Server.Listen
	}
	h := server.Handler(svc, &server.ServerConfig{
		MaxRequestBody: cfg.Server.MaxRequestBody,
		APIToken:       os.Getenv("ASSETSTORE_API_TOKEN"),
	}, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting assetstore-server", "data_dir", *dataDir, "backend", cfg.CatalogBackend)
	serveErr := server.Serve(ctx, addr, h, logger)
	if err := svc.Close(); err != nil {
		logger.Error("close catalog", "error", err)
	}
	if serveErr != nil {
		logger.Error("server error", "error", serveErr)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
