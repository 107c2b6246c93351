package cli

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/config"
	"github.com/kilupskalvis/assetstore/internal/remote/server"
)

var (
	serveListen    string
	serveLogLevel  string
	serveLogFormat string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the asset gateway for this store",
	Long: `Serve the asset store in the current project over HTTP.

The listen address defaults to [server] listen in .assets/config. When
ASSETSTORE_API_TOKEN is set, /api routes require it as a bearer token.
Prometheus metrics are served on /metrics.

Examples:
  assetstore serve
  assetstore serve --listen 127.0.0.1:9000 --log-format text`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", os.Getenv("ASSETSTORE_LISTEN"), "Listen address (host:port)")
	f.StringVar(&serveLogLevel, "log-level", envOrDefault("ASSETSTORE_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	f.StringVar(&serveLogFormat, "log-format", envOrDefault("ASSETSTORE_LOG_FORMAT", "json"), "Log format (json|text)")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	logger := server.NewLogger(serveLogLevel, serveLogFormat)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := assets.Open(cfg, logger, assets.NewMetrics(reg))
	if err != nil {
		exitError("failed to open asset store: %v", err)
	}
	defer svc.Close()

	listen := serveListen
	if listen == "" {
		listen = cfg.Server.Listen
	}
	h := server.Handler(svc, &server.ServerConfig{
		MaxRequestBody: cfg.Server.MaxRequestBody,
		APIToken:       os.Getenv("ASSETSTORE_API_TOKEN"),
	}, reg, logger)

	logger.Info("serving asset store", "root", cfg.ProjectRoot(), "backend", cfg.CatalogBackend)
	if err := server.Serve(cmd.Context(), listen, h, logger); err != nil {
		logger.Error("server error", "error", err)
		svc.Close()
		os.Exit(1)
	}
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
