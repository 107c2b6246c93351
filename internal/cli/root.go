// Package cli implements the command-line interface for the asset store.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/config"
	"github.com/kilupskalvis/assetstore/internal/remote"
)

var (
	gatewayURL string
	verbose    bool
)

// cmdContext holds common resources for CLI commands. Config and Service are
// nil when commands talk to a remote gateway.
type cmdContext struct {
	Config  *config.Config
	Service *assets.Service
	Client  remote.AssetClient
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Service != nil {
		c.Service.Close()
	}
}

// initLocalContext opens the project found from the working directory.
func initLocalContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	svc, err := assets.Open(cfg, cliLogger(), nil)
	if err != nil {
		exitError("failed to open asset store: %v", err)
	}

	return &cmdContext{Config: cfg, Service: svc, Client: &localClient{svc: svc}}
}

// initContext targets the gateway given by --url, or the local project.
func initContext() *cmdContext {
	if gatewayURL == "" {
		return initLocalContext()
	}
	client := remote.NewHTTPClient(gatewayURL, os.Getenv("ASSETSTORE_API_TOKEN"))
	return &cmdContext{Client: remote.NewRetryClient(client, nil)}
}

// cliLogger keeps service logs on stderr and quiet unless --verbose.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var rootCmd = &cobra.Command{
	Use:   "assetstore",
	Short: "Content-addressable asset store",
	Long: `assetstore keeps image assets by content hash. Identical uploads are
stored once and reference counted, thumbnails are derived on upload, and
orphaned assets are reclaimed by cleanup.`,
}

// Execute runs the root command. Interrupts cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&gatewayURL, "url", os.Getenv("ASSETSTORE_URL"),
		"Gateway base URL; empty uses the local project (env: ASSETSTORE_URL)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log service activity to stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(associateCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(thumbsCmd)
	rootCmd.AddCommand(serveCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
