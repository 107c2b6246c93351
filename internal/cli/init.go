package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/assetstore/internal/assets"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new asset store",
	Long: `Initialize a new asset store in the current directory.
This creates a .assets directory holding the configuration, the catalog,
and the blob tree.`,
	Args: cobra.NoArgs,
	Run:  runInit,
}

var initBackend string

func init() {
	initCmd.Flags().StringVar(&initBackend, "backend", catalog.BackendSQLite, "Catalog backend (sqlite|bolt)")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("asset store already exists")
	}

	dir, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	cfg, err := config.Initialize(dir, initBackend)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	// Opening creates the catalog at the current schema version.
	svc, err := assets.Open(cfg, cliLogger(), nil)
	if err != nil {
		os.RemoveAll(cfg.Path())
		exitError("failed to create catalog: %v", err)
	}
	svc.Close()

	fmt.Printf("Initialized empty asset store in %s/\n", config.AssetsDir)
	fmt.Printf("Catalog backend: %s\n", cfg.CatalogBackend)
}
