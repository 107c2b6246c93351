package assets

import (
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/assetstore/internal/blobstore"
	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/config"
)

// OptionsFromConfig maps the project configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxUploadBytes:     cfg.MaxUploadBytes,
		AllowedMimeTypes:   cfg.AllowedMimeTypes,
		LocatorScheme:      cfg.LocatorScheme,
		ImportConcurrency:  cfg.ImportConcurrency,
		StrayGracePeriod:   cfg.GracePeriod(),
		GenerateThumbnails: cfg.Thumbnail.Enabled,
		Thumbnail:          cfg.ThumbnailConstraints(),
	}
}

// Open builds a Service for the project described by cfg, opening (and
// migrating) its catalog and blob tree.
func Open(cfg *config.Config, logger *slog.Logger, metrics *Metrics) (*Service, error) {
	blobs, err := blobstore.NewFSStore(cfg.BlobsPath())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	cat, err := catalog.Open(cfg.CatalogBackend, cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	return New(cat, blobs, nil, OptionsFromConfig(cfg), logger, metrics), nil
}
