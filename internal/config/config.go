// Package config manages the asset store configuration and the .assets
// directory structure. It handles loading, saving, and initializing a project.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilupskalvis/assetstore/internal/models"
	"github.com/kilupskalvis/assetstore/internal/thumbnail"
)

const (
	AssetsDir  = ".assets"
	ConfigFile = "config"
	BlobsDir   = "blobs"

	SQLiteFile = "catalog.db"
	BoltFile   = "catalog.bolt"
)

// ErrNotInitialized is returned when no .assets directory can be found.
var ErrNotInitialized = errors.New("not an asset store project (or any parent up to root)")

// DefaultMaxUploadBytes is the default per-asset size limit (50 MiB).
const DefaultMaxUploadBytes int64 = 50 << 20

// DefaultMimeTypes is the default upload allowlist.
var DefaultMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
	"image/svg+xml",
}

// Config represents the asset store configuration.
type Config struct {
	CatalogBackend    string          `toml:"catalog_backend" validate:"required,oneof=sqlite bolt"`
	MaxUploadBytes    int64           `toml:"max_upload_bytes" validate:"gt=0"`
	AllowedMimeTypes  []string        `toml:"allowed_mime_types" validate:"min=1,dive,required,contains=/"`
	LocatorScheme     string          `toml:"locator_scheme" validate:"required,alpha"`
	ImportConcurrency int             `toml:"import_concurrency" validate:"gte=1,lte=64"`
	StrayGracePeriod  string          `toml:"stray_grace_period"`
	Thumbnail         ThumbnailConfig `toml:"thumbnail"`
	Server            ServerConfig    `toml:"server"`

	path string // path to .assets directory
}

// ThumbnailConfig controls derivation at upload time.
type ThumbnailConfig struct {
	Enabled   bool `toml:"enabled"`
	MaxWidth  int  `toml:"max_width" validate:"gte=1,lte=4096"`
	MaxHeight int  `toml:"max_height" validate:"gte=1,lte=4096"`
	Quality   int  `toml:"quality" validate:"gte=1,lte=100"`
}

// ServerConfig holds gateway defaults. Flags override them.
type ServerConfig struct {
	Listen         string `toml:"listen" validate:"required"`
	MaxRequestBody int64  `toml:"max_request_body" validate:"gt=0"`
}

// Default returns the configuration written by Initialize.
func Default() *Config {
	return &Config{
		CatalogBackend:    "sqlite",
		MaxUploadBytes:    DefaultMaxUploadBytes,
		AllowedMimeTypes:  append([]string(nil), DefaultMimeTypes...),
		LocatorScheme:     models.DefaultLocatorScheme,
		ImportConcurrency: 4,
		StrayGracePeriod:  "1h",
		Thumbnail: ThumbnailConfig{
			Enabled:   true,
			MaxWidth:  thumbnail.DefaultMaxWidth,
			MaxHeight: thumbnail.DefaultMaxHeight,
			Quality:   thumbnail.DefaultQuality,
		},
		Server: ServerConfig{
			Listen:         ":8720",
			MaxRequestBody: 64 << 20,
		},
	}
}

// FindRoot finds the .assets directory by walking up from the current directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return FindRootFrom(dir)
}

// FindRootFrom finds the .assets directory by walking up from dir.
func FindRootFrom(dir string) (string, error) {
	for {
		assetsPath := filepath.Join(dir, AssetsDir)
		if info, err := os.Stat(assetsPath); err == nil && info.IsDir() {
			return assetsPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration from the nearest .assets directory.
func Load() (*Config, error) {
	assetsPath, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(assetsPath)
}

// LoadFrom loads the configuration from the given .assets directory. Keys
// missing from the file keep their defaults.
func LoadFrom(assetsPath string) (*Config, error) {
	configPath := filepath.Join(assetsPath, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.path = assetsPath
	return cfg, nil
}

func (c *Config) normalize() {
	c.CatalogBackend = strings.ToLower(strings.TrimSpace(c.CatalogBackend))
	for i, mt := range c.AllowedMimeTypes {
		c.AllowedMimeTypes[i] = strings.ToLower(strings.TrimSpace(mt))
	}
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// Path returns the path to the .assets directory.
func (c *Config) Path() string {
	return c.path
}

// ProjectRoot returns the directory containing .assets.
func (c *Config) ProjectRoot() string {
	return filepath.Dir(c.path)
}

// CatalogPath returns the catalog file for the configured backend.
func (c *Config) CatalogPath() string {
	if c.CatalogBackend == "bolt" {
		return filepath.Join(c.path, BoltFile)
	}
	return filepath.Join(c.path, SQLiteFile)
}

// BlobsPath returns the root of the content-addressed blob tree.
func (c *Config) BlobsPath() string {
	return filepath.Join(c.path, BlobsDir)
}

// GracePeriod parses StrayGracePeriod. An empty value means no grace period.
func (c *Config) GracePeriod() time.Duration {
	if c.StrayGracePeriod == "" {
		return 0
	}
	d, err := time.ParseDuration(c.StrayGracePeriod)
	if err != nil {
		return 0
	}
	return d
}

// ThumbnailConstraints returns the configured thumbnail box.
func (c *Config) ThumbnailConstraints() thumbnail.Constraints {
	return thumbnail.Constraints{
		MaxWidth:  c.Thumbnail.MaxWidth,
		MaxHeight: c.Thumbnail.MaxHeight,
		Quality:   c.Thumbnail.Quality,
	}
}

// Initialize creates a new .assets directory under dir with the default
// configuration and the given catalog backend ("" keeps the default).
func Initialize(dir, backend string) (*Config, error) {
	assetsPath := filepath.Join(dir, AssetsDir)

	// Check if already initialized
	if _, err := os.Stat(assetsPath); err == nil {
		return nil, fmt.Errorf("asset store already exists in %s", dir)
	}

	cfg := Default()
	if backend != "" {
		cfg.CatalogBackend = backend
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(assetsPath, BlobsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", AssetsDir, err)
	}

	cfg.path = assetsPath
	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(assetsPath)
		return nil, err
	}

	return cfg, nil
}
