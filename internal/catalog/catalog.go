// Package catalog persists asset metadata keyed by content hash.
//
// Two backends implement Catalog: SQLite (the default) and bbolt. Both carry
// a schema version and upgrade older catalogs in place when opened, then
// check that every required field is present before serving requests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilupskalvis/assetstore/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound = errors.New("asset not found")
	ErrSchema   = errors.New("catalog schema mismatch")
)

// CurrentSchemaVersion is the schema version both backends migrate to.
//
//	v1: assets without thumbnail_hash (legacy)
//	v2: thumbnail_hash
//	v3: thumbnail_bytes, updated_at
const CurrentSchemaVersion = 3

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Catalog defines the contract for asset metadata persistence. Every
// reference-count mutation is atomic per hash at the storage level.
type Catalog interface {
	// Upsert inserts a new row with ref_count = 1, or, when the hash is
	// already cataloged, fills in a missing thumbnail. It never changes the
	// reference count of an existing row. Returns the stored row and whether
	// it was created.
	Upsert(ctx context.Context, a *models.Asset) (*models.Asset, bool, error)

	// Get returns the row for hash. Returns ErrNotFound if missing.
	Get(ctx context.Context, hash string) (*models.Asset, error)

	// Increment adds one reference. Returns ErrNotFound if missing.
	Increment(ctx context.Context, hash string) (int64, error)

	// Decrement removes one reference, never going below zero.
	// Returns ErrNotFound if missing.
	Decrement(ctx context.Context, hash string) (int64, error)

	// SetRefCount overwrites the reference count. Returns ErrNotFound if missing.
	SetRefCount(ctx context.Context, hash string, count int64) error

	// Touch records a read access.
	Touch(ctx context.Context, hash string, at time.Time) error

	// SetThumbnail records, replaces, or clears (nil) the thumbnail reference.
	SetThumbnail(ctx context.Context, hash string, thumbHash *string, thumbBytes int64) error

	// Remove deletes the row. Removing a missing row is not an error.
	Remove(ctx context.Context, hash string) error

	// ListOrphans returns rows whose reference count is zero.
	ListOrphans(ctx context.Context) ([]*models.Asset, error)

	// List returns every row ordered by hash.
	List(ctx context.Context) ([]*models.Asset, error)

	// ThumbnailInUse reports whether any row other than exceptHash
	// references thumbHash.
	ThumbnailInUse(ctx context.Context, thumbHash, exceptHash string) (bool, error)

	// Stats summarizes the catalog.
	Stats(ctx context.Context) (*models.CatalogStats, error)

	// SchemaVersion returns the stored schema version.
	SchemaVersion(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Open opens (creating if needed) the catalog at path with the given backend,
// migrating it to CurrentSchemaVersion.
func Open(backend, path string) (Catalog, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(path)
	case BackendBolt:
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", backend)
	}
}

// now is the clock used for timestamps; tests may replace it.
var now = func() time.Time { return time.Now().UTC() }

// timeFormat sorts lexically and keeps nanoseconds.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

// parseTimestamp parses a timestamp string from storage in the formats the
// catalog has written over time, including SQLite's CURRENT_TIMESTAMP.
func parseTimestamp(s string) time.Time {
	formats := []string{
		timeFormat,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
