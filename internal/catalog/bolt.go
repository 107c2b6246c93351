package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/kilupskalvis/assetstore/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAssets = []byte("assets")
	bucketMeta   = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// requiredKeys must be present in every stored record after migration.
var requiredKeys = []string{
	"hash", "original_name", "mime_type", "size_bytes", "width", "height",
	"thumbnail_hash", "thumbnail_bytes", "ref_count",
	"created_at", "last_accessed_at", "updated_at",
}

// BoltCatalog implements Catalog on a bbolt file. Records are JSON-encoded
// assets keyed by hash. bbolt serializes write transactions, so every
// read-modify-write below is atomic.
type BoltCatalog struct {
	db *bolt.DB
}

// OpenBolt opens the catalog at dbPath, migrating and checking it.
func OpenBolt(dbPath string) (*BoltCatalog, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	c := &BoltCatalog{db: db}
	ctx := context.Background()

	if err := c.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.CheckSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the database.
func (c *BoltCatalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// RunMigrations brings the file to CurrentSchemaVersion.
func (c *BoltCatalog) RunMigrations(ctx context.Context) error {
	version, err := c.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: catalog version %d is newer than supported version %d",
			ErrSchema, version, CurrentSchemaVersion)
	}
	if version == CurrentSchemaVersion {
		return nil
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		assets, err := tx.CreateBucketIfNotExists(bucketAssets)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		// A fresh file has no records; older ones get each record rewritten
		// with the fields later versions added.
		if version > 0 {
			if err := migrateBoltRecords(assets); err != nil {
				return fmt.Errorf("migration to v%d failed: %w", CurrentSchemaVersion, err)
			}
		}

		return meta.Put(keySchemaVersion, []byte(strconv.Itoa(CurrentSchemaVersion)))
	})
}

func migrateBoltRecords(b *bolt.Bucket) error {
	updates := make(map[string][]byte)
	err := b.ForEach(func(k, v []byte) error {
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		changed := false
		if _, ok := rec["thumbnail_hash"]; !ok {
			rec["thumbnail_hash"] = json.RawMessage("null")
			changed = true
		}
		if _, ok := rec["thumbnail_bytes"]; !ok {
			rec["thumbnail_bytes"] = json.RawMessage("0")
			changed = true
		}
		if _, ok := rec["updated_at"]; !ok {
			if at, ok := rec["last_accessed_at"]; ok {
				rec["updated_at"] = at
			} else if at, ok := rec["created_at"]; ok {
				rec["updated_at"] = at
			} else {
				rec["updated_at"] = json.RawMessage(`"0001-01-01T00:00:00Z"`)
			}
			changed = true
		}
		for _, key := range []string{"width", "height", "ref_count"} {
			if _, ok := rec[key]; !ok {
				rec[key] = json.RawMessage("0")
				changed = true
			}
		}
		if _, ok := rec["last_accessed_at"]; !ok {
			rec["last_accessed_at"] = json.RawMessage(`"0001-01-01T00:00:00Z"`)
			changed = true
		}
		if !changed {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		updates[string(k)] = data
		return nil
	})
	if err != nil {
		return err
	}
	// Mutating a bucket during ForEach is not allowed.
	for k, v := range updates {
		if err := b.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the stored version: 0 for a fresh file, 1 for a
// legacy file with an assets bucket but no version marker.
func (c *BoltCatalog) SchemaVersion(_ context.Context) (int, error) {
	version := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(bucketMeta); meta != nil {
			if v := meta.Get(keySchemaVersion); v != nil {
				n, err := strconv.Atoi(string(v))
				if err != nil {
					return fmt.Errorf("%w: bad schema version %q", ErrSchema, v)
				}
				version = n
				return nil
			}
		}
		if tx.Bucket(bucketAssets) != nil {
			version = 1
		}
		return nil
	})
	return version, err
}

// CheckSchema verifies the version and that every record carries all fields.
func (c *BoltCatalog) CheckSchema(ctx context.Context) error {
	version, err := c.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version != CurrentSchemaVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrSchema, version, CurrentSchemaVersion)
	}
	return c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		if b == nil {
			return fmt.Errorf("%w: assets bucket missing", ErrSchema)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec map[string]json.RawMessage
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: record %s: %v", ErrSchema, k, err)
			}
			for _, key := range requiredKeys {
				if _, ok := rec[key]; !ok {
					return fmt.Errorf("%w: record %s missing %s", ErrSchema, k, key)
				}
			}
			return nil
		})
	})
}

// Upsert inserts a new record or fills in a missing thumbnail.
func (c *BoltCatalog) Upsert(_ context.Context, a *models.Asset) (*models.Asset, bool, error) {
	if !models.ValidHash(a.Hash) {
		return nil, false, fmt.Errorf("upsert asset: invalid hash %q", a.Hash)
	}

	var (
		stored  *models.Asset
		created bool
	)
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		existing, err := getRecord(b, a.Hash)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if existing == nil {
			ts := now()
			rec := *a
			rec.RefCount = 1
			rec.CreatedAt = ts
			rec.LastAccessedAt = ts
			rec.UpdatedAt = ts
			if !rec.HasThumbnail() {
				rec.ThumbnailHash = nil
				rec.ThumbnailBytes = 0
			}
			created = true
			stored = &rec
			return putRecord(b, &rec)
		}

		if !existing.HasThumbnail() && a.HasThumbnail() {
			thumb := *a.ThumbnailHash
			existing.ThumbnailHash = &thumb
			existing.ThumbnailBytes = a.ThumbnailBytes
			if err := putRecord(b, existing); err != nil {
				return err
			}
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// Get retrieves an asset by hash.
func (c *BoltCatalog) Get(_ context.Context, hash string) (*models.Asset, error) {
	var a *models.Asset
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getRecord(tx.Bucket(bucketAssets), hash)
		return err
	})
	return a, err
}

// Increment adds one reference.
func (c *BoltCatalog) Increment(_ context.Context, hash string) (int64, error) {
	var count int64
	err := c.update(hash, func(a *models.Asset) bool {
		a.RefCount++
		a.UpdatedAt = now()
		count = a.RefCount
		return true
	})
	return count, err
}

// Decrement removes one reference, floored at zero.
func (c *BoltCatalog) Decrement(_ context.Context, hash string) (int64, error) {
	var count int64
	err := c.update(hash, func(a *models.Asset) bool {
		if a.RefCount <= 0 {
			a.RefCount = 0
			count = 0
			return false
		}
		a.RefCount--
		a.UpdatedAt = now()
		count = a.RefCount
		return true
	})
	return count, err
}

// SetRefCount overwrites the reference count.
func (c *BoltCatalog) SetRefCount(_ context.Context, hash string, count int64) error {
	if count < 0 {
		count = 0
	}
	return c.update(hash, func(a *models.Asset) bool {
		a.RefCount = count
		a.UpdatedAt = now()
		return true
	})
}

// Touch updates the last access time.
func (c *BoltCatalog) Touch(_ context.Context, hash string, at time.Time) error {
	return c.update(hash, func(a *models.Asset) bool {
		a.LastAccessedAt = at.UTC()
		return true
	})
}

// SetThumbnail records or clears the thumbnail reference.
func (c *BoltCatalog) SetThumbnail(_ context.Context, hash string, thumbHash *string, thumbBytes int64) error {
	return c.update(hash, func(a *models.Asset) bool {
		if thumbHash == nil || *thumbHash == "" {
			a.ThumbnailHash = nil
			a.ThumbnailBytes = 0
			return true
		}
		thumb := *thumbHash
		a.ThumbnailHash = &thumb
		a.ThumbnailBytes = thumbBytes
		return true
	})
}

// Remove deletes a record.
func (c *BoltCatalog) Remove(_ context.Context, hash string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).Delete([]byte(hash))
	})
}

// ListOrphans returns records with no references.
func (c *BoltCatalog) ListOrphans(_ context.Context) ([]*models.Asset, error) {
	return c.list(func(a *models.Asset) bool { return a.IsOrphan() })
}

// List returns all records. bbolt iterates keys in byte order, which for
// hex hashes is hash order.
func (c *BoltCatalog) List(_ context.Context) ([]*models.Asset, error) {
	return c.list(func(*models.Asset) bool { return true })
}

// ThumbnailInUse reports whether another record shares the thumbnail.
func (c *BoltCatalog) ThumbnailInUse(_ context.Context, thumbHash, exceptHash string) (bool, error) {
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(k, v []byte) error {
			if found || bytes.Equal(k, []byte(exceptHash)) {
				return nil
			}
			var a models.Asset
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode asset %s: %w", k, err)
			}
			if a.Thumbnail() == thumbHash {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// Stats summarizes the catalog.
func (c *BoltCatalog) Stats(_ context.Context) (*models.CatalogStats, error) {
	var st models.CatalogStats
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(k, v []byte) error {
			var a models.Asset
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode asset %s: %w", k, err)
			}
			st.TotalAssets++
			st.TotalBytes += a.TotalBytes()
			if a.IsOrphan() {
				st.OrphanCount++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// update applies fn to the record for hash inside one write transaction.
// fn returns false to skip the write.
func (c *BoltCatalog) update(hash string, fn func(a *models.Asset) bool) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		a, err := getRecord(b, hash)
		if err != nil {
			return err
		}
		if !fn(a) {
			return nil
		}
		return putRecord(b, a)
	})
}

func (c *BoltCatalog) list(keep func(a *models.Asset) bool) ([]*models.Asset, error) {
	var assets []*models.Asset
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(k, v []byte) error {
			var a models.Asset
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode asset %s: %w", k, err)
			}
			if keep(&a) {
				assets = append(assets, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Hash < assets[j].Hash })
	return assets, nil
}

func getRecord(b *bolt.Bucket, hash string) (*models.Asset, error) {
	data := b.Get([]byte(hash))
	if data == nil {
		return nil, ErrNotFound
	}
	var a models.Asset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode asset %s: %w", hash, err)
	}
	return &a, nil
}

func putRecord(b *bolt.Bucket, a *models.Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode asset: %w", err)
	}
	return b.Put([]byte(a.Hash), data)
}
