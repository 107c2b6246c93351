package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/assetstore/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteCatalog implements Catalog on an SQLite database.
type SQLiteCatalog struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens the database at dbPath, migrates it, and checks the schema.
func OpenSQLite(dbPath string) (*SQLiteCatalog, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions from
	// tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	c := &SQLiteCatalog{db: db}
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

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (c *SQLiteCatalog) DB() *sql.DB {
	return c.db
}

const assetColumns = `hash, original_name, mime_type, size_bytes, width, height,
	thumbnail_hash, thumbnail_bytes, ref_count, created_at, last_accessed_at, updated_at`

// Upsert inserts a new row or fills in a missing thumbnail on an existing one.
func (c *SQLiteCatalog) Upsert(ctx context.Context, a *models.Asset) (*models.Asset, bool, error) {
	if !models.ValidHash(a.Hash) {
		return nil, false, fmt.Errorf("upsert asset: invalid hash %q", a.Hash)
	}

	var (
		stored  *models.Asset
		created bool
	)
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		ts := formatTime(now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO assets (`+assetColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(hash) DO NOTHING`,
			a.Hash, a.OriginalName, a.MimeType, a.SizeBytes, a.Width, a.Height,
			nullString(a.ThumbnailHash), a.ThumbnailBytes, ts, ts, ts,
		)
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		rows, _ := res.RowsAffected()
		created = rows > 0

		if !created && a.HasThumbnail() {
			_, err := tx.ExecContext(ctx, `
				UPDATE assets SET thumbnail_hash = ?, thumbnail_bytes = ?
				WHERE hash = ? AND thumbnail_hash IS NULL`,
				*a.ThumbnailHash, a.ThumbnailBytes, a.Hash,
			)
			if err != nil {
				return fmt.Errorf("fill thumbnail: %w", err)
			}
		}

		stored, err = getAsset(ctx, tx, a.Hash)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// Get retrieves an asset by hash.
func (c *SQLiteCatalog) Get(ctx context.Context, hash string) (*models.Asset, error) {
	return getAsset(ctx, c.db, hash)
}

func getAsset(ctx context.Context, q queryer, hash string) (*models.Asset, error) {
	row := q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE hash = ?`, hash)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// Increment adds one reference in a single UPDATE.
func (c *SQLiteCatalog) Increment(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `
		UPDATE assets SET ref_count = ref_count + 1, updated_at = ?
		WHERE hash = ?
		RETURNING ref_count`,
		formatTime(now()), hash,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment ref count: %w", err)
	}
	return count, nil
}

// Decrement removes one reference, floored at zero. updated_at only moves
// when the count actually changes so an orphan keeps its age.
func (c *SQLiteCatalog) Decrement(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `
		UPDATE assets SET
			updated_at = CASE WHEN ref_count > 0 THEN ? ELSE updated_at END,
			ref_count = MAX(ref_count - 1, 0)
		WHERE hash = ?
		RETURNING ref_count`,
		formatTime(now()), hash,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}
	return count, nil
}

// SetRefCount overwrites the reference count.
func (c *SQLiteCatalog) SetRefCount(ctx context.Context, hash string, count int64) error {
	if count < 0 {
		count = 0
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE assets SET ref_count = ?, updated_at = ? WHERE hash = ?`,
		count, formatTime(now()), hash,
	)
	if err != nil {
		return fmt.Errorf("failed to set ref count: %w", err)
	}
	return requireRow(res)
}

// Touch updates last_accessed_at.
func (c *SQLiteCatalog) Touch(ctx context.Context, hash string, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `UPDATE assets SET last_accessed_at = ? WHERE hash = ?`, formatTime(at), hash)
	if err != nil {
		return fmt.Errorf("failed to touch asset: %w", err)
	}
	return requireRow(res)
}

// SetThumbnail records or clears the thumbnail reference.
func (c *SQLiteCatalog) SetThumbnail(ctx context.Context, hash string, thumbHash *string, thumbBytes int64) error {
	if thumbHash == nil {
		thumbBytes = 0
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE assets SET thumbnail_hash = ?, thumbnail_bytes = ? WHERE hash = ?`,
		nullString(thumbHash), thumbBytes, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", err)
	}
	return requireRow(res)
}

// Remove deletes an asset row.
func (c *SQLiteCatalog) Remove(ctx context.Context, hash string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM assets WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to remove asset: %w", err)
	}
	return nil
}

// ListOrphans returns assets with no references.
func (c *SQLiteCatalog) ListOrphans(ctx context.Context) ([]*models.Asset, error) {
	return c.query(ctx, `SELECT `+assetColumns+` FROM assets WHERE ref_count <= 0 ORDER BY hash`)
}

// List returns all assets.
func (c *SQLiteCatalog) List(ctx context.Context) ([]*models.Asset, error) {
	return c.query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY hash`)
}

func (c *SQLiteCatalog) query(ctx context.Context, query string, args ...any) ([]*models.Asset, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ThumbnailInUse reports whether another asset shares the thumbnail.
func (c *SQLiteCatalog) ThumbnailInUse(ctx context.Context, thumbHash, exceptHash string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assets WHERE thumbnail_hash = ? AND hash != ?`,
		thumbHash, exceptHash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check thumbnail usage: %w", err)
	}
	return count > 0, nil
}

// Stats summarizes the catalog in one query.
func (c *SQLiteCatalog) Stats(ctx context.Context) (*models.CatalogStats, error) {
	var st models.CatalogStats
	err := c.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size_bytes + thumbnail_bytes), 0),
			COALESCE(SUM(CASE WHEN ref_count <= 0 THEN 1 ELSE 0 END), 0)
		FROM assets`,
	).Scan(&st.TotalAssets, &st.TotalBytes, &st.OrphanCount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &st, nil
}

func (c *SQLiteCatalog) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(s scanner) (*models.Asset, error) {
	var (
		a                               models.Asset
		thumb                           sql.NullString
		created, lastAccessed, updated sql.NullString
	)
	err := s.Scan(&a.Hash, &a.OriginalName, &a.MimeType, &a.SizeBytes, &a.Width, &a.Height,
		&thumb, &a.ThumbnailBytes, &a.RefCount, &created, &lastAccessed, &updated)
	if err != nil {
		return nil, err
	}
	if thumb.Valid && thumb.String != "" {
		a.ThumbnailHash = &thumb.String
	}
	a.CreatedAt = parseTimestamp(created.String)
	a.LastAccessedAt = parseTimestamp(lastAccessed.String)
	a.UpdatedAt = parseTimestamp(updated.String)
	return &a, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
