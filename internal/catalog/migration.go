package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// legacySchema is the v1 layout: no thumbnail reference, no version table.
// Kept so tests can build a legacy catalog and exercise the upgrade path.
const legacySchema = `
CREATE TABLE IF NOT EXISTS assets (
	hash TEXT PRIMARY KEY,
	original_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	width INTEGER DEFAULT 0,
	height INTEGER DEFAULT 0,
	ref_count INTEGER DEFAULT 1,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	last_accessed_at DATETIME
)`

const currentSchema = `
CREATE TABLE IF NOT EXISTS assets (
	hash TEXT PRIMARY KEY,
	original_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	thumbnail_hash TEXT,
	thumbnail_bytes INTEGER NOT NULL DEFAULT 0,
	ref_count INTEGER NOT NULL DEFAULT 1,
	created_at TEXT,
	last_accessed_at TEXT,
	updated_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_assets_ref_count ON assets(ref_count);
CREATE INDEX IF NOT EXISTS idx_assets_thumbnail ON assets(thumbnail_hash);
CREATE TABLE IF NOT EXISTS catalog_schema_version (
	version INTEGER PRIMARY KEY
)`

// requiredColumns must all exist after migration.
var requiredColumns = []string{
	"hash", "original_name", "mime_type", "size_bytes", "width", "height",
	"thumbnail_hash", "thumbnail_bytes", "ref_count",
	"created_at", "last_accessed_at", "updated_at",
}

// RunMigrations brings the database to CurrentSchemaVersion. A database with
// no tables is created at the current version directly.
func (c *SQLiteCatalog) RunMigrations(ctx context.Context) error {
	version, err := c.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	if version == 0 {
		return c.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, currentSchema); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			return setVersion(ctx, tx, CurrentSchemaVersion)
		})
	}

	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: catalog version %d is newer than supported version %d",
			ErrSchema, version, CurrentSchemaVersion)
	}

	if version < 2 {
		if err := c.inTx(ctx, func(tx *sql.Tx) error { return migrateToV2(ctx, tx) }); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	if version < 3 {
		if err := c.inTx(ctx, func(tx *sql.Tx) error { return migrateToV3(ctx, tx) }); err != nil {
			return fmt.Errorf("migration to v3 failed: %w", err)
		}
	}

	return nil
}

// SchemaVersion returns the stored version: 0 for an empty database, 1 for a
// legacy catalog that predates the version table.
func (c *SQLiteCatalog) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, c.db)
}

func schemaVersion(ctx context.Context, q queryer) (int, error) {
	hasVersionTable, err := tableExists(ctx, q, "catalog_schema_version")
	if err != nil {
		return 0, err
	}
	if !hasVersionTable {
		hasAssets, err := tableExists(ctx, q, "assets")
		if err != nil {
			return 0, err
		}
		if hasAssets {
			return 1, nil
		}
		return 0, nil
	}

	var version int
	err = q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 1) FROM catalog_schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrateToV2 adds the thumbnail reference and the version table.
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS catalog_schema_version (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return err
	}

	if err := addColumn(ctx, tx, "assets", "thumbnail_hash", "TEXT"); err != nil {
		return err
	}

	return setVersion(ctx, tx, 2)
}

// migrateToV3 adds thumbnail size accounting and the refcount change time.
func migrateToV3(ctx context.Context, tx *sql.Tx) error {
	if err := addColumn(ctx, tx, "assets", "thumbnail_bytes", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumn(ctx, tx, "assets", "updated_at", "TEXT"); err != nil {
		return err
	}

	stmts := []string{
		// Existing rows have no better signal than their last access or creation.
		`UPDATE assets SET updated_at = COALESCE(last_accessed_at, created_at) WHERE updated_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_assets_ref_count ON assets(ref_count)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_thumbnail ON assets(thumbnail_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return setVersion(ctx, tx, 3)
}

// CheckSchema verifies every required column is present and the version is
// current. Returns an error wrapping ErrSchema otherwise.
func (c *SQLiteCatalog) CheckSchema(ctx context.Context) error {
	version, err := c.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version != CurrentSchemaVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrSchema, version, CurrentSchemaVersion)
	}
	for _, col := range requiredColumns {
		ok, err := columnExists(ctx, c.db, "assets", col)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: assets.%s missing", ErrSchema, col)
		}
	}
	return nil
}

func setVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO catalog_schema_version (version) VALUES (?)`, version)
	return err
}

// addColumn adds a column unless it exists; SQLite has no ADD COLUMN IF NOT EXISTS.
func addColumn(ctx context.Context, q queryer, table, column, decl string) error {
	ok, err := columnExists(ctx, q, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

func columnExists(ctx context.Context, q queryer, table, column string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var found string
	err := q.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`,
		name,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", name, err)
	}
	return true, nil
}
