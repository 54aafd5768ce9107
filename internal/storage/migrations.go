package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// SQLiteMigrations contains all SQLite schema migrations in order
var SQLiteMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      sqliteV1Up,
		Down:    sqliteV1Down,
	},
	{
		Version: "1.1.0",
		Up:      `CREATE INDEX IF NOT EXISTS idx_orders_caller_created ON orders(caller_id, created_at DESC, order_id DESC);`,
		Down:    `DROP INDEX IF EXISTS idx_orders_caller_created;`,
	},
}

const sqliteV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Catalog items
CREATE TABLE IF NOT EXISTS items (
    item_id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    genre TEXT NOT NULL DEFAULT '',
    cover_url TEXT NOT NULL DEFAULT '',
    price_cents INTEGER NOT NULL CHECK (price_cents >= 0),
    stock_qty INTEGER NOT NULL CHECK (stock_qty >= 0),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Orders
CREATE TABLE IF NOT EXISTS orders (
    order_id INTEGER PRIMARY KEY AUTOINCREMENT,
    caller_id TEXT NOT NULL,
    total_cents INTEGER NOT NULL CHECK (total_cents >= 0),
    shipping_address TEXT NOT NULL CHECK (shipping_address <> ''),
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'completed', 'cancelled')),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_caller ON orders(caller_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

-- Order lines. item_id is a reference only: items may be deleted or
-- repriced without touching historical lines.
CREATE TABLE IF NOT EXISTS order_lines (
    line_id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL,
    item_id INTEGER NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    unit_price_cents INTEGER NOT NULL CHECK (unit_price_cents >= 0),
    FOREIGN KEY (order_id) REFERENCES orders(order_id) ON DELETE CASCADE,
    UNIQUE(order_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_order_lines_order ON order_lines(order_id);
CREATE INDEX IF NOT EXISTS idx_order_lines_item ON order_lines(item_id);
`

const sqliteV1Down = `
DROP TABLE IF EXISTS order_lines;
DROP TABLE IF EXISTS orders;
DROP TABLE IF EXISTS items;
DROP TABLE IF EXISTS schema_version;
`

// PostgresMigrations mirrors SQLiteMigrations for PostgreSQL
var PostgresMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      postgresV1Up,
		Down:    sqliteV1Down,
	},
	{
		Version: "1.1.0",
		Up:      `CREATE INDEX IF NOT EXISTS idx_orders_caller_created ON orders(caller_id, created_at DESC, order_id DESC);`,
		Down:    `DROP INDEX IF EXISTS idx_orders_caller_created;`,
	},
}

const postgresV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS items (
    item_id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    genre TEXT NOT NULL DEFAULT '',
    cover_url TEXT NOT NULL DEFAULT '',
    price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
    stock_qty INTEGER NOT NULL CHECK (stock_qty >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orders (
    order_id BIGSERIAL PRIMARY KEY,
    caller_id TEXT NOT NULL,
    total_cents BIGINT NOT NULL CHECK (total_cents >= 0),
    shipping_address TEXT NOT NULL CHECK (shipping_address <> ''),
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'completed', 'cancelled')),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_caller ON orders(caller_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS order_lines (
    line_id BIGSERIAL PRIMARY KEY,
    order_id BIGINT NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
    item_id BIGINT NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    unit_price_cents BIGINT NOT NULL CHECK (unit_price_cents >= 0),
    UNIQUE(order_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_order_lines_order ON order_lines(order_id);
CREATE INDEX IF NOT EXISTS idx_order_lines_item ON order_lines(item_id);
`

// pendingMigrations returns the migrations newer than current, in order
func pendingMigrations(current string, all []Migration) ([]Migration, error) {
	currentVersion := semver.MustParse("0.0.0")
	if current != "" {
		v, err := semver.NewVersion(current)
		if err != nil {
			return nil, fmt.Errorf("invalid current schema version %s: %w", current, err)
		}
		currentVersion = v
	}

	pending := make([]Migration, 0, len(all))
	for _, migration := range all {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		// Skip if already applied
		if !currentVersion.LessThan(migrationVersion) {
			continue
		}
		pending = append(pending, migration)
		currentVersion = migrationVersion
	}
	return pending, nil
}

// findMigration returns the migration with the given version
func findMigration(version string, all []Migration) (*Migration, error) {
	for i := range all {
		if all[i].Version == version {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("migration %s not found", version)
}

// currentSQLiteVersion reads the latest applied version, "" if none
func currentSQLiteVersion(ctx context.Context, db *sql.DB) (string, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return "", fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return latestVersion(versions)
}

// latestVersion returns the highest semantic version in versions, "" if empty
func latestVersion(versions []string) (string, error) {
	var latest *semver.Version
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			return "", fmt.Errorf("invalid recorded schema version %s: %w", raw, err)
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.Original(), nil
}

// ApplyMigrations runs all pending SQLite migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	current, err := currentSQLiteVersion(ctx, db)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(current, SQLiteMigrations)
	if err != nil {
		return err
	}

	for _, migration := range pending {
		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the most recent SQLite migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentSQLiteVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == "" {
		return fmt.Errorf("no migrations to rollback")
	}

	migration, err := findMigration(current, SQLiteMigrations)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", current, err)
	}

	// The first migration drops schema_version itself
	if migration.Version == SQLiteMigrations[0].Version {
		return nil
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", current, err)
	}

	return nil
}

// currentPostgresVersion reads the latest applied version, "" if none
func currentPostgresVersion(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if !exists {
		return "", nil
	}

	rows, err := pool.Query(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return "", fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return latestVersion(versions)
}

// ApplyPostgresMigrations runs all pending PostgreSQL migrations. Each
// migration and its version record commit together.
func ApplyPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	current, err := currentPostgresVersion(ctx, pool)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(current, PostgresMigrations)
	if err != nil {
		return err
	}

	for _, migration := range pending {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, migration.Up); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", migration.Version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", migration.Version, err)
		}
	}

	return nil
}
