// Package db provides the SQL database that backs workrun's repositories.
//
// SQLite (modernc.org/sqlite) is the default; PostgreSQL is reached through the
// pgx stdlib driver. Schema files are embedded and applied by Migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/randalmurphal/workrun/internal/db/driver"
)

// SchemaType is the migration file prefix for workrun tables.
const SchemaType = "workrun"

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

// DB wraps a database connection with driver abstraction.
type DB struct {
	driver driver.Driver
	dsn    string
}

// Open opens a database of the given dialect and applies migrations.
// For SQLite the parent directory of dsn is created if needed.
func Open(ctx context.Context, dialect driver.Dialect, dsn string) (*DB, error) {
	if dialect == driver.DialectSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	d := &DB{driver: drv, dsn: dsn}
	if err := d.Migrate(ctx); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return d, nil
}

// OpenInMemory opens a migrated in-memory SQLite database.
// Each call creates a new isolated database.
func OpenInMemory() (*DB, error) {
	return Open(context.Background(), driver.DialectSQLite, ":memory:")
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.driver.Migrate(ctx, &embedFSAdapter{fs: schemaFS}, SchemaType); err != nil {
		return fmt.Errorf("migrate %s: %w", d.driver.Dialect(), err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// DSN returns the connection string the database was opened with.
func (d *DB) DSN() string {
	return d.dsn
}

// Driver returns the underlying driver for dialect-specific operations.
func (d *DB) Driver() driver.Driver {
	return d.driver
}

// Dialect returns the database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}

// Rebind rewrites ? placeholders for the database dialect.
func (d *DB) Rebind(query string) string {
	return driver.Rebind(d.driver, query)
}

// ExecContext executes a query without returning rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.driver.Exec(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.driver.Query(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.driver.QueryRow(ctx, query, args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (driver.Tx, error) {
	return d.driver.BeginTx(ctx, opts)
}
