// Package store owns the SQLite file a property database is loaded into:
// connection setup, the canonical schema, durability settings during the
// bulk load, and the schema version that marks a store as complete.
package store

import (
	"context"
	"database/sql"
	"net/url"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// DriverName is the database/sql driver registered by ncruces/go-sqlite3.
const DriverName = "sqlite3"

// Durability modes.
const (
	// DurabilityFast disables the rollback journal and fsync for the load.
	// A crash mid-load leaves a corrupt file, which is acceptable because an
	// unfinished store is never used.
	DurabilityFast = "fast"
	// DurabilitySafe keeps the engine defaults.
	DurabilitySafe = "safe"
)

func dsn(path string, params url.Values) string {
	u := url.URL{Scheme: "file", Path: path, RawQuery: params.Encode()}
	return u.String()
}

// OpenWritable opens path for the bulk load on a single connection. Pragmas
// are per connection, so the pool must never open a second one.
func OpenWritable(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn(path, url.Values{"mode": {"rwc"}}))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLoad, "failed to open store").WithDetail("path", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeLoad, "failed to open store").WithDetail("path", path)
	}
	return db, nil
}

// OpenReadOnly opens a finished store for queries. Writes are refused by
// both the open mode and query_only.
func OpenReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn(path, url.Values{
		"mode":    {"ro"},
		"_pragma": {"query_only(1)", "busy_timeout(5000)"},
	}))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePrecondition, "failed to open store").WithDetail("path", path)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypePrecondition, "failed to open store").WithDetail("path", path)
	}
	return db, nil
}

// ApplyDurability configures the connection for the load.
func ApplyDurability(ctx context.Context, db *sql.DB, mode string) error {
	switch mode {
	case DurabilitySafe:
		return nil
	case DurabilityFast, "":
		return pragmas(ctx, db, "PRAGMA journal_mode = OFF", "PRAGMA synchronous = OFF")
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown durability mode %q", mode)
	}
}

// RestoreDurability re-enables the rollback journal and full fsync.
func RestoreDurability(ctx context.Context, db *sql.DB) error {
	return pragmas(ctx, db, "PRAGMA journal_mode = DELETE", "PRAGMA synchronous = FULL")
}

func pragmas(ctx context.Context, db *sql.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeLoad, "failed to set durability").WithDetail("statement", stmt)
		}
	}
	return nil
}

// Version returns the schema version stamped in the store, 0 for a store
// that was never finalized.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePrecondition, "failed to read schema version")
	}
	return v, nil
}

// JournalMode reports the current journal mode of the connection.
func JournalMode(ctx context.Context, db *sql.DB) (string, error) {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to read journal mode")
	}
	return mode, nil
}
