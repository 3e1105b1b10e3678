// Package db persists finished runs to SQLite.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA foreign_keys=ON;",
	"PRAGMA journal_mode=WAL;",
	"PRAGMA busy_timeout=5000;",
}

// Open opens the run archive at path and brings its schema up to date.
// A single connection is kept so archive writes never contend on the file.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := configure(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	version, err := migrate(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("archive", path).Int64("schema_version", version).Msg("run archive ready")
	return conn, nil
}

// configure applies the connection pragmas. WAL is best effort: in-memory
// and some network filesystems refuse it.
func configure(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range pragmas {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if stmt == "PRAGMA journal_mode=WAL;" {
				log.Warn().Err(err).Msg("run archive: WAL mode not enabled")
				continue
			}
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

// migrate applies the embedded migrations and returns the resulting version.
func migrate(ctx context.Context, conn *sql.DB) (int64, error) {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "migrations"); err != nil {
		return 0, fmt.Errorf("migrate run archive: %w", err)
	}
	return SchemaVersion(ctx, conn)
}

// SchemaVersion reports the archive's applied migration version.
func SchemaVersion(ctx context.Context, conn *sql.DB) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("read archive schema version: %w", err)
	}
	return version, nil
}
