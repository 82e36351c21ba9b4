// Package db opens the embedded SQLite database and brings its schema up
// to date.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling, a busy timeout and foreign keys enabled.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// OpenAndMigrate opens the database at path and applies pending migrations.
func OpenAndMigrate(ctx context.Context, path string) (*sql.DB, *MigrateResult, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	res, err := Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, res, nil
}
