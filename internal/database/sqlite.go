package database

import (
	"context"
	"database/sql"
	"fmt"

	// registers the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens the database at path with WAL journaling and a busy
// timeout. ":memory:" is pinned to a single connection so every caller sees
// the same database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return db, nil
}
