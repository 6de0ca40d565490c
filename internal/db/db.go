package db

import (
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
)

// OpenSQLite opens a SQLite database at path and applies the connection
// pragmas shared by every store. ":memory:" yields a private in-memory db.
func OpenSQLite(path string) (*sqlx.DB, error) {
	pool, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY and keeps :memory: databases
	// on one connection.
	pool.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL"} {
		if _, err := pool.Exec(pragma); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	slog.Debug("sqlite database opened", "db.path", path)
	return pool, nil
}
