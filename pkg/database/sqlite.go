package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteDB is the embedded single-user session store backend
type SQLiteDB struct {
	DB   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// every pooled connection to ":memory:" would see its own empty database
	if memory {
		db.SetMaxOpenConns(1)
	}

	pragmas := `
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`
	if !memory {
		pragmas += `PRAGMA journal_mode = WAL;`
	}
	if _, err := db.ExecContext(ctx, pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	return &SQLiteDB{DB: db, path: path}, nil
}

// Path returns the file the database was opened from
func (s *SQLiteDB) Path() string {
	return s.path
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLiteDB) Close() error {
	return s.DB.Close()
}
