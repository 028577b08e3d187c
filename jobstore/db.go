package jobstore

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(10000)",
	"synchronous(NORMAL)",
}

// OpenDB opens an SQLite database with WAL and busy_timeout pragmas set on
// every pooled connection. ":memory:" yields a single-connection database.
func OpenDB(path string) (*sql.DB, error) {
	memory := path == ":memory:" || path == ""
	dsn := ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("jobstore: mkdir: %w", err)
		}
		dsn = "file:" + path
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	dsn += "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open: %w", err)
	}
	if memory {
		// each :memory: connection is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: ping: %w", err)
	}
	return db, nil
}
