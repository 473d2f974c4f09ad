// Package storage is the SQLite layer: the durable document backend of a hub
// and the contact cache of a peer.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database in a hub or peer directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates data.db in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return openPath(filepath.Join(dir, "data.db"))
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*DB, error) {
	return openPath(":memory:")
}

func openPath(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _documents (
			path        TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			doc_id      TEXT NOT NULL,
			data        TEXT NOT NULL,
			version     INTEGER NOT NULL,
			seq         INTEGER NOT NULL,
			create_time INTEGER NOT NULL,
			update_time INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS _documents_collection ON _documents (collection, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _contacts (
			user_id   TEXT PRIMARY KEY,
			name      TEXT DEFAULT '',
			email     TEXT DEFAULT '',
			role      TEXT DEFAULT '',
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
