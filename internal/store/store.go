package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // The database driver
)

// Item lifecycle statuses.
const (
	StatusPending     = "PENDING"
	StatusDownloading = "DOWNLOADING"
	StatusCompleted   = "COMPLETED"
	StatusFailed      = "FAILED"
)

// Store is the handle to the persistent state. It is the single source of
// truth for whether an item has been fully processed.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and returns a Store handle.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}
