package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_blobs (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLiteStore is the durable physical store. The whole mapping lives in one
// key/value table and Load/Save move it in and out wholesale — the contract
// is a blob store, not a queryable database.
//
// Only this type may open or query the database; everything else goes through
// the [Store] interface.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// DefaultDBPath returns the default path for the snapshot database:
// ~/.local/share/ms365calsync/events.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ms365calsync", "events.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the full mapping.
func (s *SQLiteStore) Load(ctx context.Context) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Save replaces the full mapping in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, data Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, data)
}

// Update applies fn while the store's lock is held, so the read-modify-write
// of nested scopes cannot interleave.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Blob) (Blob, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	updated, err := fn(current)
	if err != nil {
		return err
	}
	return s.saveLocked(ctx, updated)
}

func (s *SQLiteStore) loadLocked(ctx context.Context) (Blob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM calendar_blobs`)
	if err != nil {
		return nil, fmt.Errorf("loading store: %w", err)
	}
	defer func() { _ = rows.Close() }()

	data := Blob{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning store row: %w", err)
		}
		data[key] = []byte(value)
	}
	return data, rows.Err()
}

func (s *SQLiteStore) saveLocked(ctx context.Context, data Blob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning store save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_blobs`); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	for key, value := range data {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO calendar_blobs (key, value) VALUES (?, ?)`,
			key, string(value),
		)
		if err != nil {
			return fmt.Errorf("saving store key %q: %w", key, err)
		}
	}
	return tx.Commit()
}
