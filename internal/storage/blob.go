package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// FileBlobStore keeps the state blob in a single JSON file.
type FileBlobStore struct {
	path string
}

// NewFileBlobStore returns a store writing to path.
func NewFileBlobStore(path string) (*FileBlobStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve state path: %w", err)
	}
	return &FileBlobStore{path: abs}, nil
}

// Load reads the blob, returning nil when the file does not exist.
func (s *FileBlobStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read state: %w", err)
	}
	return data, nil
}

// Save atomically replaces the blob.
func (s *FileBlobStore) Save(_ context.Context, data []byte) error {
	return writeAtomic(s.path, data)
}

// Close is a no-op.
func (s *FileBlobStore) Close() error { return nil }

const kvSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const stateKey = "state"

// SQLiteBlobStore keeps the state blob in a SQLite key-value table.
type SQLiteBlobStore struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database and applies the schema.
func OpenSQLite(dsn string) (*SQLiteBlobStore, error) {
	if dir := filepath.Dir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(kvSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLiteBlobStore{conn: conn}, nil
}

// Load returns the stored blob, or nil if none has been saved.
func (s *SQLiteBlobStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, stateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load state: %w", err)
	}
	return data, nil
}

// Save upserts the blob.
func (s *SQLiteBlobStore) Save(ctx context.Context, data []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, stateKey, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: save state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteBlobStore) Close() error {
	return s.conn.Close()
}

// OpenBlobStore returns the backend named by driver ("file" or "sqlite").
func OpenBlobStore(driver, path string) (BlobStore, error) {
	switch driver {
	case "", "file":
		return NewFileBlobStore(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("storage: unknown state driver %q", driver)
	}
}
