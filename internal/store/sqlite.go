package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBlobStore stores blobs in a local SQLite database.
type SQLiteBlobStore struct {
	db *sql.DB
}

// NewSQLiteBlobStore creates a new SQLite blob store.
// If dbPath is empty, defaults to "./data/chatvault.db"
func NewSQLiteBlobStore(ctx context.Context, dbPath string) (*SQLiteBlobStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatvault.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteBlobStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates the blob table if it doesn't exist.
func (s *SQLiteBlobStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		size INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteBlobStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteBlobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves the blob stored at key.
func (s *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM chat_blobs WHERE key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put overwrites the blob stored at key.
func (s *SQLiteBlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_blobs (key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		SET data = excluded.data, size = excluded.size, updated_at = excluded.updated_at
	`, key, data, len(data), time.Now().UTC())
	return err
}

// TotalBytes returns the number of bytes currently stored.
func (s *SQLiteBlobStore) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM chat_blobs`).Scan(&total)
	return total, err
}
