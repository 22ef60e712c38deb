package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS chat_blobs (
		key        TEXT PRIMARY KEY,
		data       BYTEA NOT NULL,
		size       INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

// PostgresBlobStore stores blobs in a PostgreSQL table.
type PostgresBlobStore struct {
	pool *pgxpool.Pool
}

// RunMigrations creates the blob table if it does not exist.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}

// NewPostgresBlobStore creates a new PostgreSQL blob store with a connection pool.
func NewPostgresBlobStore(ctx context.Context, databaseURL string) (*PostgresBlobStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBlobStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresBlobStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresBlobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get retrieves the blob stored at key.
func (s *PostgresBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM chat_blobs WHERE key = $1
	`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put overwrites the blob stored at key.
func (s *PostgresBlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_blobs (key, data, size, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, size = EXCLUDED.size, updated_at = now()
	`, key, data, len(data))
	return err
}

// TotalBytes returns the number of bytes currently stored.
func (s *PostgresBlobStore) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM chat_blobs`).Scan(&total)
	return total, err
}
