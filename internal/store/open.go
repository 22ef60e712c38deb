package store

import (
	"context"
	"fmt"

	"github.com/eldtechnologies/chatvault/internal/config"
)

// OpenBlobStore connects the backend selected by cfg.BlobBackend and wraps
// it in a CompressedStore.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (*CompressedStore, error) {
	var (
		backend BlobStore
		err     error
	)

	switch cfg.BlobBackend {
	case config.BackendPostgres:
		if err = RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		backend, err = NewPostgresBlobStore(ctx, cfg.DatabaseURL)
	case config.BackendSQLite:
		backend, err = NewSQLiteBlobStore(ctx, cfg.SQLitePath)
	case config.BackendNATS:
		backend, err = NewNATSBlobStore(ctx, cfg.NATSURL, cfg.NATSBucket)
	case config.BackendMemory:
		backend = NewMemoryBlobStore()
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", cfg.BlobBackend, err)
	}

	compressed, err := NewCompressedStore(backend, cfg.BlobBackend, cfg.MaxBlobBytes)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return compressed, nil
}
