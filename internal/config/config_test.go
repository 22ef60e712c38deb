package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("BLOB_BACKEND", "")
	t.Setenv("FLUSH_INTERVAL", "")
	t.Setenv("CORS_ORIGINS", "")
	t.Setenv("MAX_BLOB_BYTES", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendSQLite, cfg.BlobBackend)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 8<<20, cfg.MaxBlobBytes)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "NATS")
	t.Setenv("FLUSH_INTERVAL", "250ms")
	t.Setenv("BUCKET_CACHE_SIZE", "64")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")

	cfg := Load()

	assert.Equal(t, BackendNATS, cfg.BlobBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 64, cfg.BucketCacheSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadIgnoresBadNumbers(t *testing.T) {
	t.Setenv("FLUSH_INTERVAL", "soon")
	t.Setenv("MAX_BLOB_BYTES", "lots")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 8<<20, cfg.MaxBlobBytes)
}

func TestLoadRejectsMemoryArchiveInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("BLOB_BACKEND", "memory")

	assert.Panics(t, func() { Load() })
}
