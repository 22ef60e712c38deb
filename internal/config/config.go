package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Blob backends accepted in BLOB_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendNATS     = "nats"
	BackendMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string
	RedisURL string

	// Archive storage
	BlobBackend  string
	DatabaseURL  string
	SQLitePath   string
	NATSURL      string
	NATSBucket   string
	MaxBlobBytes int

	// Write-behind cache
	FlushInterval   time.Duration
	BucketCacheSize int

	CORSOrigins        []string // allowed origins for the HTTP API
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on an in-memory archive.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RedisURL:        os.Getenv("REDIS_URL"),
		BlobBackend:     strings.ToLower(getEnv("BLOB_BACKEND", BackendSQLite)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      getEnv("SQLITE_PATH", "./data/chatvault.db"),
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		NATSBucket:      getEnv("NATS_BUCKET", "chat-history"),
		MaxBlobBytes:    getEnvInt("MAX_BLOB_BYTES", 8<<20),
		FlushInterval:   getEnvDuration("FLUSH_INTERVAL", 5*time.Second),
		BucketCacheSize: getEnvInt("BUCKET_CACHE_SIZE", 0),
	}

	cfg.CORSOrigins = getEnvList("CORS_ORIGINS")
	cfg.RateLimitWhitelist = getEnvList("RATE_LIMIT_WHITELIST")
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	// The cache tier is optional everywhere; the archive is not.
	if cfg.Env == "production" && cfg.BlobBackend == BackendMemory {
		panic("BLOB_BACKEND=memory is not allowed in production")
	}
	if cfg.BlobBackend == BackendPostgres && cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required for the postgres blob backend")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
