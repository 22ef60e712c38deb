package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/metrics"
)

// RedisStore is the cache tier client. Callers check Available before every
// operation; the cache may be down for long stretches and nothing in the
// history path depends on it for durability.
type RedisStore struct {
	client    *redis.Client
	available atomic.Bool
}

// NewRedisStore creates a new Redis store. An unreachable server is not an
// error: the store starts out unavailable and MonitorAvailability flips it
// once the server answers.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	s := NewRedisStoreFromClient(redis.NewClient(opts))
	s.setAvailable(s.client.Ping(ctx).Err() == nil)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client and marks it available.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	s := &RedisStore{client: client}
	s.setAvailable(true)
	return s
}

// Client exposes the underlying go-redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Available reports whether the cache tier may be used. A nil store is
// never available.
func (s *RedisStore) Available() bool {
	return s != nil && s.available.Load()
}

// SetAvailable overrides the availability flag until the next monitor probe.
func (s *RedisStore) SetAvailable(ok bool) {
	s.setAvailable(ok)
}

func (s *RedisStore) setAvailable(ok bool) {
	s.available.Store(ok)
	if ok {
		metrics.CacheAvailable.Set(1)
	} else {
		metrics.CacheAvailable.Set(0)
	}
}

// MonitorAvailability pings Redis every interval until ctx is done, updating
// the availability flag and logging every transition.
func (s *RedisStore) MonitorAvailability(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.Ping(pingCtx)
			cancel()

			was := s.Available()
			s.setAvailable(err == nil)

			switch {
			case was && err != nil:
				logger.Warn().Err(err).Msg("redis unavailable, falling back to direct archive writes")
			case !was && err == nil:
				logger.Info().Msg("redis available again")
			}
		}
	}
}
