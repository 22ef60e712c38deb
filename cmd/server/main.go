package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/chatvault/internal/api"
	"github.com/eldtechnologies/chatvault/internal/archive"
	"github.com/eldtechnologies/chatvault/internal/config"
	"github.com/eldtechnologies/chatvault/internal/handlers"
	"github.com/eldtechnologies/chatvault/internal/history"
	"github.com/eldtechnologies/chatvault/internal/realtime"
	"github.com/eldtechnologies/chatvault/internal/store"
)

const (
	availabilityInterval = 5 * time.Second
	shutdownTimeout      = 30 * time.Second
)

func main() {
	// Load configuration
	cfg := config.Load()
	instance := uuid.NewString()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("instance", instance).
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Archive
	blobs, err := store.OpenBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.BlobBackend).Msg("blob store connection failed")
	}
	defer blobs.Close()
	logger.Info().Str("backend", cfg.BlobBackend).Msg("connected to blob store")

	arch, err := archive.New(blobs, logger, archive.Options{BucketCacheSize: cfg.BucketCacheSize})
	if err != nil {
		logger.Fatal().Err(err).Msg("archive setup failed")
	}

	// Cache tier (optional)
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		defer redisStore.Close()
		if redisStore.Available() {
			logger.Info().Msg("connected to Redis")
		} else {
			logger.Warn().Msg("redis unreachable, writing straight to the archive until it returns")
		}
	} else {
		logger.Warn().Msg("REDIS_URL not set, running without the cache tier")
	}

	rt := realtime.New(redisStore, arch, logger, realtime.Options{FlushInterval: cfg.FlushInterval})
	hist := history.New(rt, arch, logger)
	h := handlers.NewHandler(hist, rt, blobs, redisStore, logger, instance)

	router := api.NewRouter(logger, h, redisStore, api.Options{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitWhitelist: cfg.RateLimitWhitelist,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rt.StartFlushWorker()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting chatvault server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if redisStore != nil {
		g.Go(func() error {
			redisStore.MonitorAvailability(gctx, availabilityInterval, logger)
			return nil
		})

		// fanout tail; losing it must not take the server down
		g.Go(func() error {
			err := rt.Subscribe(gctx, 0, nil, func(env realtime.Envelope) {
				logger.Debug().
					Str("event_id", env.EventID).
					Int64("room_id", env.RoomID).
					Int64("message_id", env.Message.ID).
					Msg("message published")
			})
			if err != nil {
				logger.Warn().Err(err).Msg("message fanout subscription ended")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)

		rt.StopFlushWorker()
		n := rt.FlushAll(shutdownCtx)
		logger.Info().Int("messages", n).Msg("final flush completed")

		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}

	logger.Info().Msg("server stopped")
}
