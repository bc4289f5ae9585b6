package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/DaVOVAN/StudentCalendarApp/internal/api"
	"github.com/DaVOVAN/StudentCalendarApp/internal/calendars"
	"github.com/DaVOVAN/StudentCalendarApp/internal/session"
	"github.com/DaVOVAN/StudentCalendarApp/pkg/config"
	"github.com/DaVOVAN/StudentCalendarApp/pkg/retry"
	"github.com/DaVOVAN/StudentCalendarApp/pkg/storage"
)

func main() {
	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("storage", cfg.Storage.Backend).
		Msg("Starting calendar sync daemon")

	ctx := context.Background()

	// Initialize storage
	store, cleanup, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer cleanup()

	// Initialize API client, session manager and sync engine
	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	sessions := session.NewManager(client, store, cfg.Session.RefreshWindow)
	engine := calendars.NewEngine(client, store, sessions)

	// A failed Resume means no usable session exists, not even guest.
	if err := sessions.Resume(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to establish a session")
	}
	if err := engine.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap calendar state")
	}

	// Background timers: proactive token refresh and periodic resync
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+cfg.Session.RefreshCheckInterval.String(), func() {
		sessions.CheckExpiry(ctx)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule expiry probe")
	}
	if _, err := scheduler.AddFunc("@every "+cfg.Sync.ResyncInterval.String(), func() {
		engine.ResyncTick(ctx)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule calendar resync")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Local observability endpoint
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         cfg.Metrics.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Metrics endpoint started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Metrics endpoint failed")
		}
	}()

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics endpoint forced to shutdown")
	}

	log.Info().Msg("Stopped gracefully")
}

// newStore builds the configured storage backend. The returned cleanup
// is safe to call on every backend.
func newStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return storage.NewMemoryStore(), func() {}, nil

	case config.StorageFile:
		store, err := storage.NewFileStore(cfg.Storage.File)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := storage.NewRedisStore(client)
		if err := retry.Do(ctx, retry.StorageConfig(), func() error {
			return store.Ping(ctx)
		}); err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close redis connection")
			}
		}, nil
	}

	// Unreachable after config validation.
	return storage.NewMemoryStore(), func() {}, nil
}
