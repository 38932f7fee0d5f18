package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/api"
	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/orchestrator"
	"strategy-sandbox/internal/queue"
	"strategy-sandbox/internal/sandbox"
	"strategy-sandbox/internal/storage"
)

// jobStore is satisfied by both storage.DB and storage.Memory.
type jobStore interface {
	orchestrator.Store
	api.JobStore
	storage.ExecutionLogger
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	if _, err := os.Stat(configPath); err != nil {
		log.Info().Str("path", configPath).Msg("no config file found, using defaults")
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			log.Warn().Err(err).Msg("continuous profiling disabled")
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	m := monitor.NewMetrics()

	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox backends")
	}
	languages := make([]string, 0, 2)
	for _, l := range backend.Languages() {
		languages = append(languages, string(l))
	}
	if len(languages) == 0 {
		log.Warn().Msg("no sandbox backend available, every job will fail")
	}

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open job store")
	}
	defer closeStore()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open job queue")
	}

	auditWriter := storage.NewAuditWriter(store, 10000)
	auditWriter.OnDrop(func(*storage.Execution) { m.AuditDropped.Inc() })
	auditWriter.Start()

	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), store, q, backend, m, auditWriter)
	if cfg.Jobs.RecoverOnStart {
		if _, _, err := orch.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("job recovery failed")
		}
	}
	orch.Start(ctx)

	server := api.NewServer(cfg, api.Deps{
		Jobs:    orch,
		Store:   store,
		Metrics: m,
		QueueHealthy: func(ctx context.Context) bool {
			_, err := q.Len(ctx)
			return err == nil
		},
		ActiveJobs: orch.ActiveCount,
		Languages:  languages,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := orch.Stop(cfg.Server.ShutdownTimeout); err != nil {
			log.Error().Err(err).Msg("job workers did not drain")
		}
		if err := q.Close(); err != nil {
			log.Error().Err(err).Msg("queue close error")
		}
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
		auditWriter.Flush(10 * time.Second)

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", cfg.Database.DSN != "").
		Str("queue", cfg.Jobs.Queue).
		Strs("languages", languages).
		Int("workers", cfg.Jobs.Workers).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}

// openStore connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (jobStore, func(), error) {
	if cfg.DSN == "" {
		log.Warn().Msg("no database configured, jobs are kept in memory only")
		return storage.NewMemory(), func() {}, nil
	}

	db, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
	}
	return db, db.Close, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.Jobs.Queue != "redis" {
		return queue.NewMemory(cfg.Jobs.QueueSize), nil
	}
	if cfg.Database.DSN == "" {
		log.Warn().Msg("redis queue with in-memory store: queued IDs will not survive a restart")
	}
	return queue.NewRedis(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Jobs.QueueKey)
}

func startProfiler(cfg config.ProfilingConfig) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          pyroscopeLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}

// pyroscopeLogger routes profiler messages to zerolog.
type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  { log.Debug().Msgf(format, args...) }
func (pyroscopeLogger) Debugf(format string, args ...any) { log.Trace().Msgf(format, args...) }
func (pyroscopeLogger) Errorf(format string, args ...any) { log.Error().Msgf(format, args...) }
