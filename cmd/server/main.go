package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coderunner/internal/api"
	"coderunner/internal/auth"
	"coderunner/internal/config"
	"coderunner/internal/evaluator"
	"coderunner/internal/history"
	"coderunner/internal/monitor"
	"coderunner/internal/runtime"
	"coderunner/internal/scratch"
	"coderunner/internal/storage"
	"coderunner/internal/supervisor"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := monitor.SetupTracing(cfg.Tracing, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	metrics := monitor.NewMetrics()

	dir, err := scratch.New(cfg.Supervisor.ScratchDir)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Supervisor.ScratchDir).Msg("failed to prepare scratch directory")
	}
	if n, err := dir.CleanupOrphaned(); err != nil {
		log.Warn().Err(err).Msg("failed to clean orphaned scratch files")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("removed orphaned scratch files")
	}

	// Database is optional unless it backs history.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err == nil {
			err = db.Migrate(ctx)
		}
		if err != nil {
			if cfg.History.Backend == "postgres" {
				log.Fatal().Err(err).Msg("database required for postgres history backend")
			}
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			if db != nil {
				db.Close()
				db = nil
			}
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
	}

	var rdb *redis.Client
	var users history.Store
	switch cfg.History.Backend {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, history writes will fail until it is")
		}
		users = history.NewRedisStore(rdb)
	case "postgres":
		users = db
	default:
		users = history.NewFileStore(cfg.History.UserDir)
	}
	recorder := history.NewRecorder(users, history.NewJSONStore(cfg.History.GuestFile), cfg.History.Limit)
	recorder.SetObserver(metrics.RecordHistory)

	var verifier auth.Verifier = auth.GuestVerifier{}
	if cfg.Auth.JWTSecret != "" {
		jv, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create token verifier")
		}
		verifier = jv
	}

	sup, err := supervisor.New(supervisor.Options{
		Runtimes:     runtime.NewRegistry(cfg.Supervisor.Interpreter),
		Scratch:      dir,
		History:      recorder,
		Timeout:      cfg.Supervisor.Timeout,
		MaxLineBytes: cfg.Supervisor.MaxLineBytes,

		MaxRetainedLines: cfg.Supervisor.MaxRetainedLines,
		MaxRetainedBytes: cfg.Supervisor.MaxRetainedBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create supervisor")
	}

	eval := evaluator.New(evaluator.Options{
		Timeout:       cfg.Evaluator.Timeout,
		DrainWindow:   cfg.Evaluator.DrainWindow,
		MaxLogEntries: cfg.Evaluator.MaxLogEntries,
	})

	server := api.NewServer(cfg, api.Deps{
		Evaluator:  eval,
		Supervisor: sup,
		History:    recorder,
		Verifier:   verifier,
		DB:         db,
		Audit:      auditWriter,
		Metrics:    metrics,
	})

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := sup.Close(); err != nil {
			log.Error().Err(err).Msg("supervisor close error")
		}
		if auditWriter != nil {
			auditWriter.Flush(10 * time.Second)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		if db != nil {
			db.Close()
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("history_backend", cfg.History.Backend).
		Bool("db_enabled", db != nil).
		Bool("auth_enabled", cfg.Auth.JWTSecret != "").
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-done
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("invalid environment overrides")
	}
	return cfg
}
