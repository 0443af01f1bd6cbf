package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"scriptflow/internal/api"
	"scriptflow/internal/bus"
	"scriptflow/internal/config"
	"scriptflow/internal/engine"
	"scriptflow/internal/executor"
	"scriptflow/internal/gate"
	"scriptflow/internal/monitor"
	"scriptflow/internal/storage"
	"scriptflow/pkg/rules"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Authoritative in-memory store and event bus
	store := storage.NewMemory()
	eventBus := bus.New(cfg.Events.BufferSize)

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Security gate over the default browser-automation rule set
	g := gate.New(gate.Config{
		Enabled:          cfg.Security.GateEnabled,
		MaxCodeBytes:     cfg.Security.MaxCodeBytes,
		EnableQuarantine: cfg.Security.EnableQuarantine,
	}, rules.Default(), store)

	// Security metrics recorder
	recorder := monitor.NewRecorder(eventBus, store, auditWriter, metrics, cfg.Metrics.SnapshotInterval)
	recorder.Start()

	// Execution engine over the goja script executor
	engineOpts := []engine.Option{
		engine.WithAuditWriter(auditWriter),
		engine.WithDecisionObserver(recorder),
	}
	if cfg.Tracing.Enabled {
		engineOpts = append(engineOpts, engine.WithTracer(monitor.NewTracer()))
	}
	mgr, err := engine.New(engine.Settings{
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		MaxQueueDepth:  cfg.Engine.MaxQueueDepth,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		MaxTimeout:     cfg.Engine.MaxTimeout,
	}, store, eventBus, g, executor.NewGoja(executor.DefaultConfig()), engineOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}

	metrics.RegisterEngineGauges(
		func() float64 { return float64(mgr.RunningCount()) },
		func() float64 { return float64(mgr.QueueDepth()) },
		func() float64 { return float64(eventBus.Dropped()) },
	)

	grp, grpCtx := errgroup.WithContext(ctx)

	// Prune old terminal executions from the database on a daily tick.
	if db != nil && cfg.Retention.LogRetentionDays > 0 {
		retention := time.Duration(cfg.Retention.LogRetentionDays) * 24 * time.Hour
		grp.Go(func() error {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-grpCtx.Done():
					return nil
				case <-ticker.C:
					n, err := db.PruneLogs(grpCtx, retention)
					if err != nil {
						log.Error().Err(err).Msg("retention prune failed")
						continue
					}
					log.Info().Int64("deleted", n).Msg("retention prune completed")
				}
			}
		})
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, mgr, store, eventBus, db, recorder, metrics)

	// Graceful shutdown
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

		if err := mgr.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("engine stop error")
		}

		recorder.Stop()
		eventBus.Close()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("gate_enabled", cfg.Security.GateEnabled).
		Int("max_concurrent", cfg.Engine.MaxConcurrent).
		Msg("server starting")

	grp.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := grp.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
