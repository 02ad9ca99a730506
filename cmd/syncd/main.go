package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowdeck/syncd/internal/api"
	"github.com/flowdeck/syncd/internal/config"
	"github.com/flowdeck/syncd/internal/health"
	"github.com/flowdeck/syncd/internal/metrics"
	"github.com/flowdeck/syncd/internal/notify"
	"github.com/flowdeck/syncd/internal/outbox"
	"github.com/flowdeck/syncd/internal/remote"
	"github.com/flowdeck/syncd/internal/store"
	"github.com/flowdeck/syncd/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML overrides file")
	flag.Parse()

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("SYNCD_ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.LoadWithOverrides(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Bool("backend_configured", cfg.BackendEnabled()).
		Msg("starting sync service")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Durable stores
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open action store")
	}
	defer st.Close()
	snapshots := store.NewSnapshotStore(cfg.SnapshotPath, logger)

	// Remote backend
	var backend remote.Backend
	if cfg.BackendEnabled() {
		backend = remote.NewClient(cfg, logger)
	} else {
		logger.Info().Msg("no backend configured — queue accepts actions but cannot drain")
	}

	hub := notify.NewHub(logger)
	m := metrics.New()

	ob, err := outbox.New(cfg, backend, st, snapshots, hub, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to restore outbox")
	}
	defer ob.Close()

	tr := tracker.New(tracker.Config{
		LockTTL:          cfg.LockTTL,
		ChangeRatioLimit: cfg.ChangeRatioLimit,
	}, logger)

	checker := health.NewChecker(logger)
	checker.Register("store", health.DatabaseCheck(st.DB()))
	checker.Register("backend", health.OnlineCheck(ob.Online))

	server := api.NewServer(cfg, ob, tr, hub, checker, m, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api server error")
		}
	}()

	// Assume connectivity at startup when a backend is configured; the UI
	// flips this as the browser's network state changes.
	if cfg.BackendEnabled() {
		ob.SetOnline(true)
	}

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("sync service stopped")
}
