package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ravenclaw-b/deepalts/internal/adminserver"
	"github.com/ravenclaw-b/deepalts/internal/config"
	"github.com/ravenclaw-b/deepalts/internal/graph"
	"github.com/ravenclaw-b/deepalts/internal/history"
	"github.com/ravenclaw-b/deepalts/internal/observability"
	"github.com/ravenclaw-b/deepalts/internal/reputation"
	"github.com/ravenclaw-b/deepalts/internal/service"
	"github.com/ravenclaw-b/deepalts/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("storage_backend", cfg.Storage.Backend).
		Str("storage_dir", cfg.Storage.Dir).
		Msg("deepalts starting")

	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	registry := observability.DetectorMetrics()
	oracle := reputation.NewHTTPClient(cfg.Reputation.Endpoint,
		time.Duration(cfg.Reputation.TimeoutSeconds)*time.Second)
	cache := reputation.NewCache(reputation.CacheConfig{
		Budget:  cfg.Reputation.Budget,
		Window:  time.Duration(cfg.Reputation.WindowSeconds) * time.Second,
		Recheck: time.Duration(cfg.Reputation.RecheckMinutes) * time.Minute,
	}, oracle, registry)

	detector := service.New(cfg, history.NewLedger(), graph.New(), cache, st, registry)
	if err := detector.Reload(); err != nil {
		log.Fatal().Err(err).Msg("failed to load persisted state")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	detector.Start(ctx)

	var admin *adminserver.Server
	if cfg.Admin.Enabled {
		admin = adminserver.New(cfg.Admin, detector, nil, registry)
		go func() {
			if err := admin.Start(); err != nil {
				log.Error().Err(err).Msg("admin server failed")
				cancel()
			}
		}()
	}

	<-ctx.Done()

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown failed")
		}
		shutdownCancel()
	}

	if err := detector.SaveAll(); err != nil {
		log.Error().Err(err).Msg("final save failed")
	}
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
	log.Info().Msg("deepalts shutdown complete")
}

// loadConfig falls back to defaults when no config file exists at the
// default path.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro

	var logger zerolog.Logger
	if cfg.General.LogFormat == "text" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	log.Logger = logger.With().
		Timestamp().
		Str("service", "deepalts").
		Logger()
}
