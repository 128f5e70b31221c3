package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mood-ensemble/internal/api"
	"mood-ensemble/internal/cfg"
	"mood-ensemble/internal/common"
	"mood-ensemble/internal/ensemble"
	"mood-ensemble/internal/metrics"
	"mood-ensemble/internal/ml"
	"mood-ensemble/internal/sequence"
	"mood-ensemble/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.System)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolveModelPaths(&c)

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	scorer := initializeScorer(ctx, c, mw)
	encoder := initializeEncoder(c, mw)
	store := initializeStorage(c, mw)
	if store != nil {
		defer store.Close()
	}

	deps := ensemble.Deps{
		Scorer:  scorer,
		Encoder: encoder,
		Builder: sequence.NewBuilder(c.Models.SequenceDays, time.UTC),
		Metrics: mw,
	}
	// A typed nil store must not reach the interface.
	var writer api.ActivityWriter
	if store != nil {
		deps.Activities = store
		writer = store
	}

	coord, err := ensemble.NewCoordinator(c.Ensemble, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create ensemble coordinator")
	}

	srv := api.NewServer(coord, writer, c.System.MetricsPort)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown ops server")
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("coordinator shutdown timed out")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging(sys cfg.SystemSettings) {
	level, err := zerolog.ParseLevel(sys.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(sys.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// resolveModelPaths swaps in the active registry versions when a models
// directory is present.
func resolveModelPaths(c *cfg.Settings) {
	dir := c.Models.ModelsDirectory
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		return
	}

	registry, err := ml.NewModelRegistry(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("model registry unavailable, using configured paths")
		return
	}
	c.ResolveModelPaths(registry)
	log.Info().
		Str("classifier", c.Models.ClassifierPath).
		Str("pat", c.Models.PATModelPath).
		Msg("model paths resolved")
}

func initializeScorer(ctx context.Context, c cfg.Settings, mw *metrics.MetricsWrapper) ml.Scorer {
	if c.Models.Backend == common.BackendRemote {
		return ml.NewRemoteClassifier(ctx, c.RemoteConfig(), mw)
	}

	classifier, err := ml.NewMoodClassifier(c.ClassifierConfig(), mw)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create mood classifier")
	}
	if !classifier.IsLoaded() {
		log.Warn().Str("path", c.Models.ClassifierPath).Msg("mood classifier unavailable, predictions will be neutral")
	}
	return classifier
}

// initializeEncoder returns nil when PAT features are disabled.
func initializeEncoder(c cfg.Settings, mw *metrics.MetricsWrapper) ml.SequenceEncoder {
	if !c.Ensemble.UsePATFeatures {
		return nil
	}
	encoder, err := ml.NewPATEncoder(c.EncoderConfig(), mw)
	if err != nil {
		log.Warn().Err(err).Msg("activity encoder unavailable, continuing with primary model only")
		return nil
	}
	return encoder
}

// initializeStorage opens the activity store under DATA_PATH.
func initializeStorage(c cfg.Settings, mw *metrics.MetricsWrapper) *storage.Store {
	if err := os.MkdirAll(c.System.DataPath, 0o750); err != nil {
		log.Warn().Err(err).Str("path", c.System.DataPath).Msg("failed to create data directory, continuing without persistence")
		return nil
	}
	store, err := storage.NewWithMetrics(c.System.DataPath, mw)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

func waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}
	log.Info().Msg("shutting down gracefully...")
}
