package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/meeting-relay-service/internal/batch"
	"github.com/voicebridge/meeting-relay-service/internal/config"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
	"github.com/voicebridge/meeting-relay-service/internal/relay"
	"github.com/voicebridge/meeting-relay-service/internal/server"
	"github.com/voicebridge/meeting-relay-service/internal/store"
	"github.com/voicebridge/meeting-relay-service/internal/transcription"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	// Best-effort: local development keeps secrets in .env, production
	// injects real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Starting meeting relay service",
		slog.String("config", *configPath),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.Bool("storage_enabled", cfg.Storage.Enabled),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	backend, err := transcription.New(transcription.Config{
		Provider:      cfg.Transcription.Provider,
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeout(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("failed to create transcription backend: %w", err)
	}

	var transcriptStore store.TranscriptStore
	if cfg.Storage.Enabled {
		mongoStore, err := store.NewMongoStore(context.Background(), store.MongoConfig{
			URI:        cfg.Storage.URI,
			Database:   cfg.Storage.Database,
			Collection: cfg.Storage.Collection,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect transcript store: %w", err)
		}
		transcriptStore = mongoStore
	} else {
		transcriptStore = store.NewNoopStore()
		logger.Info("Transcript storage disabled, transcripts are forward-only")
	}

	manager := relay.NewManager(relay.ManagerConfig{
		Batch: batch.Config{
			FlushInterval: cfg.Batch.GetFlushInterval(),
			SubmitTimeout: cfg.Batch.GetSubmitTimeout(),
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			ScratchDir:    cfg.Batch.ScratchDir,
		},
		IdleTimeout:     cfg.Server.GetIdleTimeout(),
		CleanupInterval: cfg.Server.GetCleanupPeriod(),
	}, backend, transcriptStore, logger, m)

	wsServer := server.NewWSServer(cfg.Server, manager, logger, m)
	if err := wsServer.Start(); err != nil {
		return err
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, cfg, manager, logger, m)
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	// Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Shutdown signal received",
		slog.String("signal", sig.String()),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownGrace())
	defer cancel()

	// Stop accepting new work first, then drain the relays (each performs
	// a final awaited flush), then release external resources.
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error",
				slog.String("error", err.Error()),
			)
		}
	}
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("WebSocket server shutdown error",
			slog.String("error", err.Error()),
		)
	}

	manager.Stop(shutdownCtx)

	// Drain in-flight transcription submissions before reporting stats.
	if closer, ok := backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Transcription client shutdown error",
				slog.String("error", err.Error()),
			)
		}
	}

	if err := transcriptStore.Close(shutdownCtx); err != nil {
		logger.Warn("Transcript store shutdown error",
			slog.String("error", err.Error()),
		)
	}

	stats := backend.Stats()
	logger.Info("Service stopped",
		slog.Uint64("transcription_requests", stats.TotalRequests),
		slog.Uint64("transcription_successes", stats.SuccessRequests),
		slog.Uint64("transcription_failures", stats.FailedRequests),
		slog.Uint64("transcription_retries", stats.TotalRetries),
	)
	return nil
}

// initLogger builds the process logger from configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}
