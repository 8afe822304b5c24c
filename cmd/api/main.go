package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vigilit/internal/aws"
	"vigilit/internal/cache"
	"vigilit/internal/config"
	"vigilit/internal/database"
	"vigilit/internal/orchestrator"
	"vigilit/internal/orchestrator/worker"
	"vigilit/internal/pipeline"
	"vigilit/internal/rabbitmq"
	"vigilit/internal/server"
	"vigilit/pkg/inference"
)

func main() {
	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Str("config", configPath).Msg("Starting vigilit API")

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	log.Info().Msg("MongoDB connection established")

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize redis cache connection")
	}
	defer redisCache.Close()

	rabbit, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RabbitMQ client")
	}
	defer rabbit.Close()

	var archive aws.PayloadArchive
	if cfg.S3.Enabled {
		archive, err = aws.NewPayloadArchive(cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize payload archive")
		}
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Payload archive enabled")
	}

	clients := make([]pipeline.Classifier, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		clients = append(clients, inference.New(ep.Name, ep.BaseURL, ep.APIKey, cfg.Pipeline.RequestTimeout()))
	}
	log.Info().Int("endpoints", len(clients)).Msg("Inference endpoint pool initialized")

	pipe := pipeline.New(db, clients, archive, pipeline.Config{
		MaxConcurrency:         cfg.Pipeline.MaxConcurrency,
		PerEndpointConcurrency: cfg.Pipeline.PerEndpointConcurrency,
		RequestTimeout:         cfg.Pipeline.RequestTimeout(),
		MaxAttemptsPerItem:     cfg.Pipeline.MaxAttemptsPerItem,
		BackoffBase:            cfg.Pipeline.BackoffBase(),
		BackoffCap:             cfg.Pipeline.BackoffCap(),
		BreakerThreshold:       cfg.Pipeline.BreakerThreshold,
		BreakerCooldown:        cfg.Pipeline.BreakerCooldown(),
		FailureCooldown:        cfg.Pipeline.FailureCooldown(),
	})

	registry := orchestrator.NewWorkerRegistry(
		worker.NewIngestWorker(db, redisCache, pipe, cfg),
	)

	srv := server.New(cfg, db, redisCache, rabbit, registry, archive)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

func setupLogger(config config.LoggingConfig) {
	// Set global log level
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure logger output
	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	// Add timestamp
	log.Logger = log.With().Timestamp().Logger()
}
