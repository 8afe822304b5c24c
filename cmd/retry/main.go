// Requeues durable per-item failures: every finished job that still
// carries failed items gets a fresh ingestion job holding just those
// items, and is then marked so it is never picked up twice. Run from
// cron or by hand after an endpoint outage clears.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vigilit/internal/cache"
	"vigilit/internal/config"
	"vigilit/internal/controller"
	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/orchestrator"
	"vigilit/internal/rabbitmq"
)

const retryBatchLimit = 50

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

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}

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

	if err := rabbitmq.SetupTopology(rabbit, cfg.RabbitMQ); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up queue topology")
	}

	jc := controller.NewJobController(db, redisCache, rabbit, cfg.RabbitMQ, orchestrator.NewWorkerRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	jobs, err := db.JobsWithFailures(ctx, retryBatchLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list jobs with failures")
	}

	if len(jobs) == 0 {
		log.Info().Msg("No failed items to retry")
		return
	}

	requeued := 0
	for _, job := range jobs {
		records := make([]model.IngestRecord, 0, len(job.FailedItems))
		for _, item := range job.FailedItems {
			records = append(records, model.IngestRecord{
				PMID:     item.PMID,
				Title:    item.Title,
				Abstract: item.Abstract,
			})
		}

		payload := model.IngestPayload{
			OrganizationID: job.Payload.OrganizationID,
			ActorID:        "retry",
			Records:        records,
		}

		retryJob, err := jc.CreateIngestJob(ctx, payload)
		if err != nil {
			log.Error().Err(err).Str("jobId", job.ID.Hex()).Msg("Failed to requeue job failures")
			continue
		}

		if err := db.MarkJobRetried(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("jobId", job.ID.Hex()).Msg("Failed to mark job as retried")
			continue
		}

		log.Info().
			Str("sourceJob", job.ID.Hex()).
			Str("retryJob", retryJob.ID.Hex()).
			Int("items", len(records)).
			Msg("Requeued failed items")
		requeued++
	}

	log.Info().Int("jobs", requeued).Msg("Retry pass complete")
}

func setupLogger(config config.LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	log.Logger = log.With().Timestamp().Logger()
}
