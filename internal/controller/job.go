package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"vigilit/internal/cache"
	"vigilit/internal/config"
	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/orchestrator"
	"vigilit/internal/pipeline"
	"vigilit/internal/rabbitmq"
)

// JobController handles ingestion job operations end to end: the API side
// creates and enqueues jobs, the worker side consumes and dispatches them.
type JobController interface {
	// CreateIngestJob persists a new ingestion job and enqueues it
	CreateIngestJob(ctx context.Context, payload model.IngestPayload) (*model.Job, error)

	// ProcessJobs starts consuming and dispatching queued jobs
	ProcessJobs(ctx context.Context) error

	// StopProcessing stops the job consumer
	StopProcessing()

	// GetJob returns a job with its live progress snapshot when one exists
	GetJob(ctx context.Context, jobID string) (*model.Job, *pipeline.Snapshot, error)

	// ListJobs returns jobs newest first; empty status means any
	ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)

	// CancelJob cancels a queued or running job
	CancelJob(ctx context.Context, jobID string) error
}

type jobController struct {
	db           database.JobDatabase
	cache        cache.Cache
	rabbitClient rabbitmq.Client
	rabbitConfig config.RabbitMQConfig
	registry     orchestrator.WorkerRegistry
	consumerTag  string
	shutdown     chan struct{}
	wg           sync.WaitGroup
}

// NewJobController creates a new job controller
func NewJobController(db database.JobDatabase, c cache.Cache, rabbitClient rabbitmq.Client,
	rabbitConfig config.RabbitMQConfig, registry orchestrator.WorkerRegistry) JobController {
	return &jobController{
		db:           db,
		cache:        c,
		rabbitClient: rabbitClient,
		rabbitConfig: rabbitConfig,
		registry:     registry,
		shutdown:     make(chan struct{}),
	}
}

// CreateIngestJob persists a new ingestion job and enqueues it
func (c *jobController) CreateIngestJob(ctx context.Context, payload model.IngestPayload) (*model.Job, error) {
	if len(payload.Records) == 0 {
		return nil, fmt.Errorf("no records to ingest")
	}

	job := &model.Job{
		ID:        primitive.NewObjectID(),
		Type:      model.IngestJobType,
		Status:    model.StatusQueued,
		Payload:   payload,
		ActorID:   payload.ActorID,
		Metrics:   model.JobMetrics{Found: len(payload.Records)},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := c.db.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := c.enqueueJob(job); err != nil {
		// The job document stays for inspection; mark it failed so it is
		// not mistaken for a stuck queued job.
		c.db.UpdateJobStatus(ctx, job.ID, model.StatusFailed, "enqueue failed")
		return job, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info().
		Str("jobId", job.ID.Hex()).
		Str("org", payload.OrganizationID).
		Int("records", len(payload.Records)).
		Msg("Ingestion job created and enqueued")

	return job, nil
}

// enqueueJob publishes a job reference to RabbitMQ. Only the ID travels on
// the wire; the full payload lives in the job document.
func (c *jobController) enqueueJob(job *model.Job) error {
	headers := amqp.Table{
		"job_id":   job.ID.Hex(),
		"job_type": job.Type,
	}

	message := map[string]string{
		"job_id": job.ID.Hex(),
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.rabbitClient.Publish(
		c.rabbitConfig.Exchange,
		c.rabbitConfig.RoutingKey,
		messageBytes,
		headers,
	); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// GetJob returns a job with its live progress snapshot when one exists
func (c *jobController) GetJob(ctx context.Context, jobID string) (*model.Job, *pipeline.Snapshot, error) {
	id, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return nil, nil, database.ErrJobNotFound
	}

	job, err := c.db.GetJobByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	// Live snapshot is a read-side accelerator only; any cache problem
	// falls back to the persisted metrics.
	if job.Status == model.StatusProcessing && c.cache != nil {
		snap, err := cache.GetJobProgress(ctx, c.cache, jobID)
		if err == nil {
			return job, &snap, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("jobId", jobID).Msg("Failed to read cached job progress")
		}
	}

	return job, nil, nil
}

// ListJobs returns jobs newest first
func (c *jobController) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	return c.db.ListJobs(ctx, status, limit, offset)
}

// CancelJob cancels a queued or running job
func (c *jobController) CancelJob(ctx context.Context, jobID string) error {
	id, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return database.ErrJobNotFound
	}

	job, err := c.db.GetJobByID(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case model.StatusQueued:
		// Not picked up yet; the consumer skips cancelled jobs
		return c.db.UpdateJobStatus(ctx, id, model.StatusCancelled, "cancelled before start")
	case model.StatusProcessing:
		worker, ok := c.registry.Get(job.Type)
		if !ok {
			return fmt.Errorf("no worker registered for job type: %v", job.Type)
		}
		active := worker.ActiveJobID()
		if active == nil || *active != id {
			return fmt.Errorf("job is not running on this instance")
		}
		// The worker's run loop observes the cancellation and finalizes
		// the status itself.
		return worker.Cancel()
	default:
		return fmt.Errorf("job already finished: %v", job.Status)
	}
}

// ProcessJobs starts consuming jobs from RabbitMQ
func (c *jobController) ProcessJobs(ctx context.Context) error {
	if len(c.registry.AvailableWorkers()) == 0 {
		return fmt.Errorf("no job workers registered")
	}

	if err := rabbitmq.SetupTopology(c.rabbitClient, c.rabbitConfig); err != nil {
		return err
	}

	c.consumerTag = fmt.Sprintf("%s-%s", c.rabbitConfig.ConsumerTag, primitive.NewObjectID().Hex())
	c.startConsumer(ctx, c.rabbitConfig.QueueName, c.consumerTag)

	log.Info().
		Int("workers", len(c.registry.AvailableWorkers())).
		Msg("Job processing started")
	return nil
}

// StopProcessing stops the job consumer
func (c *jobController) StopProcessing() {
	close(c.shutdown)
	c.wg.Wait()
	log.Info().Msg("Job processing stopped")
}

func (c *jobController) startConsumer(ctx context.Context, queueName, consumerTag string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		log.Info().
			Str("queue", queueName).
			Str("consumerTag", consumerTag).
			Msg("Starting job consumer")

		for {
			select {
			case <-ctx.Done():
				log.Info().
					Str("consumerTag", consumerTag).
					Msg("Context cancelled, stopping consumer")
				return
			case <-c.shutdown:
				log.Info().
					Str("consumerTag", consumerTag).
					Msg("Shutdown signal received, stopping consumer")
				return
			default:
			}

			deliveries, err := c.rabbitClient.Consume(queueName, consumerTag)
			if err != nil {
				log.Error().
					Err(err).
					Str("queue", queueName).
					Msg("Failed to consume from queue")

				time.Sleep(5 * time.Second)
				continue
			}

			for delivery := range deliveries {
				c.processDelivery(ctx, delivery)
			}

			log.Warn().
				Str("queue", queueName).
				Msg("Consumer channel closed, reconnecting...")

			time.Sleep(5 * time.Second)
		}
	}()
}

// processDelivery handles a single delivery
func (c *jobController) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	jobIDStr, ok := delivery.Headers["job_id"].(string)
	if !ok {
		log.Error().Msg("Message missing job_id header, rejecting")
		delivery.Nack(false, false) // Don't requeue malformed messages
		return
	}

	jobID, err := primitive.ObjectIDFromHex(jobIDStr)
	if err != nil {
		log.Error().Str("jobId", jobIDStr).Msg("Malformed job_id header, rejecting")
		delivery.Nack(false, false)
		return
	}

	jobType, ok := delivery.Headers["job_type"].(string)
	if !ok {
		log.Error().Str("jobId", jobIDStr).Msg("Message missing job_type header, rejecting")
		delivery.Nack(false, false)
		return
	}

	logger := log.With().
		Str("jobId", jobID.Hex()).
		Str("jobType", jobType).
		Logger()

	logger.Info().Msg("Processing job message")

	job, err := c.db.GetJobByID(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve job from database")
		delivery.Nack(false, false)
		return
	}

	if job.Status == model.StatusCancelled {
		logger.Info().Msg("Job was cancelled before start, skipping")
		delivery.Ack(false)
		return
	}

	worker, exists := c.registry.Get(jobType)
	if !exists {
		logger.Error().Msg("No worker registered for job type")
		c.db.UpdateJobStatus(ctx, jobID, model.StatusFailed, "no worker for job type")
		delivery.Ack(false)
		return
	}

	// The worker finalizes the job status itself; an error here means the
	// run never reached a terminal state.
	if err := worker.StartWorker(job); err != nil {
		logger.Error().Err(err).Msg("Job processing failed")
		if failErr := c.db.UpdateJobStatus(ctx, jobID, model.StatusFailed, err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to update job status to failed")
		}
	} else {
		logger.Info().Msg("Job processed")
	}

	delivery.Ack(false)
}
