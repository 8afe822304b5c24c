package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vigilit/internal/model"
)

// JobDatabase defines job-related database operations
type JobDatabase interface {
	// Create a new job
	CreateJob(ctx context.Context, job *model.Job) error

	// Get a job by ID
	GetJobByID(ctx context.Context, id primitive.ObjectID) (*model.Job, error)

	// Update job status, optionally appending an error message
	UpdateJobStatus(ctx context.Context, id primitive.ObjectID, status model.JobStatus, errorMsg string) error

	// Update job progress and metrics
	UpdateJobProgress(ctx context.Context, id primitive.ObjectID, progress int, metrics model.JobMetrics) error

	// Record the durable per-item failures of a run
	SetJobFailures(ctx context.Context, id primitive.ObjectID, items []model.FailedItem) error

	// List jobs, newest first; empty status means any
	ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error)

	// Finished jobs that carry durable failures not yet handed to the
	// background retry
	JobsWithFailures(ctx context.Context, limit int) ([]*model.Job, error)

	// Mark a job's failures as picked up by the background retry
	MarkJobRetried(ctx context.Context, id primitive.ObjectID) error
}

// CreateJob creates a new job in the database
func (m *mongoDB) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.ErrorList == nil {
		job.ErrorList = []string{}
	}

	_, err := m.jobsCol.InsertOne(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID.Hex()).Msg("Failed to create job")
		return err
	}

	log.Debug().Str("jobID", job.ID.Hex()).Str("type", job.Type).Msg("Created new job")
	return nil
}

// GetJobByID retrieves a job by its ID
func (m *mongoDB) GetJobByID(ctx context.Context, id primitive.ObjectID) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// UpdateJobStatus updates a job's status and optionally adds an error message
func (m *mongoDB) UpdateJobStatus(ctx context.Context, id primitive.ObjectID, status model.JobStatus, errorMsg string) error {
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"updated_at": time.Now(),
		},
	}

	if errorMsg != "" {
		update["$push"] = bson.M{
			"error_list": errorMsg,
		}
	}

	if status == model.StatusCompleted || status == model.StatusFailed || status == model.StatusCancelled {
		now := time.Now()
		update["$set"].(bson.M)["completed_at"] = now
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Str("status", string(status)).Msg("Failed to update job status")
		return err
	}

	log.Debug().Str("jobID", id.Hex()).Str("status", string(status)).Msg("Updated job status")
	return nil
}

// UpdateJobProgress updates a job's progress and metrics
func (m *mongoDB) UpdateJobProgress(ctx context.Context, id primitive.ObjectID, progress int, metrics model.JobMetrics) error {
	update := bson.M{
		"$set": bson.M{
			"progress":   progress,
			"metrics":    metrics,
			"updated_at": time.Now(),
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Int("progress", progress).Msg("Failed to update job progress")
		return err
	}

	return nil
}

// SetJobFailures records the run's durable per-item failures
func (m *mongoDB) SetJobFailures(ctx context.Context, id primitive.ObjectID, items []model.FailedItem) error {
	update := bson.M{
		"$set": bson.M{
			"failed_items": items,
			"updated_at":   time.Now(),
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Int("failures", len(items)).Msg("Failed to record job failures")
		return err
	}

	return nil
}

// ListJobs retrieves jobs, newest first
func (m *mongoDB) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := m.jobsCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// JobsWithFailures lists finished jobs whose durable failures have not been
// retried yet
func (m *mongoDB) JobsWithFailures(ctx context.Context, limit int) ([]*model.Job, error) {
	filter := bson.M{
		"status":       bson.M{"$in": bson.A{model.StatusCompleted, model.StatusFailed}},
		"retried":      false,
		"failed_items": bson.M{"$exists": true, "$ne": bson.A{}},
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.M{"created_at": 1})

	cursor, err := m.jobsCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs with failures")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// MarkJobRetried flags a job's failures as handed off
func (m *mongoDB) MarkJobRetried(ctx context.Context, id primitive.ObjectID) error {
	update := bson.M{
		"$set": bson.M{
			"retried":    true,
			"updated_at": time.Now(),
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to mark job retried")
		return err
	}

	return nil
}
