package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"vigilit/internal/cache"
	"vigilit/internal/config"
	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/orchestrator"
	"vigilit/internal/pipeline"
	"vigilit/internal/workflow"
)

const (
	INGEST_WORKER_NAME = "Literature Ingest Worker"
)

// ingestWorker runs one literature ingestion job: auto-pass selection,
// the classification pipeline, progress write-through and final status.
type ingestWorker struct {
	db              database.Database
	cache           cache.Cache
	pipe            *pipeline.Pipeline
	autoPassPercent int
	progressEvery   int
	progressWindow  time.Duration

	mu         sync.Mutex // guards ctx, cancelFunc and jobID
	ctx        *context.Context
	cancelFunc *context.CancelFunc
	jobID      *primitive.ObjectID
	cancelled  int32 // Using atomic for thread-safe access
}

func NewIngestWorker(db database.Database, c cache.Cache, pipe *pipeline.Pipeline, cfg *config.Config) orchestrator.BatchWorker {
	return &ingestWorker{
		db:              db,
		cache:           c,
		pipe:            pipe,
		autoPassPercent: cfg.Workflow.AutoPassPercent,
		progressEvery:   cfg.Pipeline.ProgressEveryItems,
		progressWindow:  time.Duration(cfg.Pipeline.ProgressIntervalSec) * time.Second,
		cancelled:       1,
	}
}

// ActiveJobID implements orchestrator.BatchWorker.
func (w *ingestWorker) ActiveJobID() *primitive.ObjectID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if atomic.LoadInt32(&w.cancelled) != 0 || w.ctx == nil {
		return nil
	}
	return w.jobID
}

// Cancel implements orchestrator.BatchWorker.
func (w *ingestWorker) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelFunc == nil {
		return fmt.Errorf("job is not active")
	}

	cancelFunc := *w.cancelFunc
	cancelFunc()

	atomic.StoreInt32(&w.cancelled, 1)

	w.ctx = nil
	w.cancelFunc = nil
	w.jobID = nil

	return nil
}

// IsActive implements orchestrator.BatchWorker.
func (w *ingestWorker) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return atomic.LoadInt32(&w.cancelled) == 0 && w.ctx != nil
}

// Name implements orchestrator.BatchWorker.
func (w *ingestWorker) Name() string {
	return INGEST_WORKER_NAME
}

// Type implements orchestrator.BatchWorker.
func (w *ingestWorker) Type() string {
	return model.IngestJobType
}

// StartWorker implements orchestrator.BatchWorker.
func (w *ingestWorker) StartWorker(job *model.Job) error {
	atomic.StoreInt32(&w.cancelled, 0)

	ctx, cancelFunc := context.WithCancel(context.Background())
	w.mu.Lock()
	w.ctx = &ctx
	w.cancelFunc = &cancelFunc
	w.jobID = &job.ID
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.ctx = nil
		w.cancelFunc = nil
		w.jobID = nil
		w.mu.Unlock()
	}()

	if err := w.db.UpdateJobStatus(ctx, job.ID, model.StatusProcessing, ""); err != nil {
		return fmt.Errorf("error marking job processing: %w", err)
	}

	records := job.Payload.Records
	org := job.Payload.OrganizationID

	log.Info().
		Str("jobID", job.ID.Hex()).
		Str("org", org).
		Int("records", len(records)).
		Msg("Starting literature ingest run")

	autoPass := workflow.SelectAutoPass(records, w.autoPassPercent)

	tracker := pipeline.NewTracker(job.ID.Hex(), len(records), w.persistProgress(job.ID), w.progressEvery, w.progressWindow)

	summary := w.pipe.Run(ctx, org, records, autoPass, tracker)

	// The run context may be cancelled by now; finalization writes get
	// their own deadline so the terminal status always lands.
	finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return w.finalize(finalCtx, ctx, job, summary)
}

// persistProgress builds the tracker write-through: the job document gets
// the throttled update and the cache gets the snapshot the status endpoint
// polls. Both are warn-only, progress writes never fail a run.
func (w *ingestWorker) persistProgress(jobID primitive.ObjectID) pipeline.PersistFunc {
	return func(ctx context.Context, snap pipeline.Snapshot) {
		metrics := model.JobMetrics{
			Found:      snap.Found,
			Processed:  snap.Processed,
			Created:    snap.Created,
			Duplicates: snap.Duplicates,
			Failed:     snap.Failed,
		}

		if err := w.db.UpdateJobProgress(ctx, jobID, snap.Progress, metrics); err != nil {
			log.Warn().Err(err).Str("jobID", jobID.Hex()).Msg("Failed to persist job progress")
		}

		if w.cache != nil {
			if err := cache.SetJobProgress(ctx, w.cache, jobID.Hex(), snap); err != nil {
				log.Warn().Err(err).Str("jobID", jobID.Hex()).Msg("Failed to cache job progress")
			}
		}
	}
}

func (w *ingestWorker) finalize(ctx, runCtx context.Context, job *model.Job, summary pipeline.Summary) error {
	if len(summary.FailedItems) > 0 {
		if err := w.db.SetJobFailures(ctx, job.ID, summary.FailedItems); err != nil {
			log.Error().Err(err).Str("jobID", job.ID.Hex()).Msg("Failed to record job failures")
		}
	}

	if w.cache != nil {
		if err := cache.DeleteJobProgress(ctx, w.cache, job.ID.Hex()); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("jobID", job.ID.Hex()).Msg("Failed to drop cached job progress")
		}
	}

	status := model.StatusCompleted
	errorMsg := ""

	switch {
	case runCtx.Err() == context.Canceled && !summary.Aborted:
		status = model.StatusCancelled
		errorMsg = "job cancelled"
	case summary.Aborted:
		status = model.StatusFailed
		errorMsg = "run aborted: record store unavailable"
	}

	if err := w.db.UpdateJobStatus(ctx, job.ID, status, errorMsg); err != nil {
		return fmt.Errorf("error finalizing job status: %w", err)
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Str("status", string(status)).
		Int("found", summary.Found).
		Int("created", summary.Created).
		Int("duplicates", summary.Duplicates).
		Int("failed", summary.Failed).
		Float64("successRate", summary.SuccessRate).
		Msg("Literature ingest run finished")

	return nil
}
