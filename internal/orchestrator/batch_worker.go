package orchestrator

import (
	"vigilit/internal/model"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BatchWorker runs one job end to end. A worker processes a single job at
// a time; the registry dispatches by job type.
type BatchWorker interface {
	// StartWorker runs the job to completion and finalizes its status
	StartWorker(*model.Job) error

	// Cancel aborts the currently running job
	Cancel() error

	// Name returns the human-readable worker name
	Name() string

	// IsActive reports whether a job is currently running
	IsActive() bool

	// Type returns the job type this worker handles
	Type() string

	// ActiveJobID returns the running job's ID, or nil when idle
	ActiveJobID() *primitive.ObjectID
}
