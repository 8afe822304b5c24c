package orchestrator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type WorkerRegistry interface {
	Register(string, BatchWorker)
	Get(string) (BatchWorker, bool)
	AvailableWorkers() []string
	CancelWorkerByType(string) error
}

// Registry is a central registry of job workers keyed by job type
type Registry struct {
	workers map[string]BatchWorker
	mu      sync.RWMutex
}

// NewWorkerRegistry creates a registry with the given workers pre-registered
func NewWorkerRegistry(workers ...BatchWorker) WorkerRegistry {
	registry := Registry{
		workers: make(map[string]BatchWorker),
	}

	for _, w := range workers {
		registry.Register(w.Type(), w)
	}

	return &registry
}

func (r *Registry) CancelWorkerByType(jobType string) error {
	w, ok := r.Get(jobType)
	if !ok {
		return fmt.Errorf("worker not found, can't cancel")
	}

	return w.Cancel()
}

// Register adds a worker to the registry
func (r *Registry) Register(jobType string, w BatchWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers[jobType] = w

	log.Info().
		Str("jobType", jobType).
		Str("worker", w.Name()).
		Msg("Registered job worker")
}

// Get retrieves a worker by job type
func (r *Registry) Get(jobType string) (BatchWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[jobType]
	return w, exists
}

// AvailableWorkers returns the registered job types
func (r *Registry) AvailableWorkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.workers))
	for jobType := range r.workers {
		types = append(types, jobType)
	}

	return types
}
