package cache

import (
	"context"
	"encoding/json"
	"time"

	"vigilit/internal/pipeline"
)

// Progress snapshots are written by the ingest worker on every throttled
// flush and read by the job status endpoint, so a poll during a long run
// does not hit the document store. Short TTL: a finished or aborted job
// falls back to the persisted record once the key expires.
const progressTTL = 10 * time.Minute

func progressKey(jobID string) string {
	return "job-progress:" + jobID
}

// SetJobProgress caches the latest pipeline snapshot for a job
func SetJobProgress(ctx context.Context, c Cache, jobID string, snap pipeline.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.Set(ctx, progressKey(jobID), data, progressTTL)
}

// GetJobProgress returns the cached snapshot for a job, or ErrCacheMiss
func GetJobProgress(ctx context.Context, c Cache, jobID string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	data, err := c.Get(ctx, progressKey(jobID))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// DeleteJobProgress drops the cached snapshot once a job reaches a
// terminal state
func DeleteJobProgress(ctx context.Context, c Cache, jobID string) error {
	return c.Delete(ctx, progressKey(jobID))
}
