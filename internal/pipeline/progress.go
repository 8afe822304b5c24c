package pipeline

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the live progress of one ingestion run
type Snapshot struct {
	JobID      string `json:"jobId"`
	Found      int    `json:"found"`
	Processed  int    `json:"processed"`
	Created    int    `json:"created"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
	Progress   int    `json:"progress"`
}

// PersistFunc writes a snapshot through to durable or queryable storage.
// It is called on the tracker's throttle schedule, never per item.
type PersistFunc func(ctx context.Context, snap Snapshot)

// Tracker accumulates per-item outcomes and throttles persistence: the
// write-through happens at most every few items or few seconds, but the
// in-memory snapshot is always current and readable on demand.
type Tracker struct {
	mu         sync.Mutex
	snap       Snapshot
	persist    PersistFunc
	everyItems int
	interval   time.Duration
	sinceWrite int
	lastWrite  time.Time
}

func NewTracker(jobID string, total int, persist PersistFunc, everyItems int, interval time.Duration) *Tracker {
	if everyItems <= 0 {
		everyItems = 5
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}

	return &Tracker{
		snap:       Snapshot{JobID: jobID, Found: total},
		persist:    persist,
		everyItems: everyItems,
		interval:   interval,
		lastWrite:  time.Now(),
	}
}

// Apply folds one terminal outcome into the snapshot
func (t *Tracker) Apply(ctx context.Context, o Outcome) {
	t.mu.Lock()

	t.snap.Processed++
	switch o.Kind {
	case OutcomeCreated:
		t.snap.Created++
	case OutcomeDuplicate:
		t.snap.Duplicates++
	case OutcomeFailed:
		t.snap.Failed++
	}
	if t.snap.Found > 0 {
		t.snap.Progress = t.snap.Processed * 100 / t.snap.Found
	}

	t.sinceWrite++
	flush := t.sinceWrite >= t.everyItems || time.Since(t.lastWrite) >= t.interval
	if flush {
		t.sinceWrite = 0
		t.lastWrite = time.Now()
	}
	snap := t.snap
	t.mu.Unlock()

	if flush && t.persist != nil {
		t.persist(ctx, snap)
	}
}

// Snapshot returns the current in-memory state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Flush forces a final write-through
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	t.sinceWrite = 0
	t.lastWrite = time.Now()
	snap := t.snap
	t.mu.Unlock()

	if t.persist != nil {
		t.persist(ctx, snap)
	}
}
