package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"vigilit/internal/config"
	"vigilit/internal/model"
	"vigilit/internal/pipeline"
	"vigilit/pkg/inference"
)

// stubDB records job status writes. The case side acts as an empty,
// always-healthy store so runs depend only on the endpoint script.
type stubDB struct {
	mu       sync.Mutex
	statuses []model.JobStatus
	errorMsg string
}

func (s *stubDB) lastStatus() (model.JobStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return "", ""
	}
	return s.statuses[len(s.statuses)-1], s.errorMsg
}

func (s *stubDB) Health() error { return nil }

func (s *stubDB) CreateCase(ctx context.Context, record *model.CaseRecord) error { return nil }
func (s *stubDB) GetCaseByID(ctx context.Context, org, id string) (*model.CaseRecord, error) {
	return nil, nil
}
func (s *stubDB) FindCaseByPMID(ctx context.Context, org, pmid string) (*model.CaseRecord, error) {
	return nil, nil
}
func (s *stubDB) AssignedCases(ctx context.Context, org, reviewer string, stages []model.Stage) ([]model.CaseRecord, error) {
	return nil, nil
}
func (s *stubDB) UnassignedCases(ctx context.Context, org string, stages []model.Stage, limit int) ([]model.CaseRecord, error) {
	return nil, nil
}
func (s *stubDB) TryLockCase(ctx context.Context, org, id string, version int64, reviewer, batchID string, subStatus model.SubStatus) (*model.CaseRecord, error) {
	return nil, nil
}
func (s *stubDB) ReleaseAssigned(ctx context.Context, org, reviewer string, stages []model.Stage, subStatus model.SubStatus) (int64, error) {
	return 0, nil
}
func (s *stubDB) ApplyTransition(ctx context.Context, org, id string, version int64, update model.CaseUpdate, comment *model.CaseComment) (*model.CaseRecord, error) {
	return nil, nil
}
func (s *stubDB) ReleaseCaseLock(ctx context.Context, org, id string, version int64, comment *model.CaseComment) (*model.CaseRecord, error) {
	return nil, nil
}

func (s *stubDB) CreateJob(ctx context.Context, job *model.Job) error { return nil }
func (s *stubDB) GetJobByID(ctx context.Context, id primitive.ObjectID) (*model.Job, error) {
	return nil, nil
}
func (s *stubDB) UpdateJobStatus(ctx context.Context, id primitive.ObjectID, status model.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	s.errorMsg = errorMsg
	return nil
}
func (s *stubDB) UpdateJobProgress(ctx context.Context, id primitive.ObjectID, progress int, metrics model.JobMetrics) error {
	return nil
}
func (s *stubDB) SetJobFailures(ctx context.Context, id primitive.ObjectID, items []model.FailedItem) error {
	return nil
}
func (s *stubDB) ListJobs(ctx context.Context, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	return nil, nil
}
func (s *stubDB) JobsWithFailures(ctx context.Context, limit int) ([]*model.Job, error) {
	return nil, nil
}
func (s *stubDB) MarkJobRetried(ctx context.Context, id primitive.ObjectID) error { return nil }

// slowEndpoint answers every call after a fixed delay, or fails with the
// context error when the run is cancelled first
type slowEndpoint struct {
	name  string
	delay time.Duration
}

func (e *slowEndpoint) Name() string { return e.name }

func (e *slowEndpoint) Classify(ctx context.Context, pmid, sponsorHint, subjectName string) (*inference.Result, error) {
	select {
	case <-time.After(e.delay):
		return &inference.Result{Label: "no case"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testWorkerConfig() *config.Config {
	return &config.Config{
		Workflow: config.WorkflowConfig{AutoPassPercent: 0},
		Pipeline: config.PipelineConfig{ProgressEveryItems: 100, ProgressIntervalSec: 3600},
	}
}

func testJob(n int) *model.Job {
	records := make([]model.IngestRecord, n)
	for i := range records {
		records[i] = model.IngestRecord{PMID: fmt.Sprintf("pmid-%d", i), Title: fmt.Sprintf("Article %d", i)}
	}
	return &model.Job{
		ID:     primitive.NewObjectID(),
		Type:   model.IngestJobType,
		Status: model.StatusQueued,
		Payload: model.IngestPayload{
			OrganizationID: "org-1",
			Records:        records,
		},
	}
}

func newTestWorker(db *stubDB, delay time.Duration) *ingestWorker {
	pipe := pipeline.New(db, []pipeline.Classifier{&slowEndpoint{name: "ep1", delay: delay}}, nil, pipeline.Config{
		MaxConcurrency:         2,
		PerEndpointConcurrency: 2,
		RequestTimeout:         time.Second,
		MaxAttemptsPerItem:     2,
		BackoffBase:            time.Millisecond,
		BackoffCap:             5 * time.Millisecond,
		BreakerThreshold:       2,
		BreakerCooldown:        5 * time.Millisecond,
		FailureCooldown:        time.Millisecond,
	})
	return NewIngestWorker(db, nil, pipe, testWorkerConfig()).(*ingestWorker)
}

func TestCancelFinalizesJobCancelled(t *testing.T) {
	db := &stubDB{}
	w := newTestWorker(db, 200*time.Millisecond)
	job := testJob(4)

	done := make(chan error, 1)
	go func() { done <- w.StartWorker(job) }()

	require.Eventually(t, w.IsActive, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Cancel())
	require.NoError(t, <-done)

	status, errorMsg := db.lastStatus()
	assert.Equal(t, model.StatusCancelled, status)
	assert.Equal(t, "job cancelled", errorMsg)
	assert.False(t, w.IsActive())
	assert.Nil(t, w.ActiveJobID())
}

func TestCancelWithoutActiveJob(t *testing.T) {
	w := newTestWorker(&stubDB{}, 0)

	assert.Error(t, w.Cancel())
	assert.False(t, w.IsActive())
	assert.Nil(t, w.ActiveJobID())
}

func TestCancelConcurrentWithRun(t *testing.T) {
	db := &stubDB{}
	w := newTestWorker(db, 20*time.Millisecond)
	job := testJob(8)

	done := make(chan error, 1)
	go func() { done <- w.StartWorker(job) }()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = w.Cancel()
				w.IsActive()
				w.ActiveJobID()
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, <-done)
	status, _ := db.lastStatus()
	assert.Contains(t, []model.JobStatus{model.StatusCompleted, model.StatusCancelled}, status)
}
