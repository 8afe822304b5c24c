package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/pkg/inference"
)

// memStore is an in-memory stand-in for the record store. The mutex gives
// it the same atomic create-if-absent the unique Mongo index provides.
type memStore struct {
	mu      sync.Mutex
	cases   map[string]*model.CaseRecord
	findErr error
}

func newMemStore() *memStore {
	return &memStore{cases: make(map[string]*model.CaseRecord)}
}

func storeKey(org, pmid string) string { return org + "/" + pmid }

func (s *memStore) FindCaseByPMID(ctx context.Context, org, pmid string) (*model.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	if rec, ok := s.cases[storeKey(org, pmid)]; ok {
		copied := *rec
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) CreateCase(ctx context.Context, record *model.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(record.OrganizationID, record.PMID)
	if _, exists := s.cases[key]; exists {
		return database.ErrDuplicateCase
	}
	record.ID = primitive.NewObjectID()
	record.Version = 1
	copied := *record
	s.cases[key] = &copied
	return nil
}

func (s *memStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cases)
}

// scriptedEndpoint runs a per-call script: fn receives the 1-based call
// number and decides the response
type scriptedEndpoint struct {
	name  string
	delay time.Duration
	fn    func(call int, pmid string) (*inference.Result, error)

	mu    sync.Mutex
	calls int
}

func (e *scriptedEndpoint) Name() string { return e.name }

func (e *scriptedEndpoint) Classify(ctx context.Context, pmid, sponsorHint, subjectName string) (*inference.Result, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.fn(call, pmid)
}

func (e *scriptedEndpoint) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func okEndpoint(name string, delay time.Duration) *scriptedEndpoint {
	return &scriptedEndpoint{name: name, delay: delay, fn: func(call int, pmid string) (*inference.Result, error) {
		return &inference.Result{Label: "probable case", RawPayload: []byte(`{"label":"probable case"}`)}, nil
	}}
}

func failingEndpoint(name string) *scriptedEndpoint {
	return &scriptedEndpoint{name: name, fn: func(call int, pmid string) (*inference.Result, error) {
		return nil, errors.New("connection timed out")
	}}
}

func testConfig() Config {
	return Config{
		MaxConcurrency:         3,
		PerEndpointConcurrency: 1,
		RequestTimeout:         time.Second,
		MaxAttemptsPerItem:     8,
		BackoffBase:            time.Millisecond,
		BackoffCap:             5 * time.Millisecond,
		BreakerThreshold:       2,
		BreakerCooldown:        5 * time.Millisecond,
		FailureCooldown:        time.Millisecond,
	}
}

func makeRecords(n int) []model.IngestRecord {
	records := make([]model.IngestRecord, n)
	for i := range records {
		records[i] = model.IngestRecord{PMID: fmt.Sprintf("pmid-%d", i), Title: fmt.Sprintf("Article %d", i)}
	}
	return records
}

func TestRunAllCreatedDespiteDeadEndpoint(t *testing.T) {
	store := newMemStore()
	ep1 := okEndpoint("ep1", 20*time.Millisecond)
	ep2 := failingEndpoint("ep2")
	ep3 := okEndpoint("ep3", 20*time.Millisecond)

	p := New(store, []Classifier{ep1, ep2, ep3}, nil, testConfig())

	summary := p.Run(context.Background(), "org-1", makeRecords(10), nil, nil)

	assert.Equal(t, 10, summary.Created)
	assert.Equal(t, 0, summary.Duplicates)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.Aborted)
	assert.Equal(t, 10, store.size())

	for _, h := range p.EndpointHealth() {
		if h.Name == "ep2" {
			assert.False(t, h.Healthy, "dead endpoint should have tripped its breaker")
			assert.GreaterOrEqual(t, h.FailureCount, 2)
		}
	}
}

func TestRunGuaranteedTerminalState(t *testing.T) {
	store := newMemStore()
	// Both endpoints fail their first two calls, then succeed
	flaky := func(name string) *scriptedEndpoint {
		return &scriptedEndpoint{name: name, fn: func(call int, pmid string) (*inference.Result, error) {
			if call <= 2 {
				return nil, errors.New("transient failure")
			}
			return &inference.Result{Label: "no case"}, nil
		}}
	}

	p := New(store, []Classifier{flaky("ep1"), flaky("ep2")}, nil, testConfig())

	summary := p.Run(context.Background(), "org-1", makeRecords(6), nil, nil)

	assert.Equal(t, 6, summary.Created+summary.Duplicates+summary.Failed)
	assert.Equal(t, 6, summary.Created)
	assert.Empty(t, summary.FailedItems)
}

func TestRunDurableFailureAfterBudgetExhausted(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.MaxAttemptsPerItem = 3

	p := New(store, []Classifier{failingEndpoint("ep1")}, nil, cfg)

	summary := p.Run(context.Background(), "org-1", makeRecords(2), nil, nil)

	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.FailedItems, 2)
	for _, item := range summary.FailedItems {
		// New raised the budget to 2x the endpoint count floor
		assert.GreaterOrEqual(t, item.Attempts, 2)
		assert.NotEmpty(t, item.Error)
	}
	assert.Equal(t, 2, summary.Found-summary.Created-summary.Duplicates)
}

func TestRunSkipsDuplicatesWithoutEndpointCalls(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateCase(context.Background(), &model.CaseRecord{
		OrganizationID: "org-1",
		PMID:           "pmid-0",
	}))

	ep := okEndpoint("ep1", 0)
	p := New(store, []Classifier{ep}, nil, testConfig())

	summary := p.Run(context.Background(), "org-1", makeRecords(3), nil, nil)

	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 2, ep.callCount(), "duplicate must not reach an endpoint")
}

func TestRunExactlyOnceAcrossRepeatedRuns(t *testing.T) {
	store := newMemStore()
	records := makeRecords(5)

	p := New(store, []Classifier{okEndpoint("ep1", 0)}, nil, testConfig())

	first := p.Run(context.Background(), "org-1", records, nil, nil)
	second := p.Run(context.Background(), "org-1", records, nil, nil)

	assert.Equal(t, 5, first.Created)
	assert.Equal(t, 5, second.Duplicates)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 5, store.size())
}

func TestRunExactlyOnceUnderConcurrentRuns(t *testing.T) {
	store := newMemStore()
	records := makeRecords(8)

	p1 := New(store, []Classifier{okEndpoint("ep1", time.Millisecond)}, nil, testConfig())
	p2 := New(store, []Classifier{okEndpoint("ep1", time.Millisecond)}, nil, testConfig())

	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	wg.Add(2)
	go func() { defer wg.Done(); summaries[0] = p1.Run(context.Background(), "org-1", records, nil, nil) }()
	go func() { defer wg.Done(); summaries[1] = p2.Run(context.Background(), "org-1", records, nil, nil) }()
	wg.Wait()

	assert.Equal(t, 8, store.size())
	assert.Equal(t, 8, summaries[0].Created+summaries[1].Created)
	for _, s := range summaries {
		assert.Equal(t, 8, s.Created+s.Duplicates+s.Failed)
	}
}

func TestRunHaltsOnStoreOutage(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("store unreachable")

	p := New(store, []Classifier{okEndpoint("ep1", 0)}, nil, testConfig())

	summary := p.Run(context.Background(), "org-1", makeRecords(4), nil, nil)

	assert.True(t, summary.Aborted)
	assert.Equal(t, 4, summary.Created+summary.Duplicates+summary.Failed)
	assert.Equal(t, 4, summary.Failed)
}

func TestRunCancelledByCallerNotAborted(t *testing.T) {
	store := newMemStore()
	p := New(store, []Classifier{okEndpoint("ep1", 200*time.Millisecond)}, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	summary := p.Run(ctx, "org-1", makeRecords(6), nil, nil)

	assert.False(t, summary.Aborted, "caller cancellation must not read as a store abort")
	assert.Equal(t, 6, summary.Created+summary.Duplicates+summary.Failed)
	assert.NotZero(t, summary.Failed)
}

func TestRunAppliesAutoPassPlacement(t *testing.T) {
	store := newMemStore()
	p := New(store, []Classifier{okEndpoint("ep1", 0)}, nil, testConfig())

	records := makeRecords(2)
	autoPass := map[string]bool{"pmid-0": true}

	summary := p.Run(context.Background(), "org-1", records, autoPass, nil)
	require.Equal(t, 2, summary.Created)

	passed, err := store.FindCaseByPMID(context.Background(), "org-1", "pmid-0")
	require.NoError(t, err)
	assert.True(t, passed.IsAutoPassed)
	assert.Equal(t, model.StageAssessmentICSR, passed.Stage)

	normal, err := store.FindCaseByPMID(context.Background(), "org-1", "pmid-1")
	require.NoError(t, err)
	assert.False(t, normal.IsAutoPassed)
	assert.Equal(t, model.StageTriageICSR, normal.Stage)
}

func TestRunReportsProgressThroughTracker(t *testing.T) {
	store := newMemStore()
	p := New(store, []Classifier{okEndpoint("ep1", 0)}, nil, testConfig())

	var mu sync.Mutex
	persisted := 0
	tracker := NewTracker("job-1", 6, func(ctx context.Context, snap Snapshot) {
		mu.Lock()
		persisted++
		mu.Unlock()
	}, 2, time.Hour)

	summary := p.Run(context.Background(), "org-1", makeRecords(6), nil, tracker)
	require.Equal(t, 6, summary.Created)

	snap := tracker.Snapshot()
	assert.Equal(t, 6, snap.Processed)
	assert.Equal(t, 6, snap.Created)
	assert.Equal(t, 100, snap.Progress)

	mu.Lock()
	defer mu.Unlock()
	// Throttled to every 2 items plus the final flush
	assert.GreaterOrEqual(t, persisted, 3)
	assert.LessOrEqual(t, persisted, 4)
}
