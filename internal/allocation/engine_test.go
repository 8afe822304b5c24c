package allocation

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/workflow"
)

// fakeStore implements database.CaseDatabase in memory with the same
// compare-and-swap semantics the Mongo layer provides. The hooks let tests
// interleave a competing writer between query and lock.
type fakeStore struct {
	mu         sync.Mutex
	cases      map[string]*model.CaseRecord
	seq        int
	afterQuery func()
	afterGet   func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{cases: make(map[string]*model.CaseRecord)}
}

func (s *fakeStore) CreateCase(ctx context.Context, record *model.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = primitive.NewObjectID()
	record.Version = 1
	s.seq++
	record.CreatedAt = time.Unix(int64(s.seq), 0)
	copied := *record
	s.cases[record.ID.Hex()] = &copied
	return nil
}

func (s *fakeStore) GetCaseByID(ctx context.Context, org, id string) (*model.CaseRecord, error) {
	s.mu.Lock()
	rec, ok := s.cases[id]
	if !ok || rec.OrganizationID != org {
		s.mu.Unlock()
		return nil, database.ErrCaseNotFound
	}
	copied := *rec
	s.mu.Unlock()
	if s.afterGet != nil {
		s.afterGet()
	}
	return &copied, nil
}

func (s *fakeStore) FindCaseByPMID(ctx context.Context, org, pmid string) (*model.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.cases {
		if rec.OrganizationID == org && rec.PMID == pmid {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

func stageIn(stage model.Stage, stages []model.Stage) bool {
	if len(stages) == 0 {
		return true
	}
	for _, st := range stages {
		if st == stage {
			return true
		}
	}
	return false
}

func (s *fakeStore) AssignedCases(ctx context.Context, org, reviewer string, stages []model.Stage) ([]model.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CaseRecord
	for _, rec := range s.cases {
		if rec.OrganizationID == org && rec.AssignedTo == reviewer && stageIn(rec.Stage, stages) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) UnassignedCases(ctx context.Context, org string, stages []model.Stage, limit int) ([]model.CaseRecord, error) {
	s.mu.Lock()
	var out []model.CaseRecord
	for _, rec := range s.cases {
		if rec.OrganizationID == org && rec.AssignedTo == "" && stageIn(rec.Stage, stages) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	s.mu.Unlock()
	if s.afterQuery != nil {
		s.afterQuery()
	}
	return out, nil
}

func (s *fakeStore) TryLockCase(ctx context.Context, org, id string, version int64, reviewer, batchID string, subStatus model.SubStatus) (*model.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[id]
	if !ok || rec.OrganizationID != org {
		return nil, database.ErrCaseNotFound
	}
	if rec.Version != version || rec.AssignedTo != "" {
		return nil, database.ErrPreconditionFailed
	}
	now := time.Now()
	rec.AssignedTo = reviewer
	rec.BatchID = batchID
	rec.AllocatedAt = &now
	rec.LockedAt = &now
	if subStatus != "" {
		rec.SubStatus = subStatus
	}
	rec.Version++
	copied := *rec
	return &copied, nil
}

func (s *fakeStore) ReleaseAssigned(ctx context.Context, org, reviewer string, stages []model.Stage, subStatus model.SubStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.cases {
		if rec.OrganizationID == org && rec.AssignedTo == reviewer && stageIn(rec.Stage, stages) {
			rec.AssignedTo = ""
			rec.BatchID = ""
			rec.AllocatedAt = nil
			rec.LockedAt = nil
			if subStatus != "" {
				rec.SubStatus = subStatus
			}
			rec.Version++
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ApplyTransition(ctx context.Context, org, id string, version int64, upd model.CaseUpdate, comment *model.CaseComment) (*model.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[id]
	if !ok || rec.OrganizationID != org {
		return nil, database.ErrCaseNotFound
	}
	if rec.Version != version {
		return nil, database.ErrPreconditionFailed
	}
	rec.Stage = upd.Stage
	rec.SubStatus = upd.SubStatus
	rec.Status = upd.Status
	if upd.TrackChanged {
		rec.Track = upd.Track
	}
	if upd.SetLastQueueStage {
		rec.LastQueueStage = upd.LastQueueStage
	}
	rec.AssignedTo = ""
	rec.BatchID = ""
	rec.AllocatedAt = nil
	rec.LockedAt = nil
	if comment != nil {
		rec.Comments = append(rec.Comments, *comment)
	}
	rec.Version++
	copied := *rec
	return &copied, nil
}

func (s *fakeStore) ReleaseCaseLock(ctx context.Context, org, id string, version int64, comment *model.CaseComment) (*model.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cases[id]
	if !ok || rec.OrganizationID != org {
		return nil, database.ErrCaseNotFound
	}
	if rec.Version != version {
		return nil, database.ErrPreconditionFailed
	}
	rec.AssignedTo = ""
	rec.BatchID = ""
	rec.AllocatedAt = nil
	rec.LockedAt = nil
	if comment != nil {
		rec.Comments = append(rec.Comments, *comment)
	}
	rec.Version++
	copied := *rec
	return &copied, nil
}

func (s *fakeStore) bumpVersion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[id].Version++
}

func seedCases(t *testing.T, store *fakeStore, org string, stage model.Stage, track model.Track, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := &model.CaseRecord{
			OrganizationID: org,
			PMID:           primitive.NewObjectID().Hex(),
			Track:          track,
			Stage:          stage,
			SubStatus:      workflow.SubStatusFor(stage),
		}
		require.NoError(t, store.CreateCase(context.Background(), rec))
		ids = append(ids, rec.ID.Hex())
	}
	return ids
}

func TestAllocateBatchNoDoubleAllocation(t *testing.T) {
	store := newFakeStore()
	seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 12)
	engine := New(store)

	type result struct {
		cases   []model.CaseRecord
		outcome BatchOutcome
	}

	results := make([]result, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reviewer := []string{"r1", "r2", "r3", "r4", "r5"}[i]
			cases, outcome, err := engine.AllocateBatch(context.Background(), "org-1", reviewer, model.TrackICSR, PhaseTriage, 5)
			require.NoError(t, err)
			results[i] = result{cases, outcome}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	total := 0
	for _, r := range results {
		for _, c := range r.cases {
			assert.False(t, seen[c.ID.Hex()], "case allocated twice: %s", c.ID.Hex())
			seen[c.ID.Hex()] = true
			total++
		}
		if len(r.cases) == 0 {
			// Empty hands get an explicit signal, never a silent success
			assert.Contains(t, []BatchOutcome{OutcomeNoneAvailable, OutcomeConflict}, r.outcome)
		}
	}
	assert.Equal(t, 12, total)
}

func TestAllocateBatchIdempotentResume(t *testing.T) {
	store := newFakeStore()
	seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 8)
	engine := New(store)

	first, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage, 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeAllocated, outcome)
	require.Len(t, first, 5)

	second, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage, 5)
	require.NoError(t, err)
	require.Equal(t, OutcomeAllocated, outcome)
	require.Len(t, second, 5)

	ids := func(cases []model.CaseRecord) []string {
		out := make([]string, 0, len(cases))
		for _, c := range cases {
			out = append(out, c.ID.Hex())
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, ids(first), ids(second))
}

func TestAllocateBatchFIFOOrder(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageQueueAOI, model.TrackAOI, 6)
	engine := New(store)

	cases, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackAOI, PhaseTriage, 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeAllocated, outcome)
	require.Len(t, cases, 3)

	// Oldest created first
	for i, c := range cases {
		assert.Equal(t, ids[i], c.ID.Hex())
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	store := newFakeStore()
	seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 4)
	engine := New(store)

	first, _, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)

	released, err := engine.ReleaseBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage)
	require.NoError(t, err)
	assert.Equal(t, int64(4), released)

	for _, c := range first {
		rec, err := store.GetCaseByID(context.Background(), "org-1", c.ID.Hex())
		require.NoError(t, err)
		assert.Empty(t, rec.AssignedTo)
		assert.Nil(t, rec.LockedAt)
		assert.Empty(t, rec.BatchID)
	}

	again, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r2", model.TrackICSR, PhaseTriage, 4)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllocated, outcome)
	assert.Len(t, again, 4)
}

func TestAllocateBatchSkipsLostRaces(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 3)
	engine := New(store)

	// A competing reviewer snatches the first candidate between the
	// candidate query and the conditional lock
	store.afterQuery = func() {
		store.afterQuery = nil
		_, err := store.TryLockCase(context.Background(), "org-1", ids[0], 1, "rival", "rival-batch", "")
		require.NoError(t, err)
	}

	cases, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllocated, outcome)
	require.Len(t, cases, 2)
	for _, c := range cases {
		assert.NotEqual(t, ids[0], c.ID.Hex())
	}
}

func TestAllocateBatchAllRacedAway(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 2)
	engine := New(store)

	store.afterQuery = func() {
		store.afterQuery = nil
		for _, id := range ids {
			_, err := store.TryLockCase(context.Background(), "org-1", id, 1, "rival", "rival-batch", "")
			require.NoError(t, err)
		}
	}

	cases, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage, 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)
	assert.Empty(t, cases)
}

func TestAllocateBatchNoneAvailable(t *testing.T) {
	store := newFakeStore()
	engine := New(store)

	cases, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseTriage, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoneAvailable, outcome)
	assert.Empty(t, cases)
}

func TestAssessmentAllocationMovesSubStatus(t *testing.T) {
	store := newFakeStore()
	seedCases(t, store, "org-1", model.StageAssessmentAOI, model.TrackAOI, 2)
	engine := New(store)

	cases, outcome, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackAOI, PhaseAssessment, 2)
	require.NoError(t, err)
	require.Equal(t, OutcomeAllocated, outcome)
	require.Len(t, cases, 2)
	for _, c := range cases {
		assert.Equal(t, model.SubStatusAssessment, c.SubStatus)
	}

	released, err := engine.ReleaseBatch(context.Background(), "org-1", "r1", model.TrackAOI, PhaseAssessment)
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	rec, err := store.GetCaseByID(context.Background(), "org-1", cases[0].ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusAllocation, rec.SubStatus)
}

func TestLockSingle(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 3)
	engine := New(store)

	// Plain lock
	rec, err := engine.LockSingle(context.Background(), "org-1", "r1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.AssignedTo)
	assert.NotNil(t, rec.LockedAt)

	// Same reviewer, same case: no-op resume
	rec, err = engine.LockSingle(context.Background(), "org-1", "r1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.AssignedTo)

	// Moving to a different case releases the previous one
	_, err = engine.LockSingle(context.Background(), "org-1", "r1", ids[1])
	require.NoError(t, err)
	prev, err := store.GetCaseByID(context.Background(), "org-1", ids[0])
	require.NoError(t, err)
	assert.Empty(t, prev.AssignedTo)

	// Another reviewer's lock conflicts
	_, err = engine.LockSingle(context.Background(), "org-1", "r2", ids[1])
	assert.ErrorIs(t, err, ErrCaseLocked)
}

func TestRouteAppliesTransitionAndReleasesLock(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageQueueAOI, model.TrackAOI, 1)
	engine := New(store)

	_, err := engine.LockSingle(context.Background(), "org-1", "r1", ids[0])
	require.NoError(t, err)

	rec, err := engine.Route(context.Background(), "org-1", "r1", ids[0], workflow.DecisionMoveToAOI, "confirmed relevant")
	require.NoError(t, err)

	assert.Equal(t, model.StageAssessmentAOI, rec.Stage)
	assert.Equal(t, model.TrackAOI, rec.Track)
	assert.Equal(t, model.StageTriageQueueAOI, rec.LastQueueStage)
	assert.Empty(t, rec.AssignedTo)
	assert.Nil(t, rec.LockedAt)
	require.Len(t, rec.Comments, 1)
	assert.Equal(t, "confirmed relevant", rec.Comments[0].Text)
}

func TestRouteSafetyNetEscalation(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageQueueNoCase, model.TrackNoCase, 1)
	engine := New(store)

	rec, err := engine.Route(context.Background(), "org-1", "r1", ids[0], workflow.DecisionMoveToAOI, "")
	require.NoError(t, err)

	// AOI found in the No-Case queue goes back to full ICSR triage
	assert.Equal(t, model.StageTriageICSR, rec.Stage)
	assert.Equal(t, model.TrackICSR, rec.Track)
}

func TestRouteStaleVersionFailsWhole(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageTriageICSR, model.TrackICSR, 1)
	engine := New(store)

	store.afterGet = func() {
		store.afterGet = nil
		store.bumpVersion(ids[0])
	}

	_, err := engine.Route(context.Background(), "org-1", "r1", ids[0], workflow.DecisionMoveToICSR, "")
	assert.ErrorIs(t, err, database.ErrPreconditionFailed)

	// No partial state: the record kept its stage
	rec, err := store.GetCaseByID(context.Background(), "org-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StageTriageICSR, rec.Stage)
}

func TestRouteUnmatchedDecisionReleasesLockOnly(t *testing.T) {
	store := newFakeStore()
	ids := seedCases(t, store, "org-1", model.StageAssessmentICSR, model.TrackICSR, 1)
	engine := New(store)

	_, _, err := engine.AllocateBatch(context.Background(), "org-1", "r1", model.TrackICSR, PhaseAssessment, 1)
	require.NoError(t, err)

	rec, err := engine.Route(context.Background(), "org-1", "r1", ids[0], workflow.DecisionMoveToAOI, "")
	require.NoError(t, err)

	assert.Equal(t, model.StageAssessmentICSR, rec.Stage)
	assert.Equal(t, model.TrackICSR, rec.Track)
	assert.Empty(t, rec.AssignedTo)
}
