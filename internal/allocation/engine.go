// Package allocation hands out exclusive work batches to reviewers. There
// is no in-process locking here: multiple service instances race freely and
// the store's conditional writes decide every contest.
package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vigilit/internal/database"
	"vigilit/internal/model"
	"vigilit/internal/workflow"
)

var (
	ErrUnknownTrack = errors.New("unknown track")
	ErrCaseLocked   = errors.New("case is locked by another reviewer")
)

// Phase selects which checkout queue an allocation call works
type Phase string

const (
	PhaseTriage     Phase = "triage"
	PhaseAssessment Phase = "assessment"
)

// BatchOutcome distinguishes the three distinct results of a batch
// allocation; callers surface them differently (cases / none available /
// conflict-retry) instead of conflating them.
type BatchOutcome int

const (
	OutcomeAllocated BatchOutcome = iota
	OutcomeNoneAvailable
	OutcomeConflict
)

// Engine implements batch checkout, release and routing over the store's
// compare-and-swap primitive
type Engine struct {
	db database.CaseDatabase
}

func New(db database.CaseDatabase) *Engine {
	return &Engine{db: db}
}

type scope struct {
	stages     []model.Stage
	lockSub    model.SubStatus
	releaseSub model.SubStatus
}

func scopeFor(track model.Track, phase Phase) (scope, error) {
	switch phase {
	case PhaseAssessment:
		stage, ok := workflow.AssessmentStage(track)
		if !ok {
			return scope{}, ErrUnknownTrack
		}
		// Assessment checkout moves the record from the allocation phase
		// into assessment; release puts it back.
		return scope{
			stages:     []model.Stage{stage},
			lockSub:    model.SubStatusAssessment,
			releaseSub: model.SubStatusAllocation,
		}, nil
	default:
		stages := workflow.TriageStages(track)
		if len(stages) == 0 {
			return scope{}, ErrUnknownTrack
		}
		return scope{stages: stages}, nil
	}
}

// AllocateBatch checks out up to batchSize unassigned records for a
// reviewer. A reviewer who already holds records in scope gets exactly
// those back (idempotent resume: retries and double-clicks never
// accumulate extra batches). Fresh candidates are taken oldest-first;
// each is locked with a conditional write and a candidate whose lock race
// is lost is simply skipped, never retried within this call and never
// fatal to the batch.
func (e *Engine) AllocateBatch(ctx context.Context, org, reviewer string, track model.Track, phase Phase, batchSize int) ([]model.CaseRecord, BatchOutcome, error) {
	sc, err := scopeFor(track, phase)
	if err != nil {
		return nil, OutcomeNoneAvailable, err
	}

	held, err := e.db.AssignedCases(ctx, org, reviewer, sc.stages)
	if err != nil {
		return nil, OutcomeNoneAvailable, err
	}
	if len(held) > 0 {
		log.Debug().
			Str("org", org).
			Str("reviewer", reviewer).
			Int("count", len(held)).
			Msg("Reviewer resumes existing batch")
		return held, OutcomeAllocated, nil
	}

	candidates, err := e.db.UnassignedCases(ctx, org, sc.stages, batchSize)
	if err != nil {
		return nil, OutcomeNoneAvailable, err
	}
	if len(candidates) == 0 {
		return nil, OutcomeNoneAvailable, nil
	}

	batchID := uuid.NewString()
	locked := make([]model.CaseRecord, 0, len(candidates))
	raced := 0

	for _, candidate := range candidates {
		rec, err := e.db.TryLockCase(ctx, org, candidate.ID.Hex(), candidate.Version, reviewer, batchID, sc.lockSub)
		if errors.Is(err, database.ErrPreconditionFailed) {
			raced++
			continue
		}
		if err != nil {
			return nil, OutcomeNoneAvailable, err
		}
		locked = append(locked, *rec)
	}

	if len(locked) == 0 {
		// Everything raced away between query and lock; the caller should
		// just try again.
		log.Debug().
			Str("org", org).
			Str("reviewer", reviewer).
			Int("raced", raced).
			Msg("All allocation candidates lost to concurrent reviewers")
		return nil, OutcomeConflict, nil
	}

	log.Info().
		Str("org", org).
		Str("reviewer", reviewer).
		Str("batchID", batchID).
		Str("track", string(track)).
		Str("phase", string(phase)).
		Int("allocated", len(locked)).
		Int("raced", raced).
		Msg("Allocated case batch")

	return locked, OutcomeAllocated, nil
}

// Get fetches one record
func (e *Engine) Get(ctx context.Context, org, caseID string) (*model.CaseRecord, error) {
	return e.db.GetCaseByID(ctx, org, caseID)
}

// ReleaseBatch clears every lock the reviewer holds in scope
func (e *Engine) ReleaseBatch(ctx context.Context, org, reviewer string, track model.Track, phase Phase) (int64, error) {
	sc, err := scopeFor(track, phase)
	if err != nil {
		return 0, err
	}

	return e.db.ReleaseAssigned(ctx, org, reviewer, sc.stages, sc.releaseSub)
}

// LockSingle locks one record for the legacy single-case view. A reviewer
// holding other records has them auto-released first (last-writer-wins);
// a record held by someone else fails with ErrCaseLocked.
func (e *Engine) LockSingle(ctx context.Context, org, reviewer, caseID string) (*model.CaseRecord, error) {
	rec, err := e.db.GetCaseByID(ctx, org, caseID)
	if err != nil {
		return nil, err
	}

	if rec.AssignedTo == reviewer {
		return rec, nil
	}
	if rec.AssignedTo != "" {
		return nil, ErrCaseLocked
	}

	if _, err := e.db.ReleaseAssigned(ctx, org, reviewer, nil, ""); err != nil {
		return nil, err
	}

	locked, err := e.db.TryLockCase(ctx, org, caseID, rec.Version, reviewer, uuid.NewString(), "")
	if errors.Is(err, database.ErrPreconditionFailed) {
		return nil, ErrCaseLocked
	}
	if err != nil {
		return nil, err
	}

	return locked, nil
}

// Route applies a reviewer decision to a record and persists the
// transition conditionally on the record's version token. A stale token
// fails the whole operation with ErrPreconditionFailed; the caller
// re-fetches and retries, nothing is merged silently. A decision with no
// matching transition still releases the lock but leaves stage and track
// untouched.
func (e *Engine) Route(ctx context.Context, org, reviewer, caseID string, decision workflow.Decision, comment string) (*model.CaseRecord, error) {
	rec, err := e.db.GetCaseByID(ctx, org, caseID)
	if err != nil {
		return nil, err
	}

	var cm *model.CaseComment
	if comment != "" {
		cm = &model.CaseComment{
			Author:    reviewer,
			Text:      comment,
			Stage:     rec.Stage,
			CreatedAt: time.Now(),
		}
	}

	transition := workflow.ApplyDecision(rec.Stage, decision)
	if !transition.Matched {
		return e.db.ReleaseCaseLock(ctx, org, caseID, rec.Version, cm)
	}

	return e.db.ApplyTransition(ctx, org, caseID, rec.Version, transition.Update, cm)
}
