package controller

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"vigilit/internal/allocation"
	"vigilit/internal/model"
	"vigilit/internal/workflow"
)

var (
	ErrUnknownDestination = errors.New("unknown routing destination")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
)

// CaseController is the thin adapter between the HTTP layer and the
// allocation engine: input parsing and destination mapping only, no
// checkout or routing logic of its own.
type CaseController interface {
	Allocate(ctx context.Context, org, reviewer string, track model.Track, phase allocation.Phase, batchSize int) ([]model.CaseRecord, allocation.BatchOutcome, error)
	Release(ctx context.Context, org, reviewer string, track model.Track, phase allocation.Phase) (int64, error)
	Lock(ctx context.Context, org, reviewer, caseID string) (*model.CaseRecord, error)
	Route(ctx context.Context, org, reviewer, caseID, destination, previousTrack, comments string) (*model.CaseRecord, error)
}

type caseController struct {
	engine           *allocation.Engine
	defaultBatchSize int
}

func NewCaseController(engine *allocation.Engine, defaultBatchSize int) CaseController {
	return &caseController{
		engine:           engine,
		defaultBatchSize: defaultBatchSize,
	}
}

func (c *caseController) Allocate(ctx context.Context, org, reviewer string, track model.Track, phase allocation.Phase, batchSize int) ([]model.CaseRecord, allocation.BatchOutcome, error) {
	if batchSize == 0 {
		batchSize = c.defaultBatchSize
	}
	if batchSize < 0 {
		return nil, allocation.OutcomeNoneAvailable, ErrInvalidBatchSize
	}

	return c.engine.AllocateBatch(ctx, org, reviewer, track, phase, batchSize)
}

func (c *caseController) Release(ctx context.Context, org, reviewer string, track model.Track, phase allocation.Phase) (int64, error) {
	return c.engine.ReleaseBatch(ctx, org, reviewer, track, phase)
}

func (c *caseController) Lock(ctx context.Context, org, reviewer, caseID string) (*model.CaseRecord, error) {
	return c.engine.LockSingle(ctx, org, reviewer, caseID)
}

func (c *caseController) Route(ctx context.Context, org, reviewer, caseID, destination, previousTrack, comments string) (*model.CaseRecord, error) {
	decision, ok := decisionFor(destination)
	if !ok {
		return nil, ErrUnknownDestination
	}

	// previousTrack is the client's idea of what it was routing; a mismatch
	// means the record moved underneath the client and is worth a warning
	// even though the version check is what actually protects the write.
	if previousTrack != "" {
		if rec, err := c.engine.Get(ctx, org, caseID); err == nil && string(rec.Track) != previousTrack {
			log.Warn().
				Str("org", org).
				Str("caseID", caseID).
				Str("clientTrack", previousTrack).
				Str("actualTrack", string(rec.Track)).
				Msg("Routing client held a stale track")
		}
	}

	return c.engine.Route(ctx, org, reviewer, caseID, decision, comments)
}

// decisionFor maps an API destination to a workflow decision. Both the
// short track names and the full decision names are accepted.
func decisionFor(destination string) (workflow.Decision, bool) {
	switch destination {
	case "ICSR", string(workflow.DecisionMoveToICSR):
		return workflow.DecisionMoveToICSR, true
	case "AOI", string(workflow.DecisionMoveToAOI):
		return workflow.DecisionMoveToAOI, true
	case "NO_CASE", string(workflow.DecisionMoveToNoCase):
		return workflow.DecisionMoveToNoCase, true
	default:
		return "", false
	}
}
