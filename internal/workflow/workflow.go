// Package workflow owns the per-record lifecycle: which stage a record
// starts in, how reviewer decisions move it between stages and tracks, and
// which records skip triage via auto-pass.
package workflow

import (
	"github.com/rs/zerolog/log"

	"vigilit/internal/model"
)

// Decision is a reviewer's routing choice for a record under review
type Decision string

const (
	DecisionMoveToICSR   Decision = "MOVE_TO_ICSR"
	DecisionMoveToAOI    Decision = "MOVE_TO_AOI"
	DecisionMoveToNoCase Decision = "MOVE_TO_NO_CASE"
)

// Transition is the outcome of applying a decision to a stage. Matched is
// false for a stage/decision pair outside the table; the caller still
// releases the record's lock but leaves stage and track untouched.
type Transition struct {
	Matched bool
	Update  model.CaseUpdate
}

type tableKey struct {
	stage    model.Stage
	decision Decision
}

type tableEntry struct {
	stage          model.Stage
	track          model.Track
	trackChanged   bool
	recordQueue    bool
}

// Stage/decision transition table. The one asymmetry is deliberate: an AOI
// decision made while reviewing the No-Case queue escalates to full ICSR
// triage, not to AOI assessment. The classification label is left as-is.
var transitions = map[tableKey]tableEntry{
	{model.StageTriageICSR, DecisionMoveToICSR}:        {stage: model.StageAssessmentICSR, track: model.TrackICSR},
	{model.StageTriageICSR, DecisionMoveToAOI}:         {stage: model.StageAssessmentAOI, track: model.TrackAOI, trackChanged: true},
	{model.StageTriageICSR, DecisionMoveToNoCase}:      {stage: model.StageAssessmentNoCase, track: model.TrackNoCase, trackChanged: true},
	{model.StageTriageQueueAOI, DecisionMoveToICSR}:    {stage: model.StageTriageICSR, track: model.TrackICSR, trackChanged: true},
	{model.StageTriageQueueAOI, DecisionMoveToAOI}:     {stage: model.StageAssessmentAOI, track: model.TrackAOI, recordQueue: true},
	{model.StageTriageQueueAOI, DecisionMoveToNoCase}:  {stage: model.StageAssessmentNoCase, track: model.TrackNoCase, trackChanged: true},
	{model.StageTriageQueueNoCase, DecisionMoveToICSR}: {stage: model.StageTriageICSR, track: model.TrackICSR, trackChanged: true},
	{model.StageTriageQueueNoCase, DecisionMoveToAOI}:  {stage: model.StageTriageICSR, track: model.TrackICSR, trackChanged: true},
	{model.StageTriageQueueNoCase, DecisionMoveToNoCase}: {stage: model.StageAssessmentNoCase, track: model.TrackNoCase},

	// Records held without a track: the decision assigns the track and the
	// record enters the normal flow at that track's triage entry point.
	{model.StageManualTriage, DecisionMoveToICSR}:   {stage: model.StageTriageICSR, track: model.TrackICSR, trackChanged: true},
	{model.StageManualTriage, DecisionMoveToAOI}:    {stage: model.StageTriageQueueAOI, track: model.TrackAOI, trackChanged: true},
	{model.StageManualTriage, DecisionMoveToNoCase}: {stage: model.StageTriageQueueNoCase, track: model.TrackNoCase, trackChanged: true},
}

// ApplyDecision evaluates the transition table for a stage/decision pair.
// Every transition, matched or not, releases the record's lock; that part
// is applied by the store alongside the returned field updates. An
// unmatched pair never errors: it is a data-quality signal, logged and
// returned with Matched=false.
func ApplyDecision(current model.Stage, decision Decision) Transition {
	entry, ok := transitions[tableKey{current, decision}]
	if !ok {
		log.Warn().
			Str("stage", string(current)).
			Str("decision", string(decision)).
			Msg("No transition for stage/decision pair, releasing lock only")
		return Transition{Matched: false}
	}

	// The one asymmetric row: AOI found in the No-Case queue escalates to
	// full ICSR triage instead of the AOI queue. Worth tracking how often
	// reviewers hit it.
	if current == model.StageTriageQueueNoCase && decision == DecisionMoveToAOI {
		log.Debug().Msg("Safety-net escalation from No-Case queue to ICSR triage")
	}

	update := model.CaseUpdate{
		Stage:        entry.stage,
		SubStatus:    SubStatusFor(entry.stage),
		Status:       StatusLabel(entry.stage),
		Track:        entry.track,
		TrackChanged: entry.trackChanged,
	}
	if entry.recordQueue {
		update.LastQueueStage = current
		update.SetLastQueueStage = true
	}

	return Transition{Matched: true, Update: update}
}

// InitialPlacement picks the stage a freshly created record starts in.
// Auto-passed records skip triage and land directly in assessment.
func InitialPlacement(track model.Track, autoPassed bool) (model.Stage, model.SubStatus) {
	var stage model.Stage
	switch track {
	case model.TrackICSR:
		stage = model.StageTriageICSR
		if autoPassed {
			stage = model.StageAssessmentICSR
		}
	case model.TrackAOI:
		stage = model.StageTriageQueueAOI
		if autoPassed {
			stage = model.StageAssessmentAOI
		}
	case model.TrackNoCase:
		stage = model.StageTriageQueueNoCase
		if autoPassed {
			stage = model.StageAssessmentNoCase
		}
	default:
		// No track yet: held for manual triage, never auto-passed.
		stage = model.StageManualTriage
	}
	return stage, SubStatusFor(stage)
}

// SubStatusFor maps a stage onto its coarse phase. Assessment stages start
// in the allocation phase; checkout for assessment review moves them to
// the assessment phase.
func SubStatusFor(stage model.Stage) model.SubStatus {
	switch stage {
	case model.StageAssessmentICSR, model.StageAssessmentAOI, model.StageAssessmentNoCase:
		return model.SubStatusAllocation
	default:
		return model.SubStatusTriage
	}
}

// StatusLabel is the human-readable mirror of a stage
func StatusLabel(stage model.Stage) string {
	switch stage {
	case model.StageManualTriage:
		return "Pending Manual Triage"
	case model.StageTriageICSR:
		return "Under Triage Review"
	case model.StageTriageQueueAOI:
		return "In AOI Triage Queue"
	case model.StageTriageQueueNoCase:
		return "In No-Case Triage Queue"
	case model.StageAssessmentICSR:
		return "Under ICSR Assessment"
	case model.StageAssessmentAOI:
		return "Under AOI Assessment"
	case model.StageAssessmentNoCase:
		return "Under No-Case Assessment"
	default:
		return string(stage)
	}
}

// TriageStages returns the stages the triage checkout for a track covers.
// Untracked records surface in the ICSR reviewers' triage queue so they are
// never invisible, but they keep no track until a decision is made.
func TriageStages(track model.Track) []model.Stage {
	switch track {
	case model.TrackICSR:
		return []model.Stage{model.StageTriageICSR, model.StageManualTriage}
	case model.TrackAOI:
		return []model.Stage{model.StageTriageQueueAOI}
	case model.TrackNoCase:
		return []model.Stage{model.StageTriageQueueNoCase}
	default:
		return nil
	}
}

// AssessmentStage returns the assessment stage for a track
func AssessmentStage(track model.Track) (model.Stage, bool) {
	switch track {
	case model.TrackICSR:
		return model.StageAssessmentICSR, true
	case model.TrackAOI:
		return model.StageAssessmentAOI, true
	case model.TrackNoCase:
		return model.StageAssessmentNoCase, true
	default:
		return "", false
	}
}
