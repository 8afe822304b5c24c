package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigilit/internal/model"
)

func TestApplyDecisionTable(t *testing.T) {
	tests := []struct {
		from      model.Stage
		decision  Decision
		wantStage model.Stage
		wantTrack model.Track
	}{
		{model.StageTriageICSR, DecisionMoveToICSR, model.StageAssessmentICSR, model.TrackICSR},
		{model.StageTriageICSR, DecisionMoveToAOI, model.StageAssessmentAOI, model.TrackAOI},
		{model.StageTriageICSR, DecisionMoveToNoCase, model.StageAssessmentNoCase, model.TrackNoCase},
		{model.StageTriageQueueAOI, DecisionMoveToICSR, model.StageTriageICSR, model.TrackICSR},
		{model.StageTriageQueueAOI, DecisionMoveToAOI, model.StageAssessmentAOI, model.TrackAOI},
		{model.StageTriageQueueAOI, DecisionMoveToNoCase, model.StageAssessmentNoCase, model.TrackNoCase},
		{model.StageTriageQueueNoCase, DecisionMoveToICSR, model.StageTriageICSR, model.TrackICSR},
		// AOI found while reviewing the No-Case queue escalates to full
		// ICSR triage, not AOI assessment.
		{model.StageTriageQueueNoCase, DecisionMoveToAOI, model.StageTriageICSR, model.TrackICSR},
		{model.StageTriageQueueNoCase, DecisionMoveToNoCase, model.StageAssessmentNoCase, model.TrackNoCase},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.from, tt.decision), func(t *testing.T) {
			tr := ApplyDecision(tt.from, tt.decision)
			require.True(t, tr.Matched)
			assert.Equal(t, tt.wantStage, tr.Update.Stage)
			assert.Equal(t, tt.wantTrack, tr.Update.Track)
			assert.Equal(t, SubStatusFor(tt.wantStage), tr.Update.SubStatus)
			assert.Equal(t, StatusLabel(tt.wantStage), tr.Update.Status)
		})
	}
}

func TestApplyDecisionRecordsQueueBreadcrumb(t *testing.T) {
	tr := ApplyDecision(model.StageTriageQueueAOI, DecisionMoveToAOI)
	require.True(t, tr.Matched)
	assert.True(t, tr.Update.SetLastQueueStage)
	assert.Equal(t, model.StageTriageQueueAOI, tr.Update.LastQueueStage)

	tr = ApplyDecision(model.StageTriageICSR, DecisionMoveToICSR)
	require.True(t, tr.Matched)
	assert.False(t, tr.Update.SetLastQueueStage)
}

func TestApplyDecisionUnmatchedPair(t *testing.T) {
	// Decisions on assessment stages are outside the table: lock release
	// only, stage and track untouched.
	tr := ApplyDecision(model.StageAssessmentICSR, DecisionMoveToAOI)
	assert.False(t, tr.Matched)

	tr = ApplyDecision(model.Stage("BOGUS"), DecisionMoveToICSR)
	assert.False(t, tr.Matched)
}

func TestInitialPlacement(t *testing.T) {
	tests := []struct {
		track     model.Track
		autoPass  bool
		wantStage model.Stage
	}{
		{model.TrackICSR, false, model.StageTriageICSR},
		{model.TrackICSR, true, model.StageAssessmentICSR},
		{model.TrackAOI, false, model.StageTriageQueueAOI},
		{model.TrackAOI, true, model.StageAssessmentAOI},
		{model.TrackNoCase, false, model.StageTriageQueueNoCase},
		{model.TrackNoCase, true, model.StageAssessmentNoCase},
		{model.TrackUnset, false, model.StageManualTriage},
	}

	for _, tt := range tests {
		stage, sub := InitialPlacement(tt.track, tt.autoPass)
		assert.Equal(t, tt.wantStage, stage)
		assert.Equal(t, SubStatusFor(tt.wantStage), sub)
	}
}

func TestSelectAutoPass(t *testing.T) {
	records := make([]model.IngestRecord, 20)
	for i := range records {
		records[i] = model.IngestRecord{PMID: fmt.Sprintf("pmid-%d", i)}
	}

	selected := SelectAutoPass(records, 25)
	assert.Len(t, selected, 5)

	assert.Empty(t, SelectAutoPass(records, 0))
	assert.Len(t, SelectAutoPass(records, 100), 20)
	assert.Empty(t, SelectAutoPass(nil, 50))

	// Rounding: 10% of 4 records rounds to 0.
	assert.Empty(t, SelectAutoPass(records[:4], 10))
	// 50% of 3 records rounds to 2.
	assert.Len(t, SelectAutoPass(records[:3], 50), 2)
}
