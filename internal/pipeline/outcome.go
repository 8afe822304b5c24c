package pipeline

import "vigilit/internal/model"

// OutcomeKind is the terminal state of one pipeline item. Every input
// record ends in exactly one of these; nothing is silently dropped.
type OutcomeKind string

const (
	OutcomeCreated   OutcomeKind = "created"
	OutcomeDuplicate OutcomeKind = "duplicate-skipped"
	OutcomeFailed    OutcomeKind = "durably-failed"
)

// Outcome reports the terminal state of a single record
type Outcome struct {
	Kind     OutcomeKind
	Record   model.IngestRecord
	Error    string
	Attempts int
}

func createdOutcome(rec model.IngestRecord, attempts int) Outcome {
	return Outcome{Kind: OutcomeCreated, Record: rec, Attempts: attempts}
}

func duplicateOutcome(rec model.IngestRecord) Outcome {
	return Outcome{Kind: OutcomeDuplicate, Record: rec}
}

func failedOutcome(rec model.IngestRecord, attempts int, msg string) Outcome {
	return Outcome{Kind: OutcomeFailed, Record: rec, Attempts: attempts, Error: msg}
}
