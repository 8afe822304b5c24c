package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Track is the processing lane a record is routed into after classification
type Track string

const (
	TrackICSR   Track = "ICSR"
	TrackAOI    Track = "AOI"
	TrackNoCase Track = "NO_CASE"
	TrackUnset  Track = ""
)

// Stage is the workflow node a record currently occupies
type Stage string

const (
	StageManualTriage      Stage = "MANUAL_TRIAGE"
	StageTriageICSR        Stage = "TRIAGE_ICSR"
	StageTriageQueueAOI    Stage = "TRIAGE_QUEUE_AOI"
	StageTriageQueueNoCase Stage = "TRIAGE_QUEUE_NO_CASE"
	StageAssessmentICSR    Stage = "ASSESSMENT_ICSR"
	StageAssessmentAOI     Stage = "ASSESSMENT_AOI"
	StageAssessmentNoCase  Stage = "ASSESSMENT_NO_CASE"
)

// SubStatus is the coarse phase within a stage, kept as a flat field so
// queries can filter on it without touching the stage enum
type SubStatus string

const (
	SubStatusTriage     SubStatus = "triage"
	SubStatusAllocation SubStatus = "allocation"
	SubStatusAssessment SubStatus = "assessment"
)

// CaseRecord is the unit of work. All workflow fields are flat top-level
// bson fields so partial-field queries stay index-friendly.
type CaseRecord struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrganizationID string             `bson:"organization_id" json:"organizationId"`
	PMID           string             `bson:"pmid" json:"pmid"`
	Title          string             `bson:"title" json:"title"`

	Track               Track  `bson:"track" json:"track"`
	ClassificationLabel string `bson:"classification_label" json:"classificationLabel"`
	SecondaryLabel      string `bson:"secondary_label,omitempty" json:"secondaryLabel,omitempty"`
	ConfirmedFlag       bool   `bson:"confirmed_flag" json:"confirmedFlag"`

	Stage          Stage     `bson:"stage" json:"stage"`
	SubStatus      SubStatus `bson:"sub_status" json:"subStatus"`
	Status         string    `bson:"status" json:"status"`
	IsAutoPassed   bool      `bson:"is_auto_passed" json:"isAutoPassed"`
	LastQueueStage Stage     `bson:"last_queue_stage,omitempty" json:"lastQueueStage,omitempty"`

	AssignedTo  string     `bson:"assigned_to,omitempty" json:"assignedTo,omitempty"`
	BatchID     string     `bson:"batch_id,omitempty" json:"batchId,omitempty"`
	AllocatedAt *time.Time `bson:"allocated_at,omitempty" json:"allocatedAt,omitempty"`
	LockedAt    *time.Time `bson:"locked_at,omitempty" json:"lockedAt,omitempty"`

	RawPayloadURL string `bson:"raw_payload_url,omitempty" json:"rawPayloadUrl,omitempty"`

	Comments []CaseComment `bson:"comments,omitempty" json:"comments,omitempty"`

	// Version is the opaque token every conditional mutation must carry.
	// The store increments it on each write; a stale token fails the write.
	Version int64 `bson:"version" json:"version"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// CaseComment is a reviewer note attached during routing
type CaseComment struct {
	Author    string    `bson:"author" json:"author"`
	Text      string    `bson:"text" json:"text"`
	Stage     Stage     `bson:"stage" json:"stage"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// CaseUpdate carries the field changes a workflow transition produces.
// The store applies it as one conditional write together with the
// unconditional lock release.
type CaseUpdate struct {
	Stage             Stage
	SubStatus         SubStatus
	Status            string
	Track             Track
	TrackChanged      bool
	LastQueueStage    Stage
	SetLastQueueStage bool
}
