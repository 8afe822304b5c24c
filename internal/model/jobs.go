package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IngestJobType is the worker-registry key for literature ingestion runs
const IngestJobType = "literature-ingest"

// IngestRecord is one raw literature record handed to the pipeline
type IngestRecord struct {
	PMID     string `bson:"pmid" json:"pmid"`
	Title    string `bson:"title" json:"title"`
	Abstract string `bson:"abstract,omitempty" json:"abstract,omitempty"`
}

// IngestPayload is the job payload for an ingestion run
type IngestPayload struct {
	OrganizationID string         `bson:"organization_id" json:"organizationId"`
	ActorID        string         `bson:"actor_id" json:"actorId"`
	Records        []IngestRecord `bson:"records" json:"records"`
}

// JobMetrics tracks per-item terminal outcomes for an ingestion run.
// Created + Duplicates + Failed sums to Found once the run ends.
type JobMetrics struct {
	Found      int `bson:"found" json:"found"`
	Processed  int `bson:"processed" json:"processed"`
	Created    int `bson:"created" json:"created"`
	Duplicates int `bson:"duplicates" json:"duplicates"`
	Failed     int `bson:"failed" json:"failed"`
}

// FailedItem is a durable per-item failure, recorded after the retry budget
// is exhausted so the background retry mechanism can pick it up later
type FailedItem struct {
	PMID     string `bson:"pmid" json:"pmid"`
	Title    string `bson:"title" json:"title"`
	Abstract string `bson:"abstract,omitempty" json:"abstract,omitempty"`
	Error    string `bson:"error" json:"error"`
	Attempts int    `bson:"attempts" json:"attempts"`
}

// Job represents one ingestion run
type Job struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Type        string             `bson:"type" json:"type"`
	Status      JobStatus          `bson:"status" json:"status"`
	Progress    int                `bson:"progress" json:"progress"`
	Metrics     JobMetrics         `bson:"metrics" json:"metrics"`
	Payload     IngestPayload      `bson:"payload" json:"payload"`
	FailedItems []FailedItem       `bson:"failed_items,omitempty" json:"failedItems,omitempty"`
	ErrorList   []string           `bson:"error_list,omitempty" json:"errorList,omitempty"`
	Retried     bool               `bson:"retried" json:"retried"`
	ActorID     string             `bson:"actor_id" json:"actorId"`
	CreatedAt   time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time         `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
}
