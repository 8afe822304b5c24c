package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vigilit/internal/model"
)

// CaseDatabase defines case-record operations. Everything that mutates
// shared workflow fields goes through a conditional write filtered on the
// document's version token: the store has no multi-document transactions,
// so the version filter plus $inc is the compare-and-swap everything else
// builds on.
type CaseDatabase interface {
	// CreateCase inserts a new case. Returns ErrDuplicateCase when the
	// organization already has a case for the same pmid.
	CreateCase(ctx context.Context, record *model.CaseRecord) error

	// GetCaseByID fetches one case within an organization partition
	GetCaseByID(ctx context.Context, org, id string) (*model.CaseRecord, error)

	// FindCaseByPMID is the dedup probe. Returns (nil, nil) when absent.
	FindCaseByPMID(ctx context.Context, org, pmid string) (*model.CaseRecord, error)

	// AssignedCases returns the reviewer's currently held cases in the
	// given stages. Empty stages means any stage.
	AssignedCases(ctx context.Context, org, reviewer string, stages []model.Stage) ([]model.CaseRecord, error)

	// UnassignedCases returns allocation candidates, oldest created first
	UnassignedCases(ctx context.Context, org string, stages []model.Stage, limit int) ([]model.CaseRecord, error)

	// TryLockCase assigns a case to a reviewer iff the version token still
	// matches and nobody holds it. Returns ErrPreconditionFailed when the
	// race was lost. A non-empty subStatus is set as part of the same write.
	TryLockCase(ctx context.Context, org, id string, version int64, reviewer, batchID string, subStatus model.SubStatus) (*model.CaseRecord, error)

	// ReleaseAssigned clears the reviewer's own locks in the given stages.
	// No version check: a reviewer releasing their own lock cannot lose a
	// race against themselves, but the write still only touches lock fields.
	ReleaseAssigned(ctx context.Context, org, reviewer string, stages []model.Stage, subStatus model.SubStatus) (int64, error)

	// ApplyTransition persists a workflow transition conditionally on the
	// version token and releases the lock in the same write. Stale token
	// returns ErrPreconditionFailed; the caller re-fetches and retries.
	ApplyTransition(ctx context.Context, org, id string, version int64, update model.CaseUpdate, comment *model.CaseComment) (*model.CaseRecord, error)

	// ReleaseCaseLock releases the lock without touching stage or track,
	// used when a decision has no matching transition
	ReleaseCaseLock(ctx context.Context, org, id string, version int64, comment *model.CaseComment) (*model.CaseRecord, error)
}

var releaseUnset = bson.M{
	"assigned_to":  "",
	"batch_id":     "",
	"allocated_at": "",
	"locked_at":    "",
}

// CreateCase inserts a new case record
func (m *mongoDB) CreateCase(ctx context.Context, record *model.CaseRecord) error {
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}

	now := time.Now()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Version = 1

	_, err := m.casesCol.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateCase
		}
		log.Error().Err(err).Str("org", record.OrganizationID).Str("pmid", record.PMID).Msg("Failed to create case")
		return err
	}

	log.Debug().
		Str("caseID", record.ID.Hex()).
		Str("org", record.OrganizationID).
		Str("pmid", record.PMID).
		Str("stage", string(record.Stage)).
		Msg("Created case record")
	return nil
}

// GetCaseByID retrieves a case by id within an organization
func (m *mongoDB) GetCaseByID(ctx context.Context, org, id string) (*model.CaseRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrCaseNotFound
	}

	var record model.CaseRecord
	err = m.casesCol.FindOne(ctx, bson.M{"_id": objectID, "organization_id": org}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCaseNotFound
		}
		log.Error().Err(err).Str("caseID", id).Msg("Failed to get case")
		return nil, err
	}

	return &record, nil
}

// FindCaseByPMID checks for an existing case with the same external id
func (m *mongoDB) FindCaseByPMID(ctx context.Context, org, pmid string) (*model.CaseRecord, error) {
	var record model.CaseRecord
	err := m.casesCol.FindOne(ctx, bson.M{"organization_id": org, "pmid": pmid}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		log.Error().Err(err).Str("org", org).Str("pmid", pmid).Msg("Failed to look up case by pmid")
		return nil, err
	}

	return &record, nil
}

func stageFilter(stages []model.Stage) interface{} {
	if len(stages) == 1 {
		return stages[0]
	}
	return bson.M{"$in": stages}
}

// AssignedCases returns the cases a reviewer currently holds
func (m *mongoDB) AssignedCases(ctx context.Context, org, reviewer string, stages []model.Stage) ([]model.CaseRecord, error) {
	filter := bson.M{
		"organization_id": org,
		"assigned_to":     reviewer,
	}
	if len(stages) > 0 {
		filter["stage"] = stageFilter(stages)
	}

	opts := options.Find().SetSort(bson.M{"created_at": 1})

	cursor, err := m.casesCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Str("org", org).Str("reviewer", reviewer).Msg("Failed to query assigned cases")
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []model.CaseRecord
	if err := cursor.All(ctx, &records); err != nil {
		log.Error().Err(err).Msg("Failed to decode assigned cases")
		return nil, err
	}

	return records, nil
}

// UnassignedCases returns allocation candidates in FIFO creation order
func (m *mongoDB) UnassignedCases(ctx context.Context, org string, stages []model.Stage, limit int) ([]model.CaseRecord, error) {
	filter := bson.M{
		"organization_id": org,
		"stage":           stageFilter(stages),
		"assigned_to":     bson.M{"$in": bson.A{nil, ""}},
	}

	opts := options.Find().
		SetSort(bson.M{"created_at": 1}).
		SetLimit(int64(limit))

	cursor, err := m.casesCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Str("org", org).Msg("Failed to query unassigned cases")
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []model.CaseRecord
	if err := cursor.All(ctx, &records); err != nil {
		log.Error().Err(err).Msg("Failed to decode unassigned cases")
		return nil, err
	}

	return records, nil
}

// TryLockCase performs the conditional checkout of a single candidate
func (m *mongoDB) TryLockCase(ctx context.Context, org, id string, version int64, reviewer, batchID string, subStatus model.SubStatus) (*model.CaseRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrCaseNotFound
	}

	now := time.Now()
	set := bson.M{
		"assigned_to":  reviewer,
		"batch_id":     batchID,
		"allocated_at": now,
		"locked_at":    now,
		"updated_at":   now,
	}
	if subStatus != "" {
		set["sub_status"] = subStatus
	}

	filter := bson.M{
		"_id":             objectID,
		"organization_id": org,
		"version":         version,
		"assigned_to":     bson.M{"$in": bson.A{nil, ""}},
	}

	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record model.CaseRecord
	err = m.casesCol.FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Someone else got there first, or the doc changed under us
			return nil, ErrPreconditionFailed
		}
		log.Error().Err(err).Str("caseID", id).Str("reviewer", reviewer).Msg("Failed to lock case")
		return nil, err
	}

	return &record, nil
}

// ReleaseAssigned clears a reviewer's locks in scope
func (m *mongoDB) ReleaseAssigned(ctx context.Context, org, reviewer string, stages []model.Stage, subStatus model.SubStatus) (int64, error) {
	filter := bson.M{
		"organization_id": org,
		"assigned_to":     reviewer,
	}
	if len(stages) > 0 {
		filter["stage"] = stageFilter(stages)
	}

	set := bson.M{"updated_at": time.Now()}
	if subStatus != "" {
		set["sub_status"] = subStatus
	}

	update := bson.M{
		"$set":   set,
		"$unset": releaseUnset,
		"$inc":   bson.M{"version": 1},
	}

	result, err := m.casesCol.UpdateMany(ctx, filter, update)
	if err != nil {
		log.Error().Err(err).Str("org", org).Str("reviewer", reviewer).Msg("Failed to release assigned cases")
		return 0, err
	}

	log.Debug().
		Str("org", org).
		Str("reviewer", reviewer).
		Int64("released", result.ModifiedCount).
		Msg("Released assigned cases")
	return result.ModifiedCount, nil
}

// ApplyTransition writes a workflow transition plus the lock release as one
// conditional update
func (m *mongoDB) ApplyTransition(ctx context.Context, org, id string, version int64, upd model.CaseUpdate, comment *model.CaseComment) (*model.CaseRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrCaseNotFound
	}

	set := bson.M{
		"stage":      upd.Stage,
		"sub_status": upd.SubStatus,
		"status":     upd.Status,
		"updated_at": time.Now(),
	}
	if upd.TrackChanged {
		set["track"] = upd.Track
	}
	if upd.SetLastQueueStage {
		set["last_queue_stage"] = upd.LastQueueStage
	}

	update := bson.M{
		"$set":   set,
		"$unset": releaseUnset,
		"$inc":   bson.M{"version": 1},
	}
	if comment != nil {
		update["$push"] = bson.M{"comments": comment}
	}

	filter := bson.M{
		"_id":             objectID,
		"organization_id": org,
		"version":         version,
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record model.CaseRecord
	err = m.casesCol.FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPreconditionFailed
		}
		log.Error().Err(err).Str("caseID", id).Str("stage", string(upd.Stage)).Msg("Failed to apply transition")
		return nil, err
	}

	log.Debug().
		Str("caseID", id).
		Str("stage", string(record.Stage)).
		Str("track", string(record.Track)).
		Msg("Applied workflow transition")
	return &record, nil
}

// ReleaseCaseLock clears the lock fields only, conditionally on version
func (m *mongoDB) ReleaseCaseLock(ctx context.Context, org, id string, version int64, comment *model.CaseComment) (*model.CaseRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrCaseNotFound
	}

	update := bson.M{
		"$set":   bson.M{"updated_at": time.Now()},
		"$unset": releaseUnset,
		"$inc":   bson.M{"version": 1},
	}
	if comment != nil {
		update["$push"] = bson.M{"comments": comment}
	}

	filter := bson.M{
		"_id":             objectID,
		"organization_id": org,
		"version":         version,
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record model.CaseRecord
	err = m.casesCol.FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPreconditionFailed
		}
		log.Error().Err(err).Str("caseID", id).Msg("Failed to release case lock")
		return nil, err
	}

	return &record, nil
}
