package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vigilit/internal/config"
)

// Sentinel errors for the expected, recoverable branches. Callers detect
// them with errors.Is; a precondition failure is a normal outcome of a lost
// race, never control flow by exception.
var (
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrDuplicateCase      = errors.New("duplicate case for organization and pmid")
	ErrCaseNotFound       = errors.New("case not found")
	ErrJobNotFound        = errors.New("job not found")
)

type Database interface {
	Health() error
	CaseDatabase
	JobDatabase
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	casesCol *mongo.Collection
	jobsCol  *mongo.Collection
}

func New(config *config.Config) (Database, error) {
	clientOptions := options.Client().ApplyURI(config.MongoDB.URI)
	if config.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: config.MongoDB.Username,
			Password: config.MongoDB.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(config.MongoDB.DB)

	casesCol := db.Collection("cases")
	// The unique (organization_id, pmid) index is what makes case creation
	// exactly-once: a concurrent second create surfaces as a duplicate-key
	// error, never a second document.
	caseIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "pmid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Allocation candidate queries: track/stage scoped, FIFO by creation
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "stage", Value: 1}, {Key: "assigned_to", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index(),
		},
		{
			// Partial-field filtering on the coarse phase alone
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "sub_status", Value: 1}},
			Options: options.Index(),
		},
	}

	jobsCol := db.Collection("jobs")
	jobIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
		{
			// Auto-expire finished jobs after six months
			Keys:    bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(60 * 60 * 24 * 30 * 6),
		},
	}

	_, err = casesCol.Indexes().CreateMany(context.Background(), caseIndexModels)
	if err != nil {
		log.Warn().Err(err).Str("Collection", "Cases").Msg("Error creating indexes")
	}

	_, err = jobsCol.Indexes().CreateMany(context.Background(), jobIndexModels)
	if err != nil {
		log.Warn().Err(err).Str("Collection", "Jobs").Msg("Error creating indexes")
	}

	return &mongoDB{
		client:   client,
		db:       db,
		casesCol: casesCol,
		jobsCol:  jobsCol,
	}, nil
}

// Health implements Database interface
func (m *mongoDB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	err := m.client.Ping(ctx, nil)
	if err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}
