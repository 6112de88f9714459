// Package mongo hosts the MongoDB client used by the run status store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultRunsCollection = "workflow_runs"
	defaultOpTimeout      = 5 * time.Second
	statusClientName      = "run-status-mongo"
)

type (
	// Record is the persisted shape of one run's terminal state.
	Record struct {
		RunID     string         `bson:"run_id"`
		Status    string         `bson:"status"`
		Output    map[string]any `bson:"output,omitempty"`
		UpdatedAt time.Time      `bson:"updated_at"`
	}

	// Client exposes Mongo-backed operations for run status records.
	Client interface {
		health.Pinger

		// Upsert writes the record keyed by run ID.
		Upsert(ctx context.Context, rec Record) error
		// Load returns the record for a run ID.
		Load(ctx context.Context, runID string) (Record, error)
		// EnsureIndexes creates the unique run_id index.
		EnsureIndexes(ctx context.Context) error
	}

	// Options configures the Mongo run status client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

// ErrNotFound reports a missing run record.
var ErrNotFound = errors.New("run record not found")

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

// Name identifies the client for health reporting.
func (c *client) Name() string { return statusClientName }

// Ping verifies connectivity against the primary.
func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Upsert writes the record keyed by run ID.
func (c *client) Upsert(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rec.UpdatedAt = time.Now().UTC()
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"run_id": rec.RunID},
		bson.M{"$set": rec},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert run %q: %w", rec.RunID, err)
	}
	return nil
}

// Load returns the record for a run ID.
func (c *client) Load(ctx context.Context, runID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var rec Record
	err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&rec)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load run %q: %w", runID, err)
	}
	return rec, nil
}

// EnsureIndexes creates the unique run_id index.
func (c *client) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
