// Package mongo adapts the coordinator's resources.Client contract to a
// MongoDB-backed run status collection. Records are keyed by run ID with a
// unique index, so concurrent writers for the same run collapse to one
// document.
package mongo

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/features/status/mongo/clients/mongo"
)

type (
	// Record is one run's persisted terminal state as seen by store callers.
	Record struct {
		RunID     string
		Status    string
		Output    map[string]any
		UpdatedAt time.Time
	}

	// Store persists run terminal states in MongoDB. It implements
	// resources.Client.
	Store struct {
		client mongo.Client
	}
)

// NewStore wraps a Mongo run status client.
func NewStore(client mongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Store{client: client}, nil
}

// CompleteRun records the run's completion with its final output.
func (s *Store) CompleteRun(ctx context.Context, runID string, output map[string]any) error {
	return s.client.Upsert(ctx, mongo.Record{
		RunID:  runID,
		Status: "completed",
		Output: output,
	})
}

// UpdateRunStatus records a terminal status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	return s.client.Upsert(ctx, mongo.Record{
		RunID:  runID,
		Status: status,
	})
}

// Load returns the persisted record for a run.
func (s *Store) Load(ctx context.Context, runID string) (Record, error) {
	rec, err := s.client.Load(ctx, runID)
	if err != nil {
		return Record{}, err
	}
	return fromClient(rec), nil
}

func fromClient(rec mongo.Record) Record {
	return Record{
		RunID:     rec.RunID,
		Status:    rec.Status,
		Output:    rec.Output,
		UpdatedAt: rec.UpdatedAt,
	}
}
