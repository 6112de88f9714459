// Package store defines the transactional local state of a single workflow
// run: tokens, workflow context, branch output tables, fan-in activation
// records, subworkflow records and the run status. One Stores instance is
// owned exclusively by one coordinator; the single-actor model means there
// are never concurrent writers for a run.
//
// The in-memory implementation in this package backs tests and embedded use.
// features/store/sqlite provides a durable implementation where the fan-in
// uniqueness is a real UNIQUE constraint.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/weave/runtime/coordinator/ctxstore"
	"goa.design/weave/runtime/coordinator/token"
)

var (
	// ErrTokenExists reports an insert collision on a token ID.
	ErrTokenExists = errors.New("token already exists")
	// ErrTokenNotFound reports a lookup miss.
	ErrTokenNotFound = errors.New("token not found")
	// ErrFanInTaken reports that a fan-in was already activated by another
	// token. This is the uniqueness constraint surfacing as an error.
	ErrFanInTaken = errors.New("fan-in already activated")
	// ErrContextNotInitialized reports access to the context before
	// InitializeWorkflow ran.
	ErrContextNotInitialized = errors.New("context not initialized")
)

type (
	// RunStatus is the workflow-run lifecycle state.
	RunStatus string

	// SubworkflowStatus is the lifecycle state of a subworkflow record.
	SubworkflowStatus string

	// FanInRecord tracks the at-most-one activation of a fan-in point.
	// Records are created on first arrival and never deleted during the run.
	FanInRecord struct {
		RunID string
		// FanInPath is "<siblingGroup>:<targetNodeID>", unique per run.
		FanInPath string
		// ActivatedBy is the token that won the activation race.
		ActivatedBy  string
		TransitionID string
		CreatedAt    time.Time
	}

	// SubworkflowRecord tracks one child run dispatched by a parent token.
	SubworkflowRecord struct {
		RunID            string
		ParentTokenID    string
		SubworkflowRunID string
		Status           SubworkflowStatus
		// Timeout bounds the child run wall-clock time. Zero disables.
		Timeout time.Duration
		// DispatchedAt anchors the timeout budget.
		DispatchedAt time.Time
	}

	// Tokens persists the run's tokens.
	Tokens interface {
		// Insert adds a new token. Returns ErrTokenExists on ID collision.
		Insert(ctx context.Context, tok token.Token) error
		// Get returns the token with the given ID or ErrTokenNotFound.
		Get(ctx context.Context, id string) (token.Token, error)
		// Save overwrites an existing token. Returns ErrTokenNotFound when
		// the token was never inserted.
		Save(ctx context.Context, tok token.Token) error
		// List returns all tokens of the run ordered by ID.
		List(ctx context.Context) ([]token.Token, error)
		// ListSiblings returns the tokens of a sibling group ordered by
		// branch index.
		ListSiblings(ctx context.Context, siblingGroup string) ([]token.Token, error)
	}

	// Context persists the run's workflow context.
	Context interface {
		// Init creates the namespaces with the given input. Idempotent
		// initialization is an error; the run initializes exactly once.
		Init(ctx context.Context, input map[string]any) error
		// Snapshot returns a deep copy of the context for planning.
		Snapshot(ctx context.Context) (*ctxstore.Context, error)
		// Set writes a value at a dotted namespace path ("state.x").
		Set(ctx context.Context, path string, value any) error
	}

	// Branches persists per-token branch outputs during fan-out.
	Branches interface {
		// Init lazily creates the branch table for a token. Calling Init on
		// an existing table is a no-op.
		Init(ctx context.Context, tokenID string, schema map[string]any) error
		// Put stores a branch token's output.
		Put(ctx context.Context, tokenID string, output map[string]any) error
		// Get returns a branch token's output; ok is false when absent.
		Get(ctx context.Context, tokenID string) (output map[string]any, ok bool, err error)
		// Drop removes the branch outputs for the given tokens.
		Drop(ctx context.Context, tokenIDs []string) error
	}

	// FanIns persists fan-in activation records with a uniqueness guarantee
	// on the fan-in path.
	FanIns interface {
		// TryActivate inserts the record if absent and attempts to claim the
		// activation for tokenID. It returns true when the claim succeeded
		// and false when another token already holds it. Implementations
		// must make the claim atomic; the first writer wins.
		TryActivate(ctx context.Context, fanInPath, transitionID, tokenID string, now time.Time) (bool, error)
		// Get returns the record for a fan-in path; ok is false when no
		// token arrived yet.
		Get(ctx context.Context, fanInPath string) (rec FanInRecord, ok bool, err error)
	}

	// Subworkflows persists child-run records keyed by parent token.
	Subworkflows interface {
		// Register records a newly dispatched child run.
		Register(ctx context.Context, rec SubworkflowRecord) error
		// Get returns the record for a parent token; ok is false when the
		// token never dispatched a child.
		Get(ctx context.Context, parentTokenID string) (rec SubworkflowRecord, ok bool, err error)
		// SetStatus updates a record's lifecycle status.
		SetStatus(ctx context.Context, parentTokenID string, status SubworkflowStatus) error
		// ListRunning returns all records still in StatusSubRunning.
		ListRunning(ctx context.Context) ([]SubworkflowRecord, error)
	}

	// Status persists the run lifecycle status.
	Status interface {
		// Get returns the current run status.
		Get(ctx context.Context) (RunStatus, error)
		// Set transitions the run status. Callers guard terminal states; the
		// store just writes.
		Set(ctx context.Context, status RunStatus) error
	}

	// Stores aggregates the per-run state stores.
	Stores interface {
		Tokens() Tokens
		Context() Context
		Branches() Branches
		FanIns() FanIns
		Subworkflows() Subworkflows
		Status() Status
	}
)

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run finished successfully. Terminal.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run failed. Terminal.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled. Terminal.
	RunStatusCancelled RunStatus = "cancelled"

	// StatusSubRunning indicates the child run is executing.
	StatusSubRunning SubworkflowStatus = "running"
	// StatusSubCompleted indicates the child run completed.
	StatusSubCompleted SubworkflowStatus = "completed"
	// StatusSubFailed indicates the child run failed.
	StatusSubFailed SubworkflowStatus = "failed"
	// StatusSubCancelled indicates the child run was cancelled.
	StatusSubCancelled SubworkflowStatus = "cancelled"
)

// Terminal reports whether the run status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}
