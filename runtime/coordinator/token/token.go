// Package token defines the state-carrying handle for one in-flight execution
// point in a workflow graph. Every unit of work the coordinator tracks — a
// task invocation, a fan-out branch, a fan-in continuation, a subworkflow
// parent — is represented by a Token moving through a small status machine.
//
// Tokens are owned exclusively by the coordinator of their run. Statuses are
// monotonic: once a token reaches a terminal status (completed, failed,
// cancelled, timed_out) it never transitions again. The applier enforces this
// guard; callers observing a terminal token must treat further results for it
// as stale.
package token

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Token is one in-flight execution point. Exactly one token exists per
	// (RunID, ID) pair. Lineage is recorded twice: ParentTokenID is a weak
	// reference for traversal, and PathID is a dot-separated breadcrumb used
	// for tracing (e.g. "root.review.1").
	Token struct {
		// ID is a sortable unique identifier (UUIDv7).
		ID string
		// RunID identifies the owning workflow run.
		RunID string
		// NodeID is the workflow node this token executes.
		NodeID string
		// Status is the current lifecycle status.
		Status Status
		// ParentTokenID references the token whose routing created this one.
		// Empty for the root token.
		ParentTokenID string
		// PathID is the lineage path for tracing. Branch tokens append their
		// branch index; continuation tokens inherit the parent path.
		PathID string
		// SiblingGroup labels the set of tokens spawned by one fan-out
		// transition. Empty when the token is not part of a fan-out.
		SiblingGroup string
		// BranchIndex is this token's position within its sibling group.
		BranchIndex int
		// BranchTotal is the number of siblings in the group. 1 when the token
		// is not part of a fan-out.
		BranchTotal int
		// IterationCounts maps transition IDs to how many times this lineage
		// has followed them, for loop-count limits.
		IterationCounts map[string]int
		// Attempt counts task execution attempts for retry policies.
		Attempt int
		// ArrivedAt records when the token reached a synchronization point.
		// Zero while the token is not waiting.
		ArrivedAt time.Time
		// CreatedAt and UpdatedAt are maintained by the token store.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Status represents the lifecycle state of a token.
	Status string
)

const (
	// StatusPending indicates the token has been created but not dispatched.
	StatusPending Status = "pending"
	// StatusDispatched indicates the token has been handed to the task
	// executor and no result has arrived yet.
	StatusDispatched Status = "dispatched"
	// StatusExecuting indicates the executor acknowledged the task and is
	// actively running it.
	StatusExecuting Status = "executing"
	// StatusWaitingForSiblings indicates the token arrived at a fan-in and is
	// parked until the synchronization condition is met.
	StatusWaitingForSiblings Status = "waiting_for_siblings"
	// StatusWaitingForSubworkflow indicates the token dispatched a child
	// workflow and is parked until the child reports back.
	StatusWaitingForSubworkflow Status = "waiting_for_subworkflow"
	// StatusCompleted indicates the token finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the token failed permanently. Terminal.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the token was cancelled, typically because a
	// sibling activated a fan-in first or the run failed. Terminal.
	StatusCancelled Status = "cancelled"
	// StatusTimedOut indicates the token exceeded a synchronization or
	// subworkflow timeout budget. Terminal.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status is absorbing. Tokens in a terminal
// status never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Active reports whether the token still participates in the run: it is
// neither terminal nor unknown. Active tokens are cancelled when the run
// fails or is cancelled.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusExecuting,
		StatusWaitingForSiblings, StatusWaitingForSubworkflow:
		return true
	default:
		return false
	}
}

// InFlight reports whether the token is currently owned by the task executor
// or awaiting dispatch. In-flight siblings are cancelled when a fan-in
// activates before they complete.
func (s Status) InFlight() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusExecuting:
		return true
	default:
		return false
	}
}

// NewID returns a sortable globally unique token identifier. UUIDv7 embeds a
// millisecond timestamp so lexicographic order tracks creation order, which
// keeps fan-in activation deterministic within one entry-point invocation.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CloneIterationCounts returns a defensive copy of the given iteration count
// map. Nil and empty maps normalize to nil.
func CloneIterationCounts(src map[string]int) map[string]int {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
