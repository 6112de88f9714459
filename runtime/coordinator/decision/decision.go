// Package decision defines the atomic instructions the planner produces and
// the applier executes. Decisions form a closed sum type: every variant
// implements the unexported marker method so the applier's switch is
// exhaustive over this package.
//
// The planner is the only producer (plus the fan engine, which plans its own
// continuation), the applier the only executor. Decisions are plain data:
// constructing one has no effect.
package decision

import (
	"time"

	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

type (
	// Decision is one atomic instruction for the applier.
	Decision interface {
		isDecision()
	}

	// TokenParams carries everything needed to insert a new token.
	TokenParams struct {
		// NodeID is the node the token will execute.
		NodeID string
		// TransitionID is the transition that routed here. Informational.
		TransitionID string
		// ParentTokenID is the routing parent.
		ParentTokenID string
		// PathID is the lineage path.
		PathID string
		// SiblingGroup, BranchIndex and BranchTotal position the token in a
		// fan-out. SiblingGroup is empty outside fan-outs.
		SiblingGroup string
		BranchIndex  int
		BranchTotal  int
		// IterationCounts is the lineage's transition follow counts.
		IterationCounts map[string]int
	}

	// CreateToken inserts a new pending token.
	CreateToken struct {
		Params TokenParams
	}

	// BatchCreateTokens inserts several pending tokens at once. Produced by
	// Batch from consecutive CreateToken decisions.
	BatchCreateTokens struct {
		Params []TokenParams
	}

	// UpdateTokenStatus transitions a token's status. Updates against a
	// terminal token are logged no-ops.
	UpdateTokenStatus struct {
		TokenID string
		Status  token.Status
		// Reason annotates failure/cancellation statuses.
		Reason string
	}

	// BatchUpdateStatus transitions several tokens to the same status.
	// Produced by Batch from consecutive UpdateTokenStatus decisions.
	BatchUpdateStatus struct {
		TokenIDs []string
		Status   token.Status
		Reason   string
	}

	// MarkWaiting parks a token at a synchronization point.
	MarkWaiting struct {
		TokenID   string
		ArrivedAt time.Time
		// Timeout is the sync timeout of the incoming transition; the applier
		// schedules an alarm when positive.
		Timeout time.Duration
	}

	// MarkForDispatch marks a token dispatched; the apply result lists it for
	// the caller to hand to the executor.
	MarkForDispatch struct {
		TokenID string
	}

	// SetContext writes a value at a context path ("state.x").
	SetContext struct {
		Path  string
		Value any
	}

	// ApplyOutput writes a value into the output namespace.
	ApplyOutput struct {
		Path  string
		Value any
	}

	// ApplyOutputMapping evaluates each mapping target from its source in
	// Data and writes the context paths. Missing sources skip the key.
	ApplyOutputMapping struct {
		Mapping map[string]string
		Data    map[string]any
	}

	// InitBranchTable lazily creates the branch output table for a fan-out
	// token.
	InitBranchTable struct {
		TokenID string
		Schema  map[string]any
	}

	// ApplyBranchOutput stores a branch token's task output keyed by its
	// branch index.
	ApplyBranchOutput struct {
		TokenID string
		Output  map[string]any
	}

	// MergeBranches folds branch outputs into the workflow context per the
	// merge spec. BranchIndices aligns with TokenIDs.
	MergeBranches struct {
		TokenIDs      []string
		BranchIndices []int
		Schema        map[string]any
		Merge         *workflow.Merge
	}

	// DropBranchTables removes the branch outputs for the given tokens.
	DropBranchTables struct {
		TokenIDs []string
	}

	// ActivateFanIn requests fan-in activation. The applier does not execute
	// this variant; the fan engine intercepts it so race protection is never
	// bypassed.
	ActivateFanIn struct {
		NodeID       string
		FanInPath    string
		TransitionID string
		// TriggeringTokenID is the token whose arrival met the condition.
		TriggeringTokenID string
		// MergedTokenIDs lists the siblings whose outputs participate in the
		// merge, ordered by branch index.
		MergedTokenIDs []string
	}

	// TryActivateFanIn performs the idempotent fan-in record insert and the
	// uniqueness-guarded activation. The apply result reports whether this
	// token won the race.
	TryActivateFanIn struct {
		FanInPath    string
		TransitionID string
		TokenID      string
	}

	// CompleteToken terminally completes one token.
	CompleteToken struct {
		TokenID string
	}

	// CompleteTokens terminally completes several tokens.
	CompleteTokens struct {
		TokenIDs []string
	}

	// CancelTokens terminally cancels several tokens with a reason.
	CancelTokens struct {
		TokenIDs []string
		Reason   string
	}

	// InitializeWorkflow creates the context namespaces, sets the run status
	// to running and emits the started milestone.
	InitializeWorkflow struct {
		Input map[string]any
	}

	// CompleteWorkflow terminally completes the run with its final output.
	CompleteWorkflow struct {
		Output map[string]any
	}

	// FailWorkflow terminally fails the run, cancelling active tokens and
	// cascading to running subworkflows.
	FailWorkflow struct {
		Reason string
	}

	// MarkWaitingForSubworkflow parks a token while a child run executes.
	MarkWaitingForSubworkflow struct {
		TokenID          string
		SubworkflowRunID string
		// Timeout bounds the child run. Zero disables the timeout.
		Timeout time.Duration
	}

	// ResumeFromSubworkflow feeds a child run's output back into the parent
	// token's task-result path.
	ResumeFromSubworkflow struct {
		TokenID string
		Output  map[string]any
	}

	// FailFromSubworkflow fails the parent token and run after a child run
	// failure.
	FailFromSubworkflow struct {
		TokenID string
		Reason  string
	}

	// TimeoutSubworkflow cancels an overdue child run and fails the parent.
	TimeoutSubworkflow struct {
		TokenID          string
		SubworkflowRunID string
		Elapsed          time.Duration
		Budget           time.Duration
	}
)

func (CreateToken) isDecision()               {}
func (BatchCreateTokens) isDecision()         {}
func (UpdateTokenStatus) isDecision()         {}
func (BatchUpdateStatus) isDecision()         {}
func (MarkWaiting) isDecision()               {}
func (MarkForDispatch) isDecision()           {}
func (SetContext) isDecision()                {}
func (ApplyOutput) isDecision()               {}
func (ApplyOutputMapping) isDecision()        {}
func (InitBranchTable) isDecision()           {}
func (ApplyBranchOutput) isDecision()         {}
func (MergeBranches) isDecision()             {}
func (DropBranchTables) isDecision()          {}
func (ActivateFanIn) isDecision()             {}
func (TryActivateFanIn) isDecision()          {}
func (CompleteToken) isDecision()             {}
func (CompleteTokens) isDecision()            {}
func (CancelTokens) isDecision()              {}
func (InitializeWorkflow) isDecision()        {}
func (CompleteWorkflow) isDecision()          {}
func (FailWorkflow) isDecision()              {}
func (MarkWaitingForSubworkflow) isDecision() {}
func (ResumeFromSubworkflow) isDecision()     {}
func (FailFromSubworkflow) isDecision()       {}
func (TimeoutSubworkflow) isDecision()        {}
