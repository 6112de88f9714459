// Package workflow defines the immutable workflow graph consumed by the
// coordinator: nodes, transitions, synchronization specs, and the Definitions
// reader the planner and applier resolve them through. Definitions are loaded
// once per run and never mutated; all run state lives in the stores.
package workflow

import (
	"fmt"
	"time"
)

type (
	// Def is a complete workflow definition: a directed graph of nodes joined
	// by prioritized transitions, plus the mapping that shapes the final
	// workflow output from the context.
	Def struct {
		// ID identifies the workflow definition.
		ID string
		// Version is the definition version dispatched with task requests.
		Version string
		// InitialNodeID is the node the root token starts at.
		InitialNodeID string
		// Nodes lists the graph vertices keyed by their IDs.
		Nodes []Node
		// Transitions lists the directed edges of the graph.
		Transitions []Transition
		// OutputMapping maps final output keys to context source expressions
		// of the form "$.<namespace>.<path>" (e.g. "$.state.total").
		OutputMapping map[string]string
	}

	// Node is a vertex in the workflow graph. A node optionally carries a
	// task (executed by the external executor), a subworkflow reference, or
	// neither (pass-through).
	Node struct {
		// ID identifies the node within the definition.
		ID string
		// TaskID names the task the executor runs for this node. Empty for
		// pass-through and subworkflow nodes.
		TaskID string
		// TaskVersion pins the task definition version. Optional.
		TaskVersion string
		// SubworkflowID names a child workflow to dispatch instead of a task.
		SubworkflowID string
		// SubworkflowVersion pins the child workflow version. Optional.
		SubworkflowVersion string
		// SubworkflowTimeout bounds the child workflow wall-clock time. Zero
		// means no timeout.
		SubworkflowTimeout time.Duration
		// InputMapping maps task (or subworkflow) input keys to context
		// source expressions ("$.input.x", "$.state.y").
		InputMapping map[string]string
		// OutputMapping maps context target paths ("state.y", "output.z") to
		// source expressions over the task output ("$.y"). During fan-out
		// only "state.*" targets apply to shared context; "output.*" entries
		// stay in the branch table until merge.
		OutputMapping map[string]string
		// OutputSchema is the JSON schema for the task output, used to
		// initialize branch tables and validate branch outputs. Optional.
		OutputSchema map[string]any
		// ResourceBindings names external resources (model profiles,
		// personas) resolved by the executor. Opaque to the coordinator.
		ResourceBindings map[string]string
	}

	// Transition is a directed edge between nodes. Transitions carry the
	// routing inputs (priority, condition), fan-out configuration (spawn
	// count, sibling group, foreach), the synchronization spec evaluated when
	// a token arrives at the target node, and loop limits.
	Transition struct {
		// ID identifies the transition; iteration counts are keyed by it.
		ID string
		// From and To are node IDs.
		From string
		To   string
		// Priority orders condition evaluation. Lower tiers are evaluated
		// first; the first tier with at least one match wins entirely.
		Priority int
		// Condition is a jq expression evaluated against the context snapshot
		// ({input, state, output}). Empty means always match. A condition
		// that errors is treated as non-matching.
		Condition string
		// SpawnCount is the static number of tokens to create when the
		// transition matches. Zero means 1. Foreach overrides it.
		SpawnCount int
		// SiblingGroup marks the transition as a fan-out origin: all tokens
		// it spawns share this group label.
		SiblingGroup string
		// Foreach spawns one token per element of a context collection.
		Foreach *Foreach
		// Synchronization is the fan-in spec applied to tokens arriving at To.
		Synchronization *Synchronization
		// Loop bounds how many times one lineage may follow this transition.
		Loop *LoopConfig
	}

	// Foreach configures collection-driven fan-out: one token is spawned per
	// element of the resolved collection.
	Foreach struct {
		// Collection is a dotted context path ("state.items"). When the value
		// at the path is not an array the spawn count falls back to 1.
		Collection string
		// ItemVar optionally names the per-branch variable the executor binds
		// the element to.
		ItemVar string
	}

	// Synchronization describes how fan-out branches merge back into a single
	// continuation token at the target node.
	Synchronization struct {
		// Strategy decides when the fan-in fires.
		Strategy Strategy
		// SiblingGroup scopes the fan-in to tokens of this group.
		SiblingGroup string
		// Merge optionally combines branch outputs into the shared context.
		Merge *Merge
		// Timeout bounds how long waiting siblings may park. Zero disables.
		Timeout time.Duration
		// OnTimeout selects the timeout behavior: "fail" (default) or
		// "proceed_with_available".
		OnTimeout TimeoutBehavior
	}

	// Strategy is the fan-in firing rule: any, all, or m-of-n.
	Strategy struct {
		// Kind is one of StrategyAny, StrategyAll, StrategyMOfN.
		Kind StrategyKind
		// N is the required completed-sibling count for StrategyMOfN.
		N int
	}

	// StrategyKind enumerates synchronization strategies.
	StrategyKind string

	// TimeoutBehavior enumerates synchronization timeout behaviors.
	TimeoutBehavior string

	// Merge describes how branch outputs fold into the workflow context at
	// fan-in time.
	Merge struct {
		// Source is the branch-output path to read from each branch, in the
		// "_branch.output.<path>" namespace.
		Source string
		// Target is the context path to write the merged value to.
		Target string
		// Strategy selects the merge algorithm.
		Strategy MergeStrategy
	}

	// MergeStrategy enumerates branch merge algorithms.
	MergeStrategy string

	// LoopConfig bounds loop transitions.
	LoopConfig struct {
		// MaxIterations is the number of times one lineage may follow the
		// transition before it stops matching. Must be >= 1.
		MaxIterations int
	}

	// Run binds a definition to one execution: its input, its position in the
	// run tree, and the project it belongs to.
	Run struct {
		// RunID identifies this execution.
		RunID string
		// RootRunID is the top of the run tree; equal to RunID for top-level
		// runs.
		RootRunID string
		// ParentRunID and ParentTokenID locate the parent when this run is a
		// subworkflow. Empty for top-level runs.
		ParentRunID   string
		ParentTokenID string
		// ProjectID scopes resource resolution in the executor.
		ProjectID string
		// Input is the workflow input payload.
		Input map[string]any
		// Def is the immutable workflow definition.
		Def *Def
	}

	// Definitions is the read-only view of a run and its definition the
	// coordinator core works against.
	Definitions interface {
		// WorkflowRun returns the run binding.
		WorkflowRun() *Run
		// WorkflowDef returns the workflow definition.
		WorkflowDef() *Def
		// Node returns the node with the given ID.
		Node(id string) (*Node, error)
		// Transitions returns all transitions of the definition.
		Transitions() []*Transition
		// TransitionsFrom returns the transitions leaving the given node.
		TransitionsFrom(nodeID string) []*Transition
	}
)

const (
	// StrategyAny fires the fan-in on the first arriving sibling.
	StrategyAny StrategyKind = "any"
	// StrategyAll fires once every sibling reached a terminal status.
	StrategyAll StrategyKind = "all"
	// StrategyMOfN fires once N siblings completed successfully.
	StrategyMOfN StrategyKind = "m_of_n"

	// TimeoutFail fails the workflow when the synchronization times out.
	TimeoutFail TimeoutBehavior = "fail"
	// TimeoutProceed activates the fan-in with whatever siblings completed.
	TimeoutProceed TimeoutBehavior = "proceed_with_available"

	// MergeAppend appends each branch value to an array at the target.
	MergeAppend MergeStrategy = "append"
	// MergeCollect appends like MergeAppend but tolerates scalar sources.
	MergeCollect MergeStrategy = "collect"
	// MergeObject shallow-merges each branch object into the target object.
	MergeObject MergeStrategy = "merge_object"
	// MergeKeyedByBranch builds an object keyed by branch index.
	MergeKeyedByBranch MergeStrategy = "keyed_by_branch"
	// MergeLastWins overwrites the target; the highest branch index remains.
	MergeLastWins MergeStrategy = "last_wins"
)

// FanInPath computes the unique activation key for a fan-in:
// "<siblingGroup>:<targetNodeID>". The key is shared by every matched
// transition pointing the group at the same target, so the uniqueness
// constraint covers all of them.
func FanInPath(siblingGroup, toNodeID string) string {
	return siblingGroup + ":" + toNodeID
}

// StaticDefinitions is the canonical Definitions implementation over an
// in-memory Run. It indexes nodes and transitions at construction.
type StaticDefinitions struct {
	run         *Run
	nodes       map[string]*Node
	transitions []*Transition
	outgoing    map[string][]*Transition
}

// NewStaticDefinitions builds a Definitions reader for the given run. The run
// and its definition must have passed Validate; NewStaticDefinitions only
// indexes, it does not re-validate.
func NewStaticDefinitions(run *Run) (*StaticDefinitions, error) {
	if run == nil || run.Def == nil {
		return nil, fmt.Errorf("workflow: run and definition are required")
	}
	d := &StaticDefinitions{
		run:      run,
		nodes:    make(map[string]*Node, len(run.Def.Nodes)),
		outgoing: make(map[string][]*Transition),
	}
	for i := range run.Def.Nodes {
		n := &run.Def.Nodes[i]
		d.nodes[n.ID] = n
	}
	for i := range run.Def.Transitions {
		t := &run.Def.Transitions[i]
		d.transitions = append(d.transitions, t)
		d.outgoing[t.From] = append(d.outgoing[t.From], t)
	}
	return d, nil
}

// WorkflowRun returns the run binding.
func (d *StaticDefinitions) WorkflowRun() *Run { return d.run }

// WorkflowDef returns the workflow definition.
func (d *StaticDefinitions) WorkflowDef() *Def { return d.run.Def }

// Node returns the node with the given ID.
func (d *StaticDefinitions) Node(id string) (*Node, error) {
	n, ok := d.nodes[id]
	if !ok {
		return nil, fmt.Errorf("workflow: node %q not found", id)
	}
	return n, nil
}

// Transitions returns all transitions of the definition.
func (d *StaticDefinitions) Transitions() []*Transition { return d.transitions }

// TransitionsFrom returns the transitions leaving the given node.
func (d *StaticDefinitions) TransitionsFrom(nodeID string) []*Transition {
	return d.outgoing[nodeID]
}
