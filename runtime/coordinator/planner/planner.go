// Package planner computes decisions from immutable inputs: the workflow
// definition, a context snapshot and the completed token. Planning never
// touches stores and never performs I/O; every effect is returned as a
// decision for the applier. This keeps routing and synchronization logic
// deterministic and directly testable.
package planner

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"goa.design/weave/runtime/coordinator/ctxstore"
	"goa.design/weave/runtime/coordinator/decision"
	"goa.design/weave/runtime/coordinator/hooks"
	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

type (
	// Planner computes routing and synchronization plans.
	Planner struct {
		conds *Conditions
	}

	// Plan is the outcome of one planning step: the decisions to apply plus
	// the trace events describing how the planner got there. Traces are
	// emitted only when the run has trace events enabled.
	Plan struct {
		Decisions []decision.Decision
		Traces    []hooks.TraceEvent
	}

	// RoutingInput carries everything PlanRouting needs.
	RoutingInput struct {
		// Token is the token whose node just completed.
		Token token.Token
		// Transitions are the edges leaving the token's node.
		Transitions []*workflow.Transition
		// Context is a snapshot of the workflow context.
		Context *ctxstore.Context
		// Now anchors timestamps in the plan.
		Now time.Time
	}

	// SiblingCounts summarizes the live state of a sibling group at
	// synchronization time.
	SiblingCounts struct {
		// Terminal counts siblings in completed or failed status.
		Terminal int
		// Completed counts successfully completed siblings only.
		Completed int
	}

	// SyncInput carries everything PlanSynchronization needs to classify one
	// newly created token.
	SyncInput struct {
		// Token is the newly created token.
		Token token.Token
		// ParentNodeID is the node the routing parent completed.
		ParentNodeID string
		// Creating is the transition that created the token.
		Creating *workflow.Transition
		// Transitions are all transitions of the definition.
		Transitions []*workflow.Transition
		// Counts is the live sibling census for the token's group.
		Counts SiblingCounts
		// Now anchors the arrival timestamp.
		Now time.Time
	}
)

// New constructs a planner with an empty condition cache.
func New() *Planner {
	return &Planner{conds: NewConditions()}
}

// PlanRouting evaluates the outgoing transitions of a completed token and
// plans the creation of successor tokens. Transitions are grouped into
// priority tiers (ascending); the first tier with at least one match wins
// entirely and no later tier is evaluated. An empty plan means the token is a
// leaf of the current execution.
func (p *Planner) PlanRouting(in RoutingInput) Plan {
	var plan Plan
	matched := p.matchTier(&plan, in)
	if len(matched) == 0 {
		return plan
	}

	// First pass: per-group branch totals so every spawned sibling knows the
	// full group size up front.
	totals := make(map[string]int)
	counts := make(map[*workflow.Transition]int, len(matched))
	for _, t := range matched {
		n := spawnCount(t, in.Context)
		counts[t] = n
		if t.SiblingGroup != "" {
			totals[t.SiblingGroup] += n
		}
	}

	// Second pass: emit one CreateToken per spawn in transition order.
	indices := make(map[string]int)
	for _, t := range matched {
		for i := 0; i < counts[t]; i++ {
			params := decision.TokenParams{
				NodeID:          t.To,
				TransitionID:    t.ID,
				ParentTokenID:   in.Token.ID,
				IterationCounts: nextIterationCounts(in.Token, t),
			}
			if t.SiblingGroup != "" {
				params.SiblingGroup = t.SiblingGroup
				params.BranchIndex = indices[t.SiblingGroup]
				params.BranchTotal = totals[t.SiblingGroup]
				indices[t.SiblingGroup]++
			} else {
				params.SiblingGroup = in.Token.SiblingGroup
				params.BranchIndex = in.Token.BranchIndex
				params.BranchTotal = in.Token.BranchTotal
			}
			params.PathID = childPathID(in.Token, params)
			plan.Decisions = append(plan.Decisions, decision.CreateToken{Params: params})
		}
	}
	return plan
}

// matchTier evaluates transitions tier by tier and returns the matches of the
// first tier that produced any, preserving definition order within the tier.
func (p *Planner) matchTier(plan *Plan, in RoutingInput) []*workflow.Transition {
	tiers := make(map[int][]*workflow.Transition)
	var order []int
	for _, t := range in.Transitions {
		if _, ok := tiers[t.Priority]; !ok {
			order = append(order, t.Priority)
		}
		tiers[t.Priority] = append(tiers[t.Priority], t)
	}
	sort.Ints(order)

	doc := in.Context.Doc()
	for _, tier := range order {
		var matched []*workflow.Transition
		for _, t := range tiers[tier] {
			if t.Loop != nil && in.Token.IterationCounts[t.ID] >= t.Loop.MaxIterations {
				plan.trace(hooks.TraceRoutingLoopLimit, in.Token, map[string]any{
					"transition":     t.ID,
					"max_iterations": t.Loop.MaxIterations,
				}, in.Now)
				continue
			}
			ok, err := p.conds.Eval(t.Condition, doc)
			if err != nil {
				plan.trace(hooks.TraceConditionError, in.Token, map[string]any{
					"transition": t.ID,
					"error":      err.Error(),
				}, in.Now)
				continue
			}
			plan.trace(hooks.TraceRoutingEvaluate, in.Token, map[string]any{
				"transition": t.ID,
				"priority":   t.Priority,
				"matched":    ok,
			}, in.Now)
			if ok {
				matched = append(matched, t)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// PlanSynchronization classifies one newly created token against the fan-in
// spec governing it, if any. Tokens outside sibling groups, tokens freshly
// spawned by a fan-out transition and tokens with no governing spec are marked
// for dispatch. Tokens arriving at a synchronization point either park
// (strategy not yet met) or trigger the fan-in activation.
func (p *Planner) PlanSynchronization(in SyncInput) Plan {
	var plan Plan
	tr := FindSyncTransition(in.Transitions, in.Token, in.Creating, in.ParentNodeID)
	if tr == nil {
		plan.Decisions = append(plan.Decisions, decision.MarkForDispatch{TokenID: in.Token.ID})
		return plan
	}
	sync := tr.Synchronization
	met := strategyMet(sync.Strategy, in.Token.BranchTotal, in.Counts)
	plan.trace(hooks.TraceSyncCheck, in.Token, map[string]any{
		"transition":      tr.ID,
		"strategy":        string(sync.Strategy.Kind),
		"sibling_group":   in.Token.SiblingGroup,
		"terminal_count":  in.Counts.Terminal,
		"completed_count": in.Counts.Completed,
		"branch_total":    in.Token.BranchTotal,
		"met":             met,
	}, in.Now)
	if !met {
		plan.Decisions = append(plan.Decisions, decision.MarkWaiting{
			TokenID:   in.Token.ID,
			ArrivedAt: in.Now,
			Timeout:   sync.Timeout,
		})
		return plan
	}
	plan.Decisions = append(plan.Decisions, decision.ActivateFanIn{
		NodeID:            tr.To,
		FanInPath:         workflow.FanInPath(in.Token.SiblingGroup, tr.To),
		TransitionID:      tr.ID,
		TriggeringTokenID: in.Token.ID,
	})
	return plan
}

// FindSyncTransition resolves the fan-in spec governing a newly created
// token. Two shapes are recognized:
//
//   - the creating transition itself carries a matching spec (the sync edge
//     points branches at the fan-in node), or
//   - some transition with a matching spec targets the node the parent just
//     completed (the fan-out transition doubles as its own sync point).
//
// Tokens whose group was assigned by the creating transition are fresh
// fan-out spawns, not arrivals, and are never governed by a spec.
func FindSyncTransition(all []*workflow.Transition, tok token.Token, creating *workflow.Transition, parentNodeID string) *workflow.Transition {
	if tok.SiblingGroup == "" {
		return nil
	}
	if creating != nil && creating.SiblingGroup == tok.SiblingGroup {
		return nil
	}
	if creating != nil && creating.Synchronization != nil &&
		creating.Synchronization.SiblingGroup == tok.SiblingGroup {
		return creating
	}
	for _, t := range all {
		if t.Synchronization != nil &&
			t.Synchronization.SiblingGroup == tok.SiblingGroup &&
			t.To == parentNodeID {
			return t
		}
	}
	return nil
}

// SyncTransitionFor resolves the synchronization governing an already-waiting token,
// used by the alarm sweep. The creating transition is no longer known; both
// recognized shapes are matched against the token's own node and its parent's
// node.
func SyncTransitionFor(all []*workflow.Transition, tok token.Token, parentNodeID string) *workflow.Transition {
	if tok.SiblingGroup == "" {
		return nil
	}
	for _, t := range all {
		if t.Synchronization == nil || t.Synchronization.SiblingGroup != tok.SiblingGroup {
			continue
		}
		if t.To == tok.NodeID || t.To == parentNodeID {
			return t
		}
	}
	return nil
}

// HasTimedOut reports whether a synchronization with the given oldest arrival
// has exceeded its timeout.
func HasTimedOut(sync *workflow.Synchronization, oldestArrival, now time.Time) bool {
	if sync == nil || sync.Timeout <= 0 || oldestArrival.IsZero() {
		return false
	}
	return now.Sub(oldestArrival) >= sync.Timeout
}

// DecideOnTimeout plans the reaction to a synchronization timeout. The
// default behavior fails the workflow; "proceed_with_available" times out all
// but the oldest waiting token and activates the fan-in through it, merging
// whatever siblings completed.
func (p *Planner) DecideOnTimeout(tr *workflow.Transition, waiting []token.Token, now time.Time) Plan {
	var plan Plan
	sync := tr.Synchronization
	reason := fmt.Sprintf("synchronization timed out after %s for group %q", sync.Timeout, sync.SiblingGroup)
	if sync.OnTimeout != workflow.TimeoutProceed {
		for _, w := range waiting {
			plan.Decisions = append(plan.Decisions, decision.UpdateTokenStatus{
				TokenID: w.ID,
				Status:  token.StatusTimedOut,
				Reason:  reason,
			})
		}
		plan.Decisions = append(plan.Decisions, decision.FailWorkflow{Reason: reason})
		return plan
	}
	if len(waiting) == 0 {
		return plan
	}
	trigger := waiting[0]
	for _, w := range waiting[1:] {
		plan.Decisions = append(plan.Decisions, decision.UpdateTokenStatus{
			TokenID: w.ID,
			Status:  token.StatusTimedOut,
			Reason:  reason,
		})
	}
	plan.Decisions = append(plan.Decisions, decision.ActivateFanIn{
		NodeID:            tr.To,
		FanInPath:         workflow.FanInPath(trigger.SiblingGroup, tr.To),
		TransitionID:      tr.ID,
		TriggeringTokenID: trigger.ID,
	})
	return plan
}

// TaskInput shapes the executor payload for a node from the context snapshot.
func TaskInput(node *workflow.Node, ctx *ctxstore.Context) map[string]any {
	return ctx.ApplyMapping(node.InputMapping)
}

// FinalOutput shapes the workflow's final output from the context snapshot.
func FinalOutput(def *workflow.Def, ctx *ctxstore.Context) map[string]any {
	return ctx.ApplyMapping(def.OutputMapping)
}

func strategyMet(s workflow.Strategy, branchTotal int, counts SiblingCounts) bool {
	switch s.Kind {
	case workflow.StrategyAny:
		return true
	case workflow.StrategyMOfN:
		return counts.Completed >= s.N
	default: // all
		return counts.Terminal >= branchTotal
	}
}

func spawnCount(t *workflow.Transition, ctx *ctxstore.Context) int {
	if t.Foreach != nil {
		if v, ok := ctx.Value(t.Foreach.Collection); ok {
			if arr, isArr := v.([]any); isArr {
				return len(arr)
			}
		}
		return 1
	}
	if t.SpawnCount > 0 {
		return t.SpawnCount
	}
	return 1
}

func nextIterationCounts(parent token.Token, t *workflow.Transition) map[string]int {
	counts := token.CloneIterationCounts(parent.IterationCounts)
	if t.Loop != nil {
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[t.ID]++
	}
	return counts
}

func childPathID(parent token.Token, params decision.TokenParams) string {
	if params.BranchTotal > 1 {
		return parent.PathID + "." + params.NodeID + "." + strconv.Itoa(params.BranchIndex)
	}
	return parent.PathID
}

func (p *Plan) trace(typ hooks.TraceType, tok token.Token, fields map[string]any, now time.Time) {
	p.Traces = append(p.Traces, hooks.TraceEvent{
		Type:    typ,
		RunID:   tok.RunID,
		TokenID: tok.ID,
		Time:    now,
		Fields:  fields,
	})
}
