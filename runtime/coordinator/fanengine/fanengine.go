// Package fanengine implements the fan-out/fan-in mechanics: branch output
// capture, synchronization of tokens arriving at fan-in points, and the
// race-protected fan-in activation that merges branch outputs and spawns the
// continuation token.
//
// The engine plans through the planner and mutates only through the applier.
// ActivateFanIn decisions are intercepted here and never reach the applier
// directly, so the uniqueness claim on the fan-in path is taken on every
// activation path, including timeouts.
package fanengine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/weave/runtime/coordinator/applier"
	"goa.design/weave/runtime/coordinator/decision"
	"goa.design/weave/runtime/coordinator/hooks"
	"goa.design/weave/runtime/coordinator/planner"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/telemetry"
	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

type (
	// Options configures an Engine. All fields are required except Logger and
	// Now.
	Options struct {
		Defs    workflow.Definitions
		Stores  store.Stores
		Planner *planner.Planner
		Applier *applier.Applier
		Emitter hooks.Emitter
		Logger  telemetry.Logger
		Now     func() time.Time
	}

	// Engine drives fan-out branch bookkeeping and fan-in activation.
	Engine struct {
		defs    workflow.Definitions
		stores  store.Stores
		planner *planner.Planner
		applier *applier.Applier
		emitter hooks.Emitter
		logger  telemetry.Logger
		now     func() time.Time

		mu      sync.Mutex
		schemas map[string]*jsonschema.Schema
	}

	// SyncResult reports what one ProcessSynchronization pass decided: tokens
	// to dispatch to the executor and fan-in continuation tokens, also to be
	// dispatched.
	SyncResult struct {
		Dispatch      []string
		Continuations []string
	}
)

// New constructs a fan engine.
func New(o Options) *Engine {
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Emitter == nil {
		o.Emitter = hooks.NoopEmitter{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Engine{
		defs:    o.Defs,
		stores:  o.Stores,
		planner: o.Planner,
		applier: o.Applier,
		emitter: o.Emitter,
		logger:  o.Logger,
		now:     o.Now,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// HandleBranchOutput plans the bookkeeping for a completed branch token's
// task output: the branch table write plus the state-targeted portion of the
// node's output mapping. Output-targeted entries stay in the branch table
// until merge so branches never clobber each other's output.
func (e *Engine) HandleBranchOutput(ctx context.Context, tok token.Token, node *workflow.Node, output map[string]any) []decision.Decision {
	e.validateBranchOutput(ctx, tok, node, output)
	decisions := []decision.Decision{
		decision.InitBranchTable{TokenID: tok.ID, Schema: node.OutputSchema},
		decision.ApplyBranchOutput{TokenID: tok.ID, Output: output},
	}
	if stateMapping := stateOnly(node.OutputMapping); len(stateMapping) > 0 {
		decisions = append(decisions, decision.ApplyOutputMapping{
			Mapping: stateMapping,
			Data:    output,
		})
	}
	return decisions
}

// ProcessSynchronization classifies freshly created tokens against the fan-in
// specs governing them and executes the resulting decisions. Activations are
// routed through Activate so the race claim is always taken.
func (e *Engine) ProcessSynchronization(ctx context.Context, created []applier.CreatedToken) (SyncResult, error) {
	var res SyncResult
	for _, c := range created {
		tok, err := e.stores.Tokens().Get(ctx, c.ID)
		if err != nil {
			return res, err
		}
		var parentNodeID string
		if tok.ParentTokenID != "" {
			parent, err := e.stores.Tokens().Get(ctx, tok.ParentTokenID)
			if err == nil {
				parentNodeID = parent.NodeID
			}
		}
		counts, err := e.siblingCounts(ctx, tok)
		if err != nil {
			return res, err
		}
		plan := e.planner.PlanSynchronization(planner.SyncInput{
			Token:        tok,
			ParentNodeID: parentNodeID,
			Creating:     e.transitionByID(c.Params.TransitionID),
			Transitions:  e.defs.Transitions(),
			Counts:       counts,
			Now:          e.now(),
		})
		e.emitTraces(ctx, plan.Traces)
		for _, d := range plan.Decisions {
			if act, ok := d.(decision.ActivateFanIn); ok {
				contID, activated, err := e.Activate(ctx, act)
				if err != nil {
					return res, err
				}
				if activated {
					res.Continuations = append(res.Continuations, contID)
				}
				continue
			}
			applied := e.applier.Apply(ctx, []decision.Decision{d})
			if len(applied.Errors) > 0 {
				return res, applied.Errors[0]
			}
			res.Dispatch = append(res.Dispatch, applied.Dispatch...)
		}
	}
	return res, nil
}

// Activate performs a race-protected fan-in activation. The boolean reports
// whether this token won the claim; on a lost race the triggering token is
// completed quietly and no continuation is created.
func (e *Engine) Activate(ctx context.Context, act decision.ActivateFanIn) (string, bool, error) {
	claim := e.applier.Apply(ctx, []decision.Decision{decision.TryActivateFanIn{
		FanInPath:    act.FanInPath,
		TransitionID: act.TransitionID,
		TokenID:      act.TriggeringTokenID,
	}})
	if len(claim.Errors) > 0 {
		return "", false, claim.Errors[0]
	}
	if !claim.FanInWon[act.FanInPath] {
		e.applier.Apply(ctx, []decision.Decision{decision.CompleteToken{TokenID: act.TriggeringTokenID}})
		return "", false, nil
	}

	trigger, err := e.stores.Tokens().Get(ctx, act.TriggeringTokenID)
	if err != nil {
		return "", false, err
	}
	siblings, err := e.stores.Tokens().ListSiblings(ctx, trigger.SiblingGroup)
	if err != nil {
		return "", false, err
	}
	var completed, waiting, inFlight []token.Token
	for _, s := range siblings {
		if s.ID == trigger.ID {
			continue
		}
		switch {
		case s.Status == token.StatusCompleted:
			completed = append(completed, s)
		case s.Status == token.StatusWaitingForSiblings:
			waiting = append(waiting, s)
		case s.Status.InFlight():
			inFlight = append(inFlight, s)
		}
	}
	if len(completed) == 0 {
		e.logger.Warn(ctx, "fan-in activation with no completed siblings",
			"fan_in_path", act.FanInPath, "group", trigger.SiblingGroup)
		e.applier.Apply(ctx, []decision.Decision{decision.CompleteToken{TokenID: trigger.ID}})
		return "", false, nil
	}

	tr := e.transitionByID(act.TransitionID)
	var merge *workflow.Merge
	if tr != nil && tr.Synchronization != nil {
		merge = tr.Synchronization.Merge
	}
	var schema map[string]any
	if node, err := e.defs.Node(completed[0].NodeID); err == nil {
		schema = node.OutputSchema
	}

	origin, err := e.stores.Tokens().Get(ctx, completed[0].ParentTokenID)
	if err != nil {
		return "", false, err
	}

	decisions := []decision.Decision{
		decision.MergeBranches{
			TokenIDs:      tokenIDs(completed),
			BranchIndices: branchIndices(completed),
			Schema:        schema,
			Merge:         merge,
		},
		decision.DropBranchTables{TokenIDs: tokenIDs(siblings)},
	}
	if len(waiting) > 0 {
		decisions = append(decisions, decision.CompleteTokens{TokenIDs: tokenIDs(waiting)})
	}
	if len(inFlight) > 0 {
		decisions = append(decisions, decision.CancelTokens{
			TokenIDs: tokenIDs(inFlight),
			Reason:   "fan-in activated before completion",
		})
	}
	decisions = append(decisions,
		decision.CompleteToken{TokenID: trigger.ID},
		decision.CreateToken{Params: decision.TokenParams{
			NodeID:          act.NodeID,
			TransitionID:    act.TransitionID,
			ParentTokenID:   origin.ID,
			PathID:          origin.PathID,
			BranchTotal:     1,
			IterationCounts: token.CloneIterationCounts(origin.IterationCounts),
		}},
	)
	applied := e.applier.Apply(ctx, decision.Batch(decisions))
	if len(applied.Errors) > 0 {
		return "", false, applied.Errors[0]
	}
	if len(applied.Created) != 1 {
		return "", false, store.ErrTokenNotFound
	}
	contID := applied.Created[0].ID

	e.emitEvent(ctx, hooks.EventFanInCompleted, trigger.ID, map[string]any{
		"fan_in_path":  act.FanInPath,
		"merged":       len(completed),
		"continuation": contID,
	})
	return contID, true, nil
}

// siblingCounts takes a live census of the token's group, excluding the token
// itself.
func (e *Engine) siblingCounts(ctx context.Context, tok token.Token) (planner.SiblingCounts, error) {
	var counts planner.SiblingCounts
	if tok.SiblingGroup == "" {
		return counts, nil
	}
	siblings, err := e.stores.Tokens().ListSiblings(ctx, tok.SiblingGroup)
	if err != nil {
		return counts, err
	}
	for _, s := range siblings {
		if s.ID == tok.ID {
			continue
		}
		switch s.Status {
		case token.StatusCompleted:
			counts.Terminal++
			counts.Completed++
		case token.StatusFailed:
			counts.Terminal++
		}
	}
	return counts, nil
}

// validateBranchOutput checks the output against the node's schema when one
// is declared. Violations are traced and logged but do not fail the branch;
// the schema exists to surface task contract drift, not to gate execution.
func (e *Engine) validateBranchOutput(ctx context.Context, tok token.Token, node *workflow.Node, output map[string]any) {
	if len(node.OutputSchema) == 0 {
		return
	}
	sch, err := e.compiledSchema(node)
	if err != nil {
		e.logger.Warn(ctx, "compile output schema", "node", node.ID, "err", err)
		return
	}
	if err := sch.Validate(anyValue(output)); err != nil {
		e.logger.Warn(ctx, "branch output schema violation", "node", node.ID, "token", tok.ID, "err", err)
		e.emitTraces(ctx, []hooks.TraceEvent{{
			Type:    hooks.TraceSchemaViolation,
			RunID:   tok.RunID,
			TokenID: tok.ID,
			Time:    e.now(),
			Fields:  map[string]any{"node": node.ID, "error": err.Error()},
		}})
	}
}

func (e *Engine) compiledSchema(node *workflow.Node) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sch, ok := e.schemas[node.ID]; ok {
		return sch, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "weave://node/" + node.ID + "/output.json"
	if err := compiler.AddResource(url, anyValue(node.OutputSchema)); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	e.schemas[node.ID] = sch
	return sch, nil
}

func (e *Engine) transitionByID(id string) *workflow.Transition {
	for _, t := range e.defs.Transitions() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (e *Engine) emitTraces(ctx context.Context, traces []hooks.TraceEvent) {
	for _, tr := range traces {
		if err := e.emitter.EmitTrace(ctx, tr); err != nil {
			e.logger.Error(ctx, "emit trace", "type", string(tr.Type), "err", err)
		}
	}
}

func (e *Engine) emitEvent(ctx context.Context, typ hooks.EventType, tokenID string, meta map[string]any) {
	err := e.emitter.Emit(ctx, hooks.WorkflowEvent{
		Type:     typ,
		RunID:    e.defs.WorkflowRun().RunID,
		TokenID:  tokenID,
		Time:     e.now(),
		Metadata: meta,
	})
	if err != nil {
		e.logger.Error(ctx, "emit event", "type", string(typ), "err", err)
	}
}

// stateOnly filters an output mapping down to the entries targeting the
// shared state namespace.
func stateOnly(mapping map[string]string) map[string]string {
	out := make(map[string]string, len(mapping))
	for target, source := range mapping {
		if strings.HasPrefix(target, "state.") {
			out[target] = source
		}
	}
	return out
}

func tokenIDs(toks []token.Token) []string {
	ids := make([]string, len(toks))
	for i, t := range toks {
		ids[i] = t.ID
	}
	return ids
}

func branchIndices(toks []token.Token) []int {
	idxs := make([]int, len(toks))
	for i, t := range toks {
		idxs[i] = t.BranchIndex
	}
	return idxs
}

// anyValue normalizes a Go map into the any-shaped JSON value jsonschema
// expects.
func anyValue(v map[string]any) any {
	return map[string]any(v)
}
