// Package applier executes decisions against the run's stores and emits the
// corresponding milestone events. It is the only writer of run state: the
// planner and fan engine describe effects as decisions, the applier performs
// them in order. Status updates against terminal tokens and lifecycle
// operations against terminal runs are logged no-ops, which makes replayed or
// late decisions harmless.
package applier

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"goa.design/weave/runtime/coordinator/ctxstore"
	"goa.design/weave/runtime/coordinator/decision"
	"goa.design/weave/runtime/coordinator/hooks"
	"goa.design/weave/runtime/coordinator/registry"
	"goa.design/weave/runtime/coordinator/resources"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/telemetry"
	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

type (
	// Background runs a function on a tracked background goroutine. The
	// coordinator's scope implements it; cross-run calls must never run on
	// the actor goroutine because the target coordinator takes its own lock.
	Background interface {
		Go(fn func())
	}

	// AlarmScheduler coalesces timeout wake-ups. Schedule requests a wake-up
	// after at most d; earlier pending wake-ups win.
	AlarmScheduler interface {
		Schedule(d time.Duration)
	}

	// Options configures an Applier. Defs, Stores and Emitter are required;
	// the rest default to no-ops.
	Options struct {
		Defs      workflow.Definitions
		Stores    store.Stores
		Emitter   hooks.Emitter
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Registry  registry.Registry
		Resources resources.Client
		Bg        Background
		Alarms    AlarmScheduler
		Now       func() time.Time
	}

	// Applier executes decisions.
	Applier struct {
		defs      workflow.Definitions
		stores    store.Stores
		emitter   hooks.Emitter
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		registry  registry.Registry
		resources resources.Client
		bg        Background
		alarms    AlarmScheduler
		now       func() time.Time
	}

	// CreatedToken pairs a freshly inserted token ID with its creation params
	// so the caller can run synchronization on it without re-reading.
	CreatedToken struct {
		ID     string
		Params decision.TokenParams
	}

	// Result reports the side effects of one Apply call the caller must act
	// on: tokens to hand to synchronization, tokens to dispatch, fan-in race
	// outcomes keyed by fan-in path, and any store errors.
	Result struct {
		Created  []CreatedToken
		Dispatch []string
		FanInWon map[string]bool
		Errors   []error
	}
)

// New constructs an applier.
func New(o Options) *Applier {
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Emitter == nil {
		o.Emitter = hooks.NoopEmitter{}
	}
	if o.Resources == nil {
		o.Resources = resources.NewNoop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Applier{
		defs:      o.Defs,
		stores:    o.Stores,
		emitter:   o.Emitter,
		logger:    o.Logger,
		metrics:   o.Metrics,
		registry:  o.Registry,
		resources: o.Resources,
		bg:        o.Bg,
		alarms:    o.Alarms,
		now:       o.Now,
	}
}

// Apply executes the decisions in order and returns the accumulated result.
// Individual decision failures are collected and logged; later decisions
// still run so a single store hiccup cannot wedge the run midway through a
// batch.
func (a *Applier) Apply(ctx context.Context, decisions []decision.Decision) Result {
	res := Result{FanInWon: make(map[string]bool)}
	for _, d := range decisions {
		if err := a.apply(ctx, d, &res); err != nil {
			a.logger.Error(ctx, "apply decision", "decision", fmt.Sprintf("%T", d), "err", err)
			res.Errors = append(res.Errors, err)
		}
	}
	return res
}

func (a *Applier) apply(ctx context.Context, d decision.Decision, res *Result) error {
	switch v := d.(type) {
	case decision.CreateToken:
		return a.createTokens(ctx, []decision.TokenParams{v.Params}, res)
	case decision.BatchCreateTokens:
		return a.createTokens(ctx, v.Params, res)
	case decision.UpdateTokenStatus:
		return a.setStatus(ctx, v.TokenID, v.Status, v.Reason)
	case decision.BatchUpdateStatus:
		for _, id := range v.TokenIDs {
			if err := a.setStatus(ctx, id, v.Status, v.Reason); err != nil {
				return err
			}
		}
		return nil
	case decision.MarkWaiting:
		return a.markWaiting(ctx, v)
	case decision.MarkForDispatch:
		if err := a.markForDispatch(ctx, v.TokenID); err != nil {
			return err
		}
		res.Dispatch = append(res.Dispatch, v.TokenID)
		return nil
	case decision.SetContext:
		return a.stores.Context().Set(ctx, v.Path, v.Value)
	case decision.ApplyOutput:
		return a.stores.Context().Set(ctx, "output."+v.Path, v.Value)
	case decision.ApplyOutputMapping:
		return a.applyOutputMapping(ctx, v)
	case decision.InitBranchTable:
		return a.stores.Branches().Init(ctx, v.TokenID, v.Schema)
	case decision.ApplyBranchOutput:
		return a.stores.Branches().Put(ctx, v.TokenID, v.Output)
	case decision.MergeBranches:
		return a.mergeBranches(ctx, v)
	case decision.DropBranchTables:
		return a.stores.Branches().Drop(ctx, v.TokenIDs)
	case decision.TryActivateFanIn:
		won, err := a.stores.FanIns().TryActivate(ctx, v.FanInPath, v.TransitionID, v.TokenID, a.now())
		if err != nil {
			return err
		}
		res.FanInWon[v.FanInPath] = won
		if !won {
			a.trace(ctx, hooks.TraceFanInRaceLost, v.TokenID, map[string]any{"fan_in_path": v.FanInPath})
		}
		return nil
	case decision.ActivateFanIn:
		// Reaching the applier directly would bypass race protection; the fan
		// engine intercepts this variant before Apply.
		a.logger.Warn(ctx, "activate fan-in decision reached applier", "fan_in_path", v.FanInPath)
		return nil
	case decision.CompleteToken:
		return a.setStatus(ctx, v.TokenID, token.StatusCompleted, "")
	case decision.CompleteTokens:
		for _, id := range v.TokenIDs {
			if err := a.setStatus(ctx, id, token.StatusCompleted, ""); err != nil {
				return err
			}
		}
		return nil
	case decision.CancelTokens:
		for _, id := range v.TokenIDs {
			if err := a.setStatus(ctx, id, token.StatusCancelled, v.Reason); err != nil {
				return err
			}
		}
		return nil
	case decision.InitializeWorkflow:
		return a.initializeWorkflow(ctx, v.Input)
	case decision.CompleteWorkflow:
		return a.completeWorkflow(ctx, v.Output)
	case decision.FailWorkflow:
		return a.failWorkflow(ctx, v.Reason)
	case decision.MarkWaitingForSubworkflow:
		return a.markWaitingForSubworkflow(ctx, v)
	case decision.ResumeFromSubworkflow:
		if err := a.stores.Subworkflows().SetStatus(ctx, v.TokenID, store.StatusSubCompleted); err != nil {
			return err
		}
		a.emit(ctx, hooks.EventSubworkflowResult, v.TokenID, map[string]any{"outcome": "completed"})
		return nil
	case decision.FailFromSubworkflow:
		if err := a.stores.Subworkflows().SetStatus(ctx, v.TokenID, store.StatusSubFailed); err != nil {
			return err
		}
		a.emit(ctx, hooks.EventSubworkflowResult, v.TokenID, map[string]any{"outcome": "failed", "reason": v.Reason})
		if err := a.setStatus(ctx, v.TokenID, token.StatusFailed, v.Reason); err != nil {
			return err
		}
		return a.failWorkflow(ctx, v.Reason)
	case decision.TimeoutSubworkflow:
		return a.timeoutSubworkflow(ctx, v)
	default:
		return fmt.Errorf("unknown decision type %T", d)
	}
}

func (a *Applier) createTokens(ctx context.Context, params []decision.TokenParams, res *Result) error {
	run := a.defs.WorkflowRun()
	for _, p := range params {
		tok := token.Token{
			ID:              token.NewID(),
			RunID:           run.RunID,
			NodeID:          p.NodeID,
			Status:          token.StatusPending,
			ParentTokenID:   p.ParentTokenID,
			PathID:          p.PathID,
			SiblingGroup:    p.SiblingGroup,
			BranchIndex:     p.BranchIndex,
			BranchTotal:     p.BranchTotal,
			IterationCounts: p.IterationCounts,
			CreatedAt:       a.now(),
		}
		if err := a.stores.Tokens().Insert(ctx, tok); err != nil {
			return err
		}
		res.Created = append(res.Created, CreatedToken{ID: tok.ID, Params: p})
		a.metrics.IncCounter("weave.coordinator.tokens.created", 1, "node", p.NodeID)
		a.emit(ctx, hooks.EventTokenCreated, tok.ID, map[string]any{
			"node":    p.NodeID,
			"path_id": p.PathID,
		})
		if p.SiblingGroup != "" && p.BranchTotal > 1 && p.BranchIndex == 0 {
			a.emit(ctx, hooks.EventFanOutStarted, tok.ID, map[string]any{
				"sibling_group": p.SiblingGroup,
				"branch_total":  p.BranchTotal,
				"node":          p.NodeID,
			})
		}
	}
	return nil
}

// setStatus transitions a token, enforcing terminal-status monotonicity and
// emitting the terminal milestone events.
func (a *Applier) setStatus(ctx context.Context, tokenID string, status token.Status, reason string) error {
	tok, err := a.stores.Tokens().Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		a.logger.Warn(ctx, "status update on terminal token",
			"token", tokenID, "current", string(tok.Status), "requested", string(status))
		a.trace(ctx, hooks.TraceTerminalNoop, tokenID, map[string]any{
			"current":   string(tok.Status),
			"requested": string(status),
		})
		return nil
	}
	tok.Status = status
	if err := a.stores.Tokens().Save(ctx, tok); err != nil {
		return err
	}
	meta := map[string]any{"node": tok.NodeID}
	if reason != "" {
		meta["reason"] = reason
	}
	switch status {
	case token.StatusCompleted:
		a.emit(ctx, hooks.EventTokenCompleted, tokenID, meta)
	case token.StatusFailed:
		a.emit(ctx, hooks.EventTokenFailed, tokenID, meta)
	case token.StatusCancelled:
		a.emit(ctx, hooks.EventTokenCancelled, tokenID, meta)
	case token.StatusTimedOut:
		a.emit(ctx, hooks.EventTokenTimedOut, tokenID, meta)
	}
	return nil
}

// markForDispatch moves a token to dispatched and counts the attempt.
func (a *Applier) markForDispatch(ctx context.Context, tokenID string) error {
	tok, err := a.stores.Tokens().Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		a.logger.Warn(ctx, "dispatch of terminal token", "token", tokenID, "current", string(tok.Status))
		return nil
	}
	tok.Status = token.StatusDispatched
	tok.Attempt++
	return a.stores.Tokens().Save(ctx, tok)
}

func (a *Applier) markWaiting(ctx context.Context, v decision.MarkWaiting) error {
	tok, err := a.stores.Tokens().Get(ctx, v.TokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		a.logger.Warn(ctx, "mark waiting on terminal token", "token", v.TokenID, "current", string(tok.Status))
		return nil
	}
	tok.Status = token.StatusWaitingForSiblings
	tok.ArrivedAt = v.ArrivedAt
	if err := a.stores.Tokens().Save(ctx, tok); err != nil {
		return err
	}
	if v.Timeout > 0 && a.alarms != nil {
		a.alarms.Schedule(v.Timeout)
	}
	return nil
}

func (a *Applier) applyOutputMapping(ctx context.Context, v decision.ApplyOutputMapping) error {
	for target, source := range v.Mapping {
		val, ok := resolveDataSource(source, v.Data)
		if !ok {
			continue
		}
		if err := a.stores.Context().Set(ctx, target, val); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) mergeBranches(ctx context.Context, v decision.MergeBranches) error {
	if v.Merge == nil || len(v.TokenIDs) == 0 {
		return nil
	}
	merged, err := a.foldBranches(ctx, v)
	if err != nil {
		return err
	}
	if err := a.stores.Context().Set(ctx, v.Merge.Target, merged); err != nil {
		return err
	}
	a.emit(ctx, hooks.EventBranchesMerged, "", map[string]any{
		"target":   v.Merge.Target,
		"strategy": string(v.Merge.Strategy),
		"branches": len(v.TokenIDs),
	})
	return nil
}

func (a *Applier) foldBranches(ctx context.Context, v decision.MergeBranches) (any, error) {
	var (
		arr   []any
		obj   = make(map[string]any)
		last  any
		found bool
	)
	for i, id := range v.TokenIDs {
		out, ok, err := a.stores.Branches().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || out == nil {
			continue
		}
		val, ok := ctxstore.BranchSource(v.Merge.Source, out)
		if !ok {
			continue
		}
		found = true
		switch v.Merge.Strategy {
		case workflow.MergeObject:
			if m, isMap := val.(map[string]any); isMap {
				for k, mv := range m {
					obj[k] = mv
				}
			}
		case workflow.MergeKeyedByBranch:
			obj[strconv.Itoa(v.BranchIndices[i])] = val
		case workflow.MergeLastWins:
			last = val
		default: // append, collect
			arr = append(arr, val)
		}
	}
	switch v.Merge.Strategy {
	case workflow.MergeObject, workflow.MergeKeyedByBranch:
		return obj, nil
	case workflow.MergeLastWins:
		if !found {
			return nil, nil
		}
		return last, nil
	default:
		if arr == nil {
			arr = []any{}
		}
		return arr, nil
	}
}

func (a *Applier) initializeWorkflow(ctx context.Context, input map[string]any) error {
	if err := a.stores.Context().Init(ctx, input); err != nil {
		return err
	}
	if err := a.stores.Status().Set(ctx, store.RunStatusRunning); err != nil {
		return err
	}
	run := a.defs.WorkflowRun()
	typ := hooks.EventWorkflowStarted
	meta := map[string]any{"workflow": run.Def.ID}
	if run.ParentRunID != "" {
		typ = hooks.EventSubworkflowStarted
		meta["parent_run"] = run.ParentRunID
	}
	a.emit(ctx, typ, "", meta)
	return nil
}

func (a *Applier) completeWorkflow(ctx context.Context, output map[string]any) error {
	status, err := a.stores.Status().Get(ctx)
	if err != nil {
		return err
	}
	if status.Terminal() {
		a.logger.Warn(ctx, "complete on terminal run", "status", string(status))
		return nil
	}
	if err := a.stores.Status().Set(ctx, store.RunStatusCompleted); err != nil {
		return err
	}
	run := a.defs.WorkflowRun()
	if err := a.resources.CompleteRun(ctx, run.RunID, output); err != nil {
		a.logger.Error(ctx, "notify run completion", "run", run.RunID, "err", err)
	}
	a.emit(ctx, hooks.EventWorkflowCompleted, "", map[string]any{"output": output})
	a.notifyParent(ctx, func(p registry.Proxy, bctx context.Context) error {
		return p.HandleSubworkflowResult(bctx, run.ParentTokenID, output)
	})
	return nil
}

func (a *Applier) failWorkflow(ctx context.Context, reason string) error {
	status, err := a.stores.Status().Get(ctx)
	if err != nil {
		return err
	}
	if status.Terminal() {
		a.logger.Warn(ctx, "fail on terminal run", "status", string(status), "reason", reason)
		return nil
	}
	return a.terminateRun(ctx, store.RunStatusFailed, hooks.EventWorkflowFailed, reason)
}

// CancelRun terminally cancels the run: active tokens are cancelled, running
// subworkflows are cascaded into, and the cancellation is reported outward.
// Idempotent against terminal runs.
func (a *Applier) CancelRun(ctx context.Context, reason string) error {
	status, err := a.stores.Status().Get(ctx)
	if err != nil {
		return err
	}
	if status.Terminal() {
		a.logger.Info(ctx, "cancel on terminal run", "status", string(status))
		return nil
	}
	return a.terminateRun(ctx, store.RunStatusCancelled, hooks.EventWorkflowCancelled, reason)
}

// terminateRun performs the shared failure/cancellation cascade.
func (a *Applier) terminateRun(ctx context.Context, status store.RunStatus, event hooks.EventType, reason string) error {
	if err := a.stores.Status().Set(ctx, status); err != nil {
		return err
	}
	toks, err := a.stores.Tokens().List(ctx)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		if tok.Status.Active() {
			if err := a.setStatus(ctx, tok.ID, token.StatusCancelled, reason); err != nil {
				return err
			}
		}
	}
	subs, err := a.stores.Subworkflows().ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := a.stores.Subworkflows().SetStatus(ctx, sub.ParentTokenID, store.StatusSubCancelled); err != nil {
			return err
		}
		a.cancelChild(ctx, sub.SubworkflowRunID, reason)
	}
	run := a.defs.WorkflowRun()
	if err := a.resources.UpdateRunStatus(ctx, run.RunID, string(status)); err != nil {
		a.logger.Error(ctx, "notify run status", "run", run.RunID, "status", string(status), "err", err)
	}
	a.emit(ctx, event, "", map[string]any{"reason": reason})
	if status == store.RunStatusFailed {
		a.notifyParent(ctx, func(p registry.Proxy, bctx context.Context) error {
			return p.HandleSubworkflowError(bctx, run.ParentTokenID, reason)
		})
	}
	return nil
}

func (a *Applier) markWaitingForSubworkflow(ctx context.Context, v decision.MarkWaitingForSubworkflow) error {
	if err := a.setStatus(ctx, v.TokenID, token.StatusWaitingForSubworkflow, ""); err != nil {
		return err
	}
	if err := a.stores.Subworkflows().Register(ctx, store.SubworkflowRecord{
		ParentTokenID:    v.TokenID,
		SubworkflowRunID: v.SubworkflowRunID,
		Status:           store.StatusSubRunning,
		Timeout:          v.Timeout,
		DispatchedAt:     a.now(),
	}); err != nil {
		return err
	}
	if v.Timeout > 0 && a.alarms != nil {
		a.alarms.Schedule(v.Timeout)
	}
	a.emit(ctx, hooks.EventSubworkflowDispatched, v.TokenID, map[string]any{
		"subworkflow_run": v.SubworkflowRunID,
	})
	return nil
}

func (a *Applier) timeoutSubworkflow(ctx context.Context, v decision.TimeoutSubworkflow) error {
	reason := fmt.Sprintf("subworkflow timed out after %s (budget %s)", v.Elapsed, v.Budget)
	if err := a.stores.Subworkflows().SetStatus(ctx, v.TokenID, store.StatusSubCancelled); err != nil {
		return err
	}
	a.cancelChild(ctx, v.SubworkflowRunID, reason)
	if err := a.setStatus(ctx, v.TokenID, token.StatusTimedOut, reason); err != nil {
		return err
	}
	a.emit(ctx, hooks.EventSubworkflowTimeout, v.TokenID, map[string]any{
		"subworkflow_run": v.SubworkflowRunID,
		"elapsed":         v.Elapsed.String(),
		"budget":          v.Budget.String(),
	})
	return a.failWorkflow(ctx, reason)
}

// cancelChild cancels a child run on a background goroutine. Calling into
// another coordinator from the actor goroutine would deadlock on lock order.
func (a *Applier) cancelChild(ctx context.Context, childRunID, reason string) {
	if a.registry == nil || a.bg == nil {
		return
	}
	bctx := context.WithoutCancel(ctx)
	a.bg.Go(func() {
		proxy, err := a.registry.Lookup(childRunID)
		if err != nil {
			a.logger.Error(bctx, "lookup child run for cancel", "child_run", childRunID, "err", err)
			return
		}
		if err := proxy.Cancel(bctx, reason); err != nil {
			a.logger.Error(bctx, "cancel child run", "child_run", childRunID, "err", err)
		}
	})
}

// notifyParent delivers a result or error to the parent coordinator on a
// background goroutine when this run is a subworkflow.
func (a *Applier) notifyParent(ctx context.Context, call func(registry.Proxy, context.Context) error) {
	run := a.defs.WorkflowRun()
	if run.ParentRunID == "" || a.registry == nil || a.bg == nil {
		return
	}
	bctx := context.WithoutCancel(ctx)
	a.bg.Go(func() {
		proxy, err := a.registry.Lookup(run.ParentRunID)
		if err != nil {
			a.logger.Error(bctx, "lookup parent run", "parent_run", run.ParentRunID, "err", err)
			return
		}
		if err := call(proxy, bctx); err != nil {
			a.logger.Error(bctx, "notify parent run", "parent_run", run.ParentRunID, "err", err)
		}
	})
}

func (a *Applier) emit(ctx context.Context, typ hooks.EventType, tokenID string, meta map[string]any) {
	err := a.emitter.Emit(ctx, hooks.WorkflowEvent{
		Type:     typ,
		RunID:    a.defs.WorkflowRun().RunID,
		TokenID:  tokenID,
		Time:     a.now(),
		Metadata: meta,
	})
	if err != nil {
		a.logger.Error(ctx, "emit event", "type", string(typ), "err", err)
	}
}

func (a *Applier) trace(ctx context.Context, typ hooks.TraceType, tokenID string, fields map[string]any) {
	err := a.emitter.EmitTrace(ctx, hooks.TraceEvent{
		Type:    typ,
		RunID:   a.defs.WorkflowRun().RunID,
		TokenID: tokenID,
		Time:    a.now(),
		Fields:  fields,
	})
	if err != nil {
		a.logger.Error(ctx, "emit trace", "type", string(typ), "err", err)
	}
}

// resolveDataSource evaluates a "$.path" expression against a task output
// object. "$" alone selects the whole output.
func resolveDataSource(source string, data map[string]any) (any, bool) {
	if source == "$" {
		return data, true
	}
	if len(source) < 2 || source[:2] != "$." {
		return nil, false
	}
	return ctxstore.Lookup(data, source[2:])
}
