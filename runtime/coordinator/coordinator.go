// Package coordinator implements the single-actor workflow engine: one
// Coordinator instance owns one run and serializes every entry point behind a
// mutex, so all state transitions for the run are sequential. Planning is
// delegated to the pure planner, mutation to the applier, and fan-out/fan-in
// mechanics to the fan engine; the coordinator itself only sequences them and
// talks to the outside world (executor, sibling runs, alarms).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/weave/runtime/coordinator/applier"
	"goa.design/weave/runtime/coordinator/decision"
	"goa.design/weave/runtime/coordinator/executor"
	"goa.design/weave/runtime/coordinator/fanengine"
	"goa.design/weave/runtime/coordinator/hooks"
	"goa.design/weave/runtime/coordinator/planner"
	"goa.design/weave/runtime/coordinator/policy"
	"goa.design/weave/runtime/coordinator/registry"
	"goa.design/weave/runtime/coordinator/resources"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/telemetry"
	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

// ErrAlreadyStarted reports a second Start on the same coordinator.
var ErrAlreadyStarted = errors.New("coordinator: run already started")

type (
	// Options configures a Coordinator. Stores and Executor are required;
	// everything else defaults to embedded no-op implementations.
	Options struct {
		Stores    store.Stores
		Executor  executor.TaskExecutor
		Emitter   hooks.Emitter
		Registry  registry.Registry
		Resources resources.Client
		Retry     policy.Retry
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Tracer    telemetry.Tracer
		// EnableTraceEvents turns on fine-grained trace emission for the run.
		EnableTraceEvents bool
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Coordinator owns one workflow run.
	Coordinator struct {
		mu sync.Mutex

		defs    workflow.Definitions
		stores  store.Stores
		planner *planner.Planner
		applier *applier.Applier
		fan     *fanengine.Engine
		exec    executor.TaskExecutor
		emitter hooks.Emitter
		reg     registry.Registry
		retry   policy.Retry
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		scope   *Scope
		alarm   *alarm

		traceEvents bool
		now         func() time.Time
		started     bool
	}
)

// New constructs a coordinator for the given run. The run's definition must
// have passed workflow.Validate.
func New(run *workflow.Run, o Options) (*Coordinator, error) {
	if run == nil || run.Def == nil {
		return nil, errors.New("coordinator: run and definition are required")
	}
	if o.Stores == nil {
		return nil, errors.New("coordinator: stores are required")
	}
	if o.Executor == nil {
		return nil, errors.New("coordinator: executor is required")
	}
	defs, err := workflow.NewStaticDefinitions(run)
	if err != nil {
		return nil, err
	}
	if o.Emitter == nil {
		o.Emitter = hooks.NoopEmitter{}
	}
	if o.Resources == nil {
		o.Resources = resources.NewNoop()
	}
	if o.Retry == nil {
		o.Retry = policy.FailFast{}
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	c := &Coordinator{
		defs:        defs,
		stores:      o.Stores,
		planner:     planner.New(),
		exec:        o.Executor,
		emitter:     o.Emitter,
		reg:         o.Registry,
		retry:       o.Retry,
		logger:      o.Logger,
		metrics:     o.Metrics,
		tracer:      o.Tracer,
		scope:       NewScope(),
		traceEvents: o.EnableTraceEvents,
		now:         o.Now,
	}
	c.alarm = newAlarm(o.Now, c.scope, func() {
		if err := c.Alarm(context.Background()); err != nil {
			c.logger.Error(context.Background(), "alarm sweep", "run", run.RunID, "err", err)
		}
	})
	c.applier = applier.New(applier.Options{
		Defs:      defs,
		Stores:    o.Stores,
		Emitter:   o.Emitter,
		Logger:    o.Logger,
		Metrics:   o.Metrics,
		Registry:  o.Registry,
		Resources: o.Resources,
		Bg:        c.scope,
		Alarms:    c.alarm,
		Now:       o.Now,
	})
	c.fan = fanengine.New(fanengine.Options{
		Defs:    defs,
		Stores:  o.Stores,
		Planner: c.planner,
		Applier: c.applier,
		Emitter: o.Emitter,
		Logger:  o.Logger,
		Now:     o.Now,
	})
	return c, nil
}

// Run returns the run binding.
func (c *Coordinator) Run() *workflow.Run { return c.defs.WorkflowRun() }

// Wait blocks until all background work spawned by this coordinator has
// finished. Useful for tests and shutdown.
func (c *Coordinator) Wait() { c.scope.Wait() }

// Status returns the run's current lifecycle status.
func (c *Coordinator) Status(ctx context.Context) (store.RunStatus, error) {
	return c.stores.Status().Get(ctx)
}

// Start initializes the run and dispatches the root token.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(ctx)
}

// StartSubworkflow initializes the run as a child of the given parent and
// dispatches the root token. It implements registry.Proxy.
func (c *Coordinator) StartSubworkflow(ctx context.Context, req registry.StartRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	run := c.defs.WorkflowRun()
	run.RootRunID = req.RootRunID
	run.ParentRunID = req.ParentRunID
	run.ParentTokenID = req.ParentTokenID
	if req.ProjectID != "" {
		run.ProjectID = req.ProjectID
	}
	run.Input = req.Input
	return c.start(ctx)
}

func (c *Coordinator) start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.start")
	defer span.End()
	if c.started {
		return ErrAlreadyStarted
	}
	run := c.defs.WorkflowRun()
	res := c.applier.Apply(ctx, []decision.Decision{
		decision.InitializeWorkflow{Input: run.Input},
		decision.CreateToken{Params: decision.TokenParams{
			NodeID:      run.Def.InitialNodeID,
			PathID:      "root",
			BranchTotal: 1,
		}},
	})
	if len(res.Errors) > 0 {
		span.RecordError(res.Errors[0])
		return res.Errors[0]
	}
	if len(res.Created) != 1 {
		return errors.New("coordinator: root token was not created")
	}
	c.started = true
	c.dispatchToken(ctx, res.Created[0].ID)
	return nil
}

// HandleTaskAck records that the executor started running a token's task.
func (c *Coordinator) HandleTaskAck(ctx context.Context, tokenID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runTerminal(ctx) {
		return nil
	}
	res := c.applier.Apply(ctx, []decision.Decision{decision.UpdateTokenStatus{
		TokenID: tokenID,
		Status:  token.StatusExecuting,
	}})
	return firstError(res.Errors)
}

// HandleTaskResult feeds a task's output back into the run. Results for
// terminal tokens or terminal runs are ignored.
func (c *Coordinator) HandleTaskResult(ctx context.Context, tokenID string, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, span := c.tracer.Start(ctx, "coordinator.handle_task_result")
	defer span.End()
	if c.runTerminal(ctx) {
		c.logger.Info(ctx, "task result on terminal run", "token", tokenID)
		return nil
	}
	tok, err := c.stores.Tokens().Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		c.logger.Warn(ctx, "task result on terminal token", "token", tokenID, "status", string(tok.Status))
		c.trace(ctx, hooks.TraceTerminalNoop, tokenID, map[string]any{"status": string(tok.Status)})
		return nil
	}
	return c.processTaskResult(ctx, tok, output)
}

// HandleTaskError feeds a task failure back into the run. The retry policy
// decides between re-dispatch and failing the workflow.
func (c *Coordinator) HandleTaskError(ctx context.Context, tokenID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runTerminal(ctx) {
		c.logger.Info(ctx, "task error on terminal run", "token", tokenID)
		return nil
	}
	tok, err := c.stores.Tokens().Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		c.trace(ctx, hooks.TraceTerminalNoop, tokenID, map[string]any{"status": string(tok.Status)})
		return nil
	}
	node, err := c.defs.Node(tok.NodeID)
	if err != nil {
		return err
	}
	outcome := c.retry.Decide(ctx, policy.Input{
		Token:   tok,
		Node:    node,
		Reason:  reason,
		Attempt: tok.Attempt,
	})
	if outcome.Retry {
		c.trace(ctx, hooks.TraceRetryScheduled, tokenID, map[string]any{
			"attempt": tok.Attempt,
			"delay":   outcome.Delay.String(),
			"reason":  reason,
		})
		if outcome.Delay <= 0 {
			c.dispatchToken(ctx, tokenID)
			return nil
		}
		bctx := context.WithoutCancel(ctx)
		delay := outcome.Delay
		c.scope.Go(func() {
			time.Sleep(delay)
			c.redispatch(bctx, tokenID)
		})
		return nil
	}
	res := c.applier.Apply(ctx, []decision.Decision{
		decision.UpdateTokenStatus{TokenID: tokenID, Status: token.StatusFailed, Reason: reason},
		decision.FailWorkflow{Reason: fmt.Sprintf("task failed at node %q: %s", tok.NodeID, reason)},
	})
	return firstError(res.Errors)
}

// HandleSubworkflowResult delivers a completed child run's output to the
// waiting parent token. It implements registry.Proxy.
func (c *Coordinator) HandleSubworkflowResult(ctx context.Context, parentTokenID string, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runTerminal(ctx) {
		c.logger.Info(ctx, "subworkflow result on terminal run", "token", parentTokenID)
		return nil
	}
	rec, ok, err := c.stores.Subworkflows().Get(ctx, parentTokenID)
	if err != nil {
		return err
	}
	if !ok || rec.Status != store.StatusSubRunning {
		c.logger.Warn(ctx, "stale subworkflow result", "token", parentTokenID)
		return nil
	}
	tok, err := c.stores.Tokens().Get(ctx, parentTokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		c.trace(ctx, hooks.TraceTerminalNoop, parentTokenID, map[string]any{"status": string(tok.Status)})
		return nil
	}
	res := c.applier.Apply(ctx, []decision.Decision{decision.ResumeFromSubworkflow{
		TokenID: parentTokenID,
		Output:  output,
	}})
	if err := firstError(res.Errors); err != nil {
		return err
	}
	return c.processTaskResult(ctx, tok, output)
}

// HandleSubworkflowError delivers a child run failure to the waiting parent
// token, failing the parent run. It implements registry.Proxy.
func (c *Coordinator) HandleSubworkflowError(ctx context.Context, parentTokenID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runTerminal(ctx) {
		c.logger.Info(ctx, "subworkflow error on terminal run", "token", parentTokenID)
		return nil
	}
	rec, ok, err := c.stores.Subworkflows().Get(ctx, parentTokenID)
	if err != nil {
		return err
	}
	if !ok || rec.Status != store.StatusSubRunning {
		c.logger.Warn(ctx, "stale subworkflow error", "token", parentTokenID)
		return nil
	}
	res := c.applier.Apply(ctx, []decision.Decision{decision.FailFromSubworkflow{
		TokenID: parentTokenID,
		Reason:  reason,
	}})
	return firstError(res.Errors)
}

// Cancel terminally cancels the run, its active tokens and its running
// subworkflows. Idempotent. It implements registry.Proxy.
func (c *Coordinator) Cancel(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarm.Clear()
	return c.applier.CancelRun(ctx, reason)
}

// Alarm sweeps expired synchronization and subworkflow timeouts and re-arms
// the coalesced timer for the next pending deadline.
func (c *Coordinator) Alarm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runTerminal(ctx) {
		c.alarm.Clear()
		return nil
	}
	now := c.now()
	var next time.Time
	keep := func(deadline time.Time) {
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}

	if err := c.sweepSyncTimeouts(ctx, now, keep); err != nil {
		return err
	}
	if !c.runTerminal(ctx) {
		if err := c.sweepSubworkflowTimeouts(ctx, now, keep); err != nil {
			return err
		}
	}
	if !next.IsZero() && !c.runTerminal(ctx) {
		c.alarm.ScheduleAt(next)
	}
	return nil
}

func (c *Coordinator) sweepSyncTimeouts(ctx context.Context, now time.Time, keep func(time.Time)) error {
	toks, err := c.stores.Tokens().List(ctx)
	if err != nil {
		return err
	}
	groups := make(map[string][]token.Token)
	for _, tok := range toks {
		if tok.Status == token.StatusWaitingForSiblings && tok.SiblingGroup != "" {
			groups[tok.SiblingGroup] = append(groups[tok.SiblingGroup], tok)
		}
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if c.runTerminal(ctx) {
			return nil
		}
		waiting := groups[name]
		sort.Slice(waiting, func(i, j int) bool { return waiting[i].ArrivedAt.Before(waiting[j].ArrivedAt) })
		tr := planner.SyncTransitionFor(c.defs.Transitions(), waiting[0], c.parentNodeID(ctx, waiting[0]))
		if tr == nil || tr.Synchronization == nil {
			continue
		}
		oldest := waiting[0].ArrivedAt
		if !planner.HasTimedOut(tr.Synchronization, oldest, now) {
			if tr.Synchronization.Timeout > 0 {
				keep(oldest.Add(tr.Synchronization.Timeout))
			}
			continue
		}
		c.trace(ctx, hooks.TraceTimeoutSweep, waiting[0].ID, map[string]any{
			"sibling_group": name,
			"waiting":       len(waiting),
			"timeout":       tr.Synchronization.Timeout.String(),
		})
		plan := c.planner.DecideOnTimeout(tr, waiting, now)
		if err := c.executePlan(ctx, plan); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) sweepSubworkflowTimeouts(ctx context.Context, now time.Time, keep func(time.Time)) error {
	subs, err := c.stores.Subworkflows().ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if c.runTerminal(ctx) {
			return nil
		}
		if sub.Timeout <= 0 {
			continue
		}
		deadline := sub.DispatchedAt.Add(sub.Timeout)
		if now.Before(deadline) {
			keep(deadline)
			continue
		}
		res := c.applier.Apply(ctx, []decision.Decision{decision.TimeoutSubworkflow{
			TokenID:          sub.ParentTokenID,
			SubworkflowRunID: sub.SubworkflowRunID,
			Elapsed:          now.Sub(sub.DispatchedAt),
			Budget:           sub.Timeout,
		}})
		if err := firstError(res.Errors); err != nil {
			return err
		}
	}
	return nil
}

// processTaskResult runs the completion pipeline for one token: terminal
// status, output capture, routing, synchronization and dispatch of the
// successors. Caller holds the lock.
func (c *Coordinator) processTaskResult(ctx context.Context, tok token.Token, output map[string]any) error {
	node, err := c.defs.Node(tok.NodeID)
	if err != nil {
		return err
	}
	decisions := []decision.Decision{decision.CompleteToken{TokenID: tok.ID}}
	if tok.SiblingGroup != "" {
		decisions = append(decisions, c.fan.HandleBranchOutput(ctx, tok, node, output)...)
	} else if len(node.OutputMapping) > 0 {
		decisions = append(decisions, decision.ApplyOutputMapping{
			Mapping: node.OutputMapping,
			Data:    output,
		})
	}
	res := c.applier.Apply(ctx, decisions)
	if err := firstError(res.Errors); err != nil {
		return err
	}

	snapshot, err := c.stores.Context().Snapshot(ctx)
	if err != nil {
		return err
	}
	plan := c.planner.PlanRouting(planner.RoutingInput{
		Token:       tok,
		Transitions: c.defs.TransitionsFrom(tok.NodeID),
		Context:     snapshot,
		Now:         c.now(),
	})
	c.emitTraces(ctx, plan.Traces)
	if len(plan.Decisions) == 0 {
		return c.maybeComplete(ctx)
	}

	res = c.applier.Apply(ctx, decision.Batch(plan.Decisions))
	if err := firstError(res.Errors); err != nil {
		return err
	}
	sync, err := c.fan.ProcessSynchronization(ctx, res.Created)
	if err != nil {
		return err
	}
	for _, id := range sync.Dispatch {
		c.executeNode(ctx, id)
	}
	for _, id := range sync.Continuations {
		c.dispatchToken(ctx, id)
	}
	return nil
}

// maybeComplete finalizes the run when no active tokens remain.
func (c *Coordinator) maybeComplete(ctx context.Context) error {
	toks, err := c.stores.Tokens().List(ctx)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		if tok.Status.Active() {
			return nil
		}
	}
	snapshot, err := c.stores.Context().Snapshot(ctx)
	if err != nil {
		return err
	}
	output := planner.FinalOutput(c.defs.WorkflowDef(), snapshot)
	res := c.applier.Apply(ctx, []decision.Decision{decision.CompleteWorkflow{Output: output}})
	c.alarm.Clear()
	return firstError(res.Errors)
}

// dispatchToken marks a token dispatched and hands it to its node's
// execution path. Caller holds the lock.
func (c *Coordinator) dispatchToken(ctx context.Context, tokenID string) {
	if c.runTerminal(ctx) {
		return
	}
	res := c.applier.Apply(ctx, []decision.Decision{decision.MarkForDispatch{TokenID: tokenID}})
	if err := firstError(res.Errors); err != nil {
		c.logger.Error(ctx, "mark for dispatch", "token", tokenID, "err", err)
		return
	}
	c.executeNode(ctx, tokenID)
}

// executeNode routes an already-dispatched token to its node's execution
// path: subworkflow dispatch, pass-through recursion or task execution.
func (c *Coordinator) executeNode(ctx context.Context, tokenID string) {
	tok, err := c.stores.Tokens().Get(ctx, tokenID)
	if err != nil {
		c.logger.Error(ctx, "load token for dispatch", "token", tokenID, "err", err)
		return
	}
	node, err := c.defs.Node(tok.NodeID)
	if err != nil {
		c.logger.Error(ctx, "resolve node for dispatch", "token", tokenID, "err", err)
		return
	}
	switch {
	case node.SubworkflowID != "":
		c.dispatchSubworkflow(ctx, tok, node)
	case node.TaskID == "":
		// Pass-through node: complete immediately with an empty output.
		if err := c.processTaskResult(ctx, tok, map[string]any{}); err != nil {
			c.logger.Error(ctx, "pass-through node", "token", tokenID, "err", err)
		}
	default:
		c.executeTask(ctx, tok, node)
	}
}

func (c *Coordinator) executeTask(ctx context.Context, tok token.Token, node *workflow.Node) {
	snapshot, err := c.stores.Context().Snapshot(ctx)
	if err != nil {
		c.logger.Error(ctx, "snapshot context for dispatch", "token", tok.ID, "err", err)
		return
	}
	run := c.defs.WorkflowRun()
	req := executor.Request{
		TokenID:     tok.ID,
		RunID:       run.RunID,
		RootRunID:   run.RootRunID,
		ProjectID:   run.ProjectID,
		TaskID:      node.TaskID,
		TaskVersion: node.TaskVersion,
		Input:       planner.TaskInput(node, snapshot),
		Resources:   node.ResourceBindings,
		TraceEvents: c.traceEvents,
	}
	c.metrics.IncCounter("weave.coordinator.tasks.dispatched", 1, "task", node.TaskID)
	bctx := context.WithoutCancel(ctx)
	c.scope.Go(func() {
		if err := c.exec.ExecuteTask(bctx, req); err != nil {
			c.trace(bctx, hooks.TraceDispatchError, tok.ID, map[string]any{"error": err.Error()})
			if herr := c.HandleTaskError(bctx, tok.ID, "dispatch: "+err.Error()); herr != nil {
				c.logger.Error(bctx, "handle dispatch error", "token", tok.ID, "err", herr)
			}
		}
	})
}

func (c *Coordinator) dispatchSubworkflow(ctx context.Context, tok token.Token, node *workflow.Node) {
	if c.reg == nil {
		reason := fmt.Sprintf("node %q requires a subworkflow registry", node.ID)
		res := c.applier.Apply(ctx, []decision.Decision{
			decision.UpdateTokenStatus{TokenID: tok.ID, Status: token.StatusFailed, Reason: reason},
			decision.FailWorkflow{Reason: reason},
		})
		if err := firstError(res.Errors); err != nil {
			c.logger.Error(ctx, "fail on missing registry", "token", tok.ID, "err", err)
		}
		return
	}
	snapshot, err := c.stores.Context().Snapshot(ctx)
	if err != nil {
		c.logger.Error(ctx, "snapshot context for subworkflow", "token", tok.ID, "err", err)
		return
	}
	childRunID := "run-" + token.NewID()
	res := c.applier.Apply(ctx, []decision.Decision{decision.MarkWaitingForSubworkflow{
		TokenID:          tok.ID,
		SubworkflowRunID: childRunID,
		Timeout:          node.SubworkflowTimeout,
	}})
	if err := firstError(res.Errors); err != nil {
		c.logger.Error(ctx, "mark waiting for subworkflow", "token", tok.ID, "err", err)
		return
	}
	run := c.defs.WorkflowRun()
	req := registry.StartRequest{
		RunID:           childRunID,
		WorkflowID:      node.SubworkflowID,
		WorkflowVersion: node.SubworkflowVersion,
		Input:           planner.TaskInput(node, snapshot),
		RootRunID:       run.RootRunID,
		ParentRunID:     run.RunID,
		ParentTokenID:   tok.ID,
		ProjectID:       run.ProjectID,
		TraceEvents:     c.traceEvents,
	}
	bctx := context.WithoutCancel(ctx)
	c.scope.Go(func() {
		proxy, err := c.reg.Lookup(childRunID)
		if err == nil {
			err = proxy.StartSubworkflow(bctx, req)
		}
		if err != nil {
			if herr := c.HandleSubworkflowError(bctx, tok.ID, "start subworkflow: "+err.Error()); herr != nil {
				c.logger.Error(bctx, "handle subworkflow start error", "token", tok.ID, "err", herr)
			}
		}
	})
}

// redispatch re-dispatches a retried token after its delay elapsed.
func (c *Coordinator) redispatch(ctx context.Context, tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runTerminal(ctx) {
		return
	}
	tok, err := c.stores.Tokens().Get(ctx, tokenID)
	if err != nil || tok.Status.Terminal() {
		return
	}
	c.dispatchToken(ctx, tokenID)
}

// executePlan applies a plan, routing fan-in activations through the fan
// engine and dispatching any resulting continuation.
func (c *Coordinator) executePlan(ctx context.Context, plan planner.Plan) error {
	c.emitTraces(ctx, plan.Traces)
	for _, d := range plan.Decisions {
		if act, ok := d.(decision.ActivateFanIn); ok {
			contID, activated, err := c.fan.Activate(ctx, act)
			if err != nil {
				return err
			}
			if activated {
				c.dispatchToken(ctx, contID)
			}
			continue
		}
		res := c.applier.Apply(ctx, []decision.Decision{d})
		if err := firstError(res.Errors); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) runTerminal(ctx context.Context) bool {
	status, err := c.stores.Status().Get(ctx)
	if err != nil {
		c.logger.Error(ctx, "read run status", "err", err)
		return false
	}
	return status.Terminal()
}

func (c *Coordinator) parentNodeID(ctx context.Context, tok token.Token) string {
	if tok.ParentTokenID == "" {
		return ""
	}
	parent, err := c.stores.Tokens().Get(ctx, tok.ParentTokenID)
	if err != nil {
		return ""
	}
	return parent.NodeID
}

func (c *Coordinator) emitTraces(ctx context.Context, traces []hooks.TraceEvent) {
	for _, tr := range traces {
		if err := c.emitter.EmitTrace(ctx, tr); err != nil {
			c.logger.Error(ctx, "emit trace", "type", string(tr.Type), "err", err)
		}
	}
}

func (c *Coordinator) trace(ctx context.Context, typ hooks.TraceType, tokenID string, fields map[string]any) {
	err := c.emitter.EmitTrace(ctx, hooks.TraceEvent{
		Type:    typ,
		RunID:   c.defs.WorkflowRun().RunID,
		TokenID: tokenID,
		Time:    c.now(),
		Fields:  fields,
	})
	if err != nil {
		c.logger.Error(ctx, "emit trace", "type", string(typ), "err", err)
	}
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
