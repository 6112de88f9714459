package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/weave/runtime/coordinator/executor"
	"goa.design/weave/runtime/coordinator/hooks"
	"goa.design/weave/runtime/coordinator/policy"
	"goa.design/weave/runtime/coordinator/registry"
	"goa.design/weave/runtime/coordinator/resources"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/telemetry"
	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

type (
	// DefinitionSource resolves workflow definitions by ID for subworkflow
	// dispatch. An empty version selects the source's current version.
	DefinitionSource interface {
		WorkflowDef(ctx context.Context, id, version string) (*workflow.Def, error)
	}

	// RuntimeOptions configures a Runtime. Definitions and Executor are
	// required.
	RuntimeOptions struct {
		Definitions DefinitionSource
		Executor    executor.TaskExecutor
		// NewStores creates the per-run state stores. Defaults to in-memory.
		NewStores func(runID string) store.Stores
		// NewEmitter creates the per-run event emitter. Defaults to no-op.
		NewEmitter func(runID string, traces bool) hooks.Emitter
		Resources  resources.Client
		Retry      policy.Retry
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		Tracer     telemetry.Tracer
	}

	// Runtime hosts coordinators for a tree of runs: it owns the registry
	// that routes cross-run calls and constructs child coordinators on
	// demand when a parent dispatches a subworkflow.
	Runtime struct {
		opts RuntimeOptions
		reg  *registry.InMem
	}

	// StartRun names a top-level run to start.
	StartRun struct {
		// RunID identifies the run; minted when empty.
		RunID string
		// WorkflowID and WorkflowVersion select the definition.
		WorkflowID      string
		WorkflowVersion string
		// ProjectID scopes resource resolution.
		ProjectID string
		// Input is the workflow input payload.
		Input map[string]any
		// EnableTraceEvents turns on fine-grained traces for the run tree.
		EnableTraceEvents bool
	}

	// managed is the registry proxy for a run whose coordinator does not
	// exist yet. The coordinator is built on the first StartSubworkflow call,
	// which is the only call that can carry the definition identity.
	managed struct {
		rt    *Runtime
		runID string

		mu sync.Mutex
		c  *Coordinator
	}
)

// NewRuntime constructs a runtime host.
func NewRuntime(o RuntimeOptions) (*Runtime, error) {
	if o.Definitions == nil {
		return nil, errors.New("coordinator: definition source is required")
	}
	if o.Executor == nil {
		return nil, errors.New("coordinator: executor is required")
	}
	if o.NewStores == nil {
		o.NewStores = func(runID string) store.Stores { return store.NewInMem(runID) }
	}
	if o.NewEmitter == nil {
		o.NewEmitter = func(string, bool) hooks.Emitter { return hooks.NoopEmitter{} }
	}
	rt := &Runtime{opts: o}
	rt.reg = registry.NewInMem(func(runID string) (registry.Proxy, error) {
		return &managed{rt: rt, runID: runID}, nil
	})
	return rt, nil
}

// Registry exposes the runtime's run registry.
func (rt *Runtime) Registry() registry.Registry { return rt.reg }

// Start starts a top-level run and returns its coordinator.
func (rt *Runtime) Start(ctx context.Context, req StartRun) (*Coordinator, error) {
	if req.RunID == "" {
		req.RunID = "run-" + token.NewID()
	}
	def, err := rt.opts.Definitions.WorkflowDef(ctx, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	run := &workflow.Run{
		RunID:     req.RunID,
		RootRunID: req.RunID,
		ProjectID: req.ProjectID,
		Input:     req.Input,
		Def:       def,
	}
	c, err := rt.build(run, req.EnableTraceEvents)
	if err != nil {
		return nil, err
	}
	rt.reg.Register(req.RunID, c)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Coordinator returns the live coordinator for a run, if any.
func (rt *Runtime) Coordinator(runID string) (*Coordinator, bool) {
	proxy, err := rt.reg.Lookup(runID)
	if err != nil {
		return nil, false
	}
	switch p := proxy.(type) {
	case *Coordinator:
		return p, true
	case *managed:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.c, p.c != nil
	default:
		return nil, false
	}
}

func (rt *Runtime) build(run *workflow.Run, traces bool) (*Coordinator, error) {
	return New(run, Options{
		Stores:            rt.opts.NewStores(run.RunID),
		Executor:          rt.opts.Executor,
		Emitter:           rt.opts.NewEmitter(run.RunID, traces),
		Registry:          rt.reg,
		Resources:         rt.opts.Resources,
		Retry:             rt.opts.Retry,
		Logger:            rt.opts.Logger,
		Metrics:           rt.opts.Metrics,
		Tracer:            rt.opts.Tracer,
		EnableTraceEvents: traces,
	})
}

// StartSubworkflow builds the coordinator from the request's definition
// identity and starts the child run.
func (m *managed) StartSubworkflow(ctx context.Context, req registry.StartRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return ErrAlreadyStarted
	}
	def, err := m.rt.opts.Definitions.WorkflowDef(ctx, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("resolve subworkflow %q: %w", req.WorkflowID, err)
	}
	run := &workflow.Run{RunID: m.runID, Def: def}
	c, err := m.rt.build(run, req.TraceEvents)
	if err != nil {
		return err
	}
	m.c = c
	return c.StartSubworkflow(ctx, req)
}

// HandleSubworkflowResult forwards to the live coordinator.
func (m *managed) HandleSubworkflowResult(ctx context.Context, parentTokenID string, output map[string]any) error {
	c, err := m.live()
	if err != nil {
		return err
	}
	return c.HandleSubworkflowResult(ctx, parentTokenID, output)
}

// HandleSubworkflowError forwards to the live coordinator.
func (m *managed) HandleSubworkflowError(ctx context.Context, parentTokenID, reason string) error {
	c, err := m.live()
	if err != nil {
		return err
	}
	return c.HandleSubworkflowError(ctx, parentTokenID, reason)
}

// Cancel forwards to the live coordinator. Cancelling a run that never
// started is a no-op.
func (m *managed) Cancel(ctx context.Context, reason string) error {
	c, err := m.live()
	if err != nil {
		return nil
	}
	return c.Cancel(ctx, reason)
}

func (m *managed) live() (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil, fmt.Errorf("coordinator: run %q was never started", m.runID)
	}
	return m.c, nil
}

// StaticSource is an in-memory DefinitionSource keyed by workflow ID.
type StaticSource struct {
	mu   sync.RWMutex
	defs map[string]*workflow.Def
}

// NewStaticSource constructs a source holding the given definitions.
func NewStaticSource(defs ...*workflow.Def) *StaticSource {
	s := &StaticSource{defs: make(map[string]*workflow.Def, len(defs))}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

// Add registers or replaces a definition.
func (s *StaticSource) Add(def *workflow.Def) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
}

// WorkflowDef resolves a definition by ID. Version mismatches are rejected;
// an empty requested version matches any.
func (s *StaticSource) WorkflowDef(_ context.Context, id, version string) (*workflow.Def, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", id)
	}
	if version != "" && def.Version != "" && def.Version != version {
		return nil, fmt.Errorf("workflow %q version %q not found (have %q)", id, version, def.Version)
	}
	return def, nil
}
