// Package registry routes cross-run calls in the parent/child subworkflow
// protocol. Each run is owned by exactly one coordinator; the registry maps a
// run ID to a proxy for that coordinator, creating the coordinator on first
// lookup. This mirrors addressing a single-owner actor by name: the same ID
// always reaches the same instance.
package registry

import (
	"context"
	"fmt"
	"sync"
)

type (
	// StartRequest carries everything needed to start a child run.
	StartRequest struct {
		// RunID is the child run's identity, minted by the parent.
		RunID string
		// WorkflowID and WorkflowVersion name the child definition.
		WorkflowID      string
		WorkflowVersion string
		// Input is the child workflow input shaped by the parent node's input
		// mapping.
		Input map[string]any
		// RootRunID is the top of the run tree.
		RootRunID string
		// ParentRunID and ParentTokenID locate the dispatching parent.
		ParentRunID   string
		ParentTokenID string
		// ProjectID scopes resource resolution.
		ProjectID string
		// TraceEvents propagates the parent's trace flag.
		TraceEvents bool
	}

	// Proxy is the call surface of one run's coordinator as seen from another
	// run. All methods are safe to call from background goroutines; the target
	// coordinator serializes internally.
	Proxy interface {
		// StartSubworkflow starts the run as a child with the given binding.
		StartSubworkflow(ctx context.Context, req StartRequest) error
		// HandleSubworkflowResult delivers a completed child's output to the
		// parent token.
		HandleSubworkflowResult(ctx context.Context, parentTokenID string, output map[string]any) error
		// HandleSubworkflowError delivers a child failure to the parent token.
		HandleSubworkflowError(ctx context.Context, parentTokenID, reason string) error
		// Cancel cancels the run with a reason. Idempotent.
		Cancel(ctx context.Context, reason string) error
	}

	// Registry resolves run IDs to coordinator proxies.
	Registry interface {
		// Lookup returns the proxy owning the given run, creating the
		// coordinator if this is the first reference to the ID.
		Lookup(runID string) (Proxy, error)
	}
)

// Factory creates the coordinator for a run ID on first lookup.
type Factory func(runID string) (Proxy, error)

// InMem is the embedded Registry: a map of live coordinators plus a factory
// for get-or-create semantics.
type InMem struct {
	mu      sync.Mutex
	byRun   map[string]Proxy
	factory Factory
}

// NewInMem constructs a registry backed by the given factory. A nil factory
// restricts the registry to explicitly registered runs.
func NewInMem(factory Factory) *InMem {
	return &InMem{byRun: make(map[string]Proxy), factory: factory}
}

// Register installs an existing coordinator under its run ID.
func (r *InMem) Register(runID string, p Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRun[runID] = p
}

// Lookup returns the proxy for a run, creating it through the factory when
// absent.
func (r *InMem) Lookup(runID string) (Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byRun[runID]; ok {
		return p, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("registry: no coordinator for run %q", runID)
	}
	p, err := r.factory(runID)
	if err != nil {
		return nil, fmt.Errorf("registry: create coordinator for run %q: %w", runID, err)
	}
	r.byRun[runID] = p
	return p, nil
}
