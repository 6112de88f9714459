// Package executor defines the boundary between the coordinator and whatever
// actually runs tasks. Dispatch is fire-and-forget: ExecuteTask hands the
// request off and returns; results come back later through the coordinator's
// HandleTaskResult and HandleTaskError entry points.
package executor

import (
	"context"

	"golang.org/x/time/rate"
)

type (
	// Request is one task dispatch.
	Request struct {
		// TokenID identifies the token awaiting this task; results must echo
		// it back.
		TokenID string
		// RunID and RootRunID locate the run within the run tree.
		RunID     string
		RootRunID string
		// ProjectID scopes resource resolution.
		ProjectID string
		// TaskID and TaskVersion name the task definition to run.
		TaskID      string
		TaskVersion string
		// Input is the task payload shaped by the node's input mapping.
		Input map[string]any
		// Resources names external resources bound to the node. Opaque to the
		// coordinator.
		Resources map[string]string
		// TraceEvents propagates the run's trace flag to the executor.
		TraceEvents bool
	}

	// TaskExecutor dispatches tasks. Implementations must not block on task
	// completion; an error reports a dispatch failure only.
	TaskExecutor interface {
		ExecuteTask(ctx context.Context, req Request) error
	}
)

// RateLimited wraps a TaskExecutor with a token-bucket limit on dispatches.
// Dispatch blocks until the limiter admits the request or the context ends.
type RateLimited struct {
	next    TaskExecutor
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter admitting rps dispatches per second
// with the given burst.
func NewRateLimited(next TaskExecutor, rps float64, burst int) *RateLimited {
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// ExecuteTask waits for limiter admission and then dispatches.
func (r *RateLimited) ExecuteTask(ctx context.Context, req Request) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.next.ExecuteTask(ctx, req)
}
