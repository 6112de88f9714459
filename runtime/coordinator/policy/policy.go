// Package policy defines the pluggable reaction to task execution errors.
// The default fails the workflow on the first error; installations that want
// retries provide their own Retry implementation.
package policy

import (
	"context"
	"time"

	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

type (
	// Input describes one task failure.
	Input struct {
		// Token is the failed token.
		Token token.Token
		// Node is the node the task belongs to.
		Node *workflow.Node
		// Reason is the executor-reported error text.
		Reason string
		// Attempt is the attempt number that failed, starting at 1.
		Attempt int
	}

	// Outcome is the policy's verdict.
	Outcome struct {
		// Retry requests another dispatch of the same token.
		Retry bool
		// Delay postpones the re-dispatch. Zero retries immediately.
		Delay time.Duration
	}

	// Retry decides what happens after a task error.
	Retry interface {
		Decide(ctx context.Context, in Input) Outcome
	}
)

// FailFast never retries; every task error fails the workflow.
type FailFast struct{}

// Decide returns the no-retry outcome.
func (FailFast) Decide(context.Context, Input) Outcome { return Outcome{} }

// MaxAttempts retries with a fixed delay until the attempt limit is reached.
type MaxAttempts struct {
	// Limit is the total number of attempts allowed.
	Limit int
	// Delay is applied before each re-dispatch.
	Delay time.Duration
}

// Decide allows a retry while attempts remain.
func (p MaxAttempts) Decide(_ context.Context, in Input) Outcome {
	if in.Attempt >= p.Limit {
		return Outcome{}
	}
	return Outcome{Retry: true, Delay: p.Delay}
}
