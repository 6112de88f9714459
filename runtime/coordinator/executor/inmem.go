package executor

import (
	"context"
	"sync"
)

// InMem records dispatch requests for tests and embedded harnesses. Results
// are injected manually by the test through the coordinator's entry points.
type InMem struct {
	mu   sync.Mutex
	reqs []Request

	// OnDispatch, when set, is invoked synchronously for each request. Tests
	// use it to drive results back into the coordinator.
	OnDispatch func(ctx context.Context, req Request) error
}

// NewInMem constructs an empty recording executor.
func NewInMem() *InMem { return &InMem{} }

// ExecuteTask records the request and invokes OnDispatch when set.
func (e *InMem) ExecuteTask(ctx context.Context, req Request) error {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	cb := e.OnDispatch
	e.mu.Unlock()
	if cb != nil {
		return cb(ctx, req)
	}
	return nil
}

// Requests returns a copy of all recorded dispatches in order.
func (e *InMem) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, len(e.reqs))
	copy(out, e.reqs)
	return out
}
