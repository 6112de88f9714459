// Package resources defines the coordinator's outbound notifications to the
// control plane that owns run records: terminal status updates and final
// outputs. The coordinator treats failures here as non-fatal; the run's local
// state is always authoritative.
package resources

import (
	"context"
	"sync"
)

// Client receives run lifecycle notifications.
type Client interface {
	// CompleteRun records the run's successful completion with its final
	// output.
	CompleteRun(ctx context.Context, runID string, output map[string]any) error
	// UpdateRunStatus records a terminal status ("failed", "cancelled").
	UpdateRunStatus(ctx context.Context, runID, status string) error
}

// Noop discards all notifications.
type Noop struct{}

// NewNoop returns a client that discards notifications.
func NewNoop() Noop { return Noop{} }

// CompleteRun discards the notification.
func (Noop) CompleteRun(context.Context, string, map[string]any) error { return nil }

// UpdateRunStatus discards the notification.
func (Noop) UpdateRunStatus(context.Context, string, string) error { return nil }

// InMem records notifications for tests.
type InMem struct {
	mu       sync.Mutex
	statuses map[string]string
	outputs  map[string]map[string]any
}

// NewInMem constructs an empty recording client.
func NewInMem() *InMem {
	return &InMem{
		statuses: make(map[string]string),
		outputs:  make(map[string]map[string]any),
	}
}

// CompleteRun records the completion.
func (c *InMem) CompleteRun(_ context.Context, runID string, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[runID] = "completed"
	c.outputs[runID] = output
	return nil
}

// UpdateRunStatus records the status.
func (c *InMem) UpdateRunStatus(_ context.Context, runID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[runID] = status
	return nil
}

// Status returns the recorded status for a run.
func (c *InMem) Status(runID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[runID]
}

// Output returns the recorded final output for a run.
func (c *InMem) Output(runID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs[runID]
}
