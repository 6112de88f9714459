// Package hooks defines the coordinator's outbound event surface: user-visible
// workflow milestones and fine-grained planning/dispatch traces, the Emitter
// contract the core hands them to, and an in-memory fan-out bus for wiring
// subscribers (streaming sinks, persistence, tests).
//
// The coordinator never transports events itself; it emits and moves on.
// Subscribers that need delivery guarantees layer them behind the bus.
package hooks

import (
	"time"
)

type (
	// EventType enumerates user-visible workflow milestones.
	EventType string

	// TraceType enumerates fine-grained planner/applier trace events. Traces
	// are suppressed unless the run was started with trace events enabled.
	TraceType string

	// WorkflowEvent is a user-visible milestone in a run's life. Metadata is
	// a free-form mapping whose keys depend on the event type (node ids,
	// sibling groups, error text).
	WorkflowEvent struct {
		// Type identifies the milestone.
		Type EventType
		// RunID identifies the run that produced the event.
		RunID string
		// TokenID identifies the subject token when the event concerns one.
		TokenID string
		// Time records when the event was created (not delivered).
		Time time.Time
		// Metadata carries event-specific details.
		Metadata map[string]any
	}

	// TraceEvent is a fine-grained record of one planning or dispatch step.
	TraceEvent struct {
		// Type identifies the traced step.
		Type TraceType
		// RunID identifies the run that produced the trace.
		RunID string
		// TokenID identifies the subject token when the trace concerns one.
		TokenID string
		// Time records when the trace was created.
		Time time.Time
		// Fields carries step-specific details (transition ids, condition
		// results, batch sizes).
		Fields map[string]any
	}
)

// Workflow milestone event types.
const (
	EventWorkflowStarted       EventType = "workflow.started"
	EventSubworkflowStarted    EventType = "subworkflow.started"
	EventTokenCreated          EventType = "token.created"
	EventTokenCompleted        EventType = "token.completed"
	EventTokenFailed           EventType = "token.failed"
	EventTokenCancelled        EventType = "token.cancelled"
	EventTokenTimedOut         EventType = "token.timed_out"
	EventFanOutStarted         EventType = "fan_out.started"
	EventBranchesMerged        EventType = "branches.merged"
	EventFanInCompleted        EventType = "fan_in.completed"
	EventSubworkflowDispatched EventType = "subworkflow.dispatched"
	EventSubworkflowResult     EventType = "subworkflow.result_received"
	EventSubworkflowTimeout    EventType = "subworkflow.timeout"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowCancelled     EventType = "workflow.cancelled"
)

// Trace event types.
const (
	TraceRoutingEvaluate   TraceType = "decision.routing.evaluate_transition"
	TraceRoutingLoopLimit  TraceType = "decision.routing.loop_limit_reached"
	TraceSyncCheck         TraceType = "decision.sync.check_condition"
	TraceDispatchBatch     TraceType = "dispatch.batch.complete"
	TraceDispatchError     TraceType = "dispatch.error"
	TraceFanInRaceLost     TraceType = "dispatch.sync.fan_in_race_lost"
	TraceTerminalNoop      TraceType = "dispatch.terminal_noop"
	TraceConditionError    TraceType = "decision.routing.condition_error"
	TraceTimeoutSweep      TraceType = "dispatch.alarm.timeout_sweep"
	TraceRetryScheduled    TraceType = "dispatch.retry.scheduled"
	TraceSchemaViolation   TraceType = "dispatch.branch.schema_violation"
)
