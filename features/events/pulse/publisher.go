// Package pulse publishes coordinator events to goa.design/pulse streams so
// UIs and sibling services can follow a run live. Milestones go to the
// "run/<runID>" stream; traces, when enabled, go to "run/<runID>/trace".
//
// The publisher implements hooks.Subscriber and is registered on a run's
// event bus. Publish failures are returned to the bus; callers that prefer
// lossy delivery wrap the subscriber accordingly.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/weave/features/events/pulse/clients/pulse"
	"goa.design/weave/runtime/coordinator/hooks"
)

type (
	// Options configures the publisher.
	Options struct {
		// Client is the Pulse client used to publish. Required.
		Client pulse.Client
		// StreamID derives the milestone stream name from a run ID. Defaults
		// to "run/<runID>".
		StreamID func(runID string) string
	}

	// Publisher forwards coordinator events into Pulse streams.
	Publisher struct {
		client   pulse.Client
		streamID func(runID string) string
	}

	// envelope is the wire form of one published event.
	envelope struct {
		// Type is the event or trace type.
		Type string `json:"type"`
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// TokenID identifies the subject token, when any.
		TokenID string `json:"token_id,omitempty"`
		// Timestamp records when the event was created (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event metadata or trace fields.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// NewPublisher constructs a Pulse-backed event publisher.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(runID string) string { return "run/" + runID }
	}
	return &Publisher{client: opts.Client, streamID: streamID}, nil
}

// HandleEvent publishes a workflow milestone to the run's stream.
func (p *Publisher) HandleEvent(ctx context.Context, event hooks.WorkflowEvent) error {
	return p.publish(ctx, p.streamID(event.RunID), envelope{
		Type:      string(event.Type),
		RunID:     event.RunID,
		TokenID:   event.TokenID,
		Timestamp: event.Time.UTC(),
		Payload:   event.Metadata,
	})
}

// HandleTrace publishes a trace event to the run's trace stream.
func (p *Publisher) HandleTrace(ctx context.Context, event hooks.TraceEvent) error {
	return p.publish(ctx, p.streamID(event.RunID)+"/trace", envelope{
		Type:      string(event.Type),
		RunID:     event.RunID,
		TokenID:   event.TokenID,
		Timestamp: event.Time.UTC(),
		Payload:   event.Fields,
	})
}

func (p *Publisher) publish(ctx context.Context, streamID string, env envelope) error {
	if env.RunID == "" {
		return errors.New("event missing run id")
	}
	handle, err := p.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, env.Type, payload)
	return err
}

// Close releases publisher resources.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}
