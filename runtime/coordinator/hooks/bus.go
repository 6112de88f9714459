package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Emitter is the contract the coordinator core emits through. Emit
	// carries user-visible milestones; EmitTrace carries planner/applier
	// traces and is expected to be a no-op when tracing is disabled for the
	// run. Implementations must be safe for use from the coordinator actor
	// goroutine and from background callbacks.
	Emitter interface {
		// Emit delivers a workflow milestone.
		Emit(ctx context.Context, event WorkflowEvent) error
		// EmitTrace delivers a fine-grained trace event.
		EmitTrace(ctx context.Context, event TraceEvent) error
	}

	// Subscriber reacts to published events. Implementations return an error
	// only when processing failed in a way the publisher should observe;
	// non-critical failures should be logged and swallowed so other
	// subscribers still receive the event.
	Subscriber interface {
		// HandleEvent processes a milestone event.
		HandleEvent(ctx context.Context, event WorkflowEvent) error
		// HandleTrace processes a trace event.
		HandleTrace(ctx context.Context, event TraceEvent) error
	}

	// Subscription is an active registration on a Bus. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Bus fans events out to registered subscribers in registration order,
	// stopping at the first subscriber error. It implements Emitter so it can
	// be handed to the coordinator directly.
	Bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription
		traces      bool
	}

	subscription struct {
		bus  *Bus
		once sync.Once
	}

	// SubscriberFuncs adapts plain functions to the Subscriber interface.
	// Either function may be nil, in which case the corresponding class of
	// events is ignored.
	SubscriberFuncs struct {
		Event func(ctx context.Context, event WorkflowEvent) error
		Trace func(ctx context.Context, event TraceEvent) error
	}
)

// NewBus constructs an event bus. Trace delivery is controlled by
// enableTraces: when false, EmitTrace is a no-op for the whole run, matching
// the per-run EnableTraceEvents start option.
func NewBus(enableTraces bool) *Bus {
	return &Bus{
		subscribers: make(map[*subscription]Subscriber),
		traces:      enableTraces,
	}
}

// Register adds a subscriber and returns its subscription handle.
func (b *Bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// Emit delivers a milestone event to every subscriber in registration order,
// stopping at the first error.
func (b *Bus) Emit(ctx context.Context, event WorkflowEvent) error {
	for _, sub := range b.snapshot() {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// EmitTrace delivers a trace event to every subscriber unless traces are
// disabled for this bus.
func (b *Bus) EmitTrace(ctx context.Context, event TraceEvent) error {
	if !b.traces {
		return nil
	}
	for _, sub := range b.snapshot() {
		if err := sub.HandleTrace(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// TracesEnabled reports whether this bus delivers trace events.
func (b *Bus) TracesEnabled() bool { return b.traces }

func (b *Bus) snapshot() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, s := range b.order {
		if sub, ok := b.subscribers[s]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, candidate := range s.bus.order {
			if candidate == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

// HandleEvent invokes the event function when set.
func (f SubscriberFuncs) HandleEvent(ctx context.Context, event WorkflowEvent) error {
	if f.Event == nil {
		return nil
	}
	return f.Event(ctx, event)
}

// HandleTrace invokes the trace function when set.
func (f SubscriberFuncs) HandleTrace(ctx context.Context, event TraceEvent) error {
	if f.Trace == nil {
		return nil
	}
	return f.Trace(ctx, event)
}

// NoopEmitter discards all events. Useful as a default when callers do not
// care about observability.
type NoopEmitter struct{}

// Emit discards the event.
func (NoopEmitter) Emit(context.Context, WorkflowEvent) error { return nil }

// EmitTrace discards the event.
func (NoopEmitter) EmitTrace(context.Context, TraceEvent) error { return nil }
