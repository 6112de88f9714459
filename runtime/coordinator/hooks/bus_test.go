package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(false)
	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		_, err := bus.Register(SubscriberFuncs{
			Event: func(context.Context, WorkflowEvent) error {
				order = append(order, name)
				return nil
			},
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Emit(context.Background(), WorkflowEvent{Type: EventTokenCreated}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus(false)
	boom := errors.New("boom")
	var reached bool

	_, err := bus.Register(SubscriberFuncs{
		Event: func(context.Context, WorkflowEvent) error { return boom },
	})
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFuncs{
		Event: func(context.Context, WorkflowEvent) error { reached = true; return nil },
	})
	require.NoError(t, err)

	assert.ErrorIs(t, bus.Emit(context.Background(), WorkflowEvent{}), boom)
	assert.False(t, reached)
}

func TestBusTraceGating(t *testing.T) {
	delivered := 0
	sub := SubscriberFuncs{
		Trace: func(context.Context, TraceEvent) error { delivered++; return nil },
	}

	off := NewBus(false)
	_, err := off.Register(sub)
	require.NoError(t, err)
	require.NoError(t, off.EmitTrace(context.Background(), TraceEvent{Type: TraceSyncCheck}))
	assert.Zero(t, delivered)
	assert.False(t, off.TracesEnabled())

	on := NewBus(true)
	_, err = on.Register(sub)
	require.NoError(t, err)
	require.NoError(t, on.EmitTrace(context.Background(), TraceEvent{Type: TraceSyncCheck}))
	assert.Equal(t, 1, delivered)
	assert.True(t, on.TracesEnabled())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewBus(false)
	calls := 0
	sub, err := bus.Register(SubscriberFuncs{
		Event: func(context.Context, WorkflowEvent) error { calls++; return nil },
	})
	require.NoError(t, err)

	require.NoError(t, bus.Emit(context.Background(), WorkflowEvent{}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, bus.Emit(context.Background(), WorkflowEvent{}))
	assert.Equal(t, 1, calls)
}

func TestBusRejectsNilSubscriber(t *testing.T) {
	bus := NewBus(false)
	_, err := bus.Register(nil)
	assert.Error(t, err)
}

func TestSubscriberFuncsNilHandlers(t *testing.T) {
	var f SubscriberFuncs
	assert.NoError(t, f.HandleEvent(context.Background(), WorkflowEvent{}))
	assert.NoError(t, f.HandleTrace(context.Background(), TraceEvent{}))
}
