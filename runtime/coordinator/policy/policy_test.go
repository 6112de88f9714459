package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailFast(t *testing.T) {
	out := FailFast{}.Decide(context.Background(), Input{Attempt: 1, Reason: "boom"})
	assert.False(t, out.Retry)
	assert.Zero(t, out.Delay)
}

func TestMaxAttempts(t *testing.T) {
	p := MaxAttempts{Limit: 3, Delay: 50 * time.Millisecond}
	ctx := context.Background()

	out := p.Decide(ctx, Input{Attempt: 1})
	assert.True(t, out.Retry)
	assert.Equal(t, 50*time.Millisecond, out.Delay)

	out = p.Decide(ctx, Input{Attempt: 2})
	assert.True(t, out.Retry)

	out = p.Decide(ctx, Input{Attempt: 3})
	assert.False(t, out.Retry, "the limit counts total attempts")
}
