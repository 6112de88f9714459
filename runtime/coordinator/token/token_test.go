package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
		active   bool
		inFlight bool
	}{
		{StatusPending, false, true, true},
		{StatusDispatched, false, true, true},
		{StatusExecuting, false, true, true},
		{StatusWaitingForSiblings, false, true, false},
		{StatusWaitingForSubworkflow, false, true, false},
		{StatusCompleted, true, false, false},
		{StatusFailed, true, false, false},
		{StatusCancelled, true, false, false},
		{StatusTimedOut, true, false, false},
		{Status("bogus"), false, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.status.Terminal())
			assert.Equal(t, tc.active, tc.status.Active())
			assert.Equal(t, tc.inFlight, tc.status.InFlight())
		})
	}
}

func TestNewIDSortsByCreation(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestCloneIterationCounts(t *testing.T) {
	assert.Nil(t, CloneIterationCounts(nil))
	assert.Nil(t, CloneIterationCounts(map[string]int{}))

	src := map[string]int{"again": 2}
	dst := CloneIterationCounts(src)
	assert.Equal(t, src, dst)
	dst["again"] = 5
	assert.Equal(t, 2, src["again"], "clone is independent")
}
