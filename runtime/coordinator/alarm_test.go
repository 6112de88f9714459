package coordinator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarmFireCoveredByScopeWait(t *testing.T) {
	scope := NewScope()
	started := make(chan struct{})
	var finished atomic.Bool
	a := newAlarm(time.Now, scope, func() {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	})

	a.Schedule(0)
	<-started
	scope.Wait()
	assert.True(t, finished.Load(), "Wait blocks until an in-flight sweep returns")
}

func TestAlarmEarliestDeadlineWins(t *testing.T) {
	scope := NewScope()
	var fires atomic.Int32
	a := newAlarm(time.Now, scope, func() { fires.Add(1) })

	a.Schedule(5 * time.Millisecond)
	a.Schedule(time.Hour) // later request is absorbed

	require.Eventually(t, func() bool { return fires.Load() == 1 },
		5*time.Second, time.Millisecond)
	scope.Wait()
	assert.Equal(t, int32(1), fires.Load())
}

func TestAlarmEarlierRequestReplacesPending(t *testing.T) {
	scope := NewScope()
	var fires atomic.Int32
	a := newAlarm(time.Now, scope, func() { fires.Add(1) })

	a.Schedule(time.Hour)
	a.Schedule(5 * time.Millisecond)

	require.Eventually(t, func() bool { return fires.Load() == 1 },
		5*time.Second, time.Millisecond)
	a.Clear()
}

func TestAlarmClearStopsPendingFire(t *testing.T) {
	scope := NewScope()
	var fires atomic.Int32
	a := newAlarm(time.Now, scope, func() { fires.Add(1) })

	a.Schedule(20 * time.Millisecond)
	a.Clear()

	time.Sleep(80 * time.Millisecond)
	scope.Wait()
	assert.Zero(t, fires.Load())
}
