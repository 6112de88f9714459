package coordinator

import (
	"sync"
	"time"
)

// alarm coalesces timeout wake-ups into a single timer per coordinator. Every
// waiting token and subworkflow budget funnels through Schedule; the earliest
// requested deadline wins and later requests for the same or a later time are
// absorbed. The sweep re-arms for the next pending deadline after each fire.
type alarm struct {
	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
	bg    *Scope
	fire  func()
	now   func() time.Time
}

func newAlarm(now func() time.Time, bg *Scope, fire func()) *alarm {
	return &alarm{now: now, bg: bg, fire: fire}
}

// Schedule requests a wake-up after d. A pending earlier wake-up is kept.
func (a *alarm) Schedule(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.ScheduleAt(a.now().Add(d))
}

// ScheduleAt requests a wake-up at the given time.
func (a *alarm) ScheduleAt(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil && !a.at.IsZero() && !at.Before(a.at) {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.at = at
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	// The sweep runs on the coordinator's scope so Wait covers an in-flight
	// fire; the timer goroutine only registers it and returns.
	a.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		a.at = time.Time{}
		a.mu.Unlock()
		a.bg.Go(a.fire)
	})
}

// Clear stops any pending wake-up.
func (a *alarm) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.at = time.Time{}
}
