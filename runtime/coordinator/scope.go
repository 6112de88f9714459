package coordinator

import "sync"

// Scope tracks the background goroutines a coordinator spawns: task
// dispatches, cross-run calls and retry timers. Wait blocks until all of them
// returned, which gives tests and shutdown paths a deterministic quiescence
// point.
type Scope struct {
	wg sync.WaitGroup
}

// NewScope returns an empty scope.
func NewScope() *Scope { return &Scope{} }

// Go runs fn on a tracked goroutine.
func (s *Scope) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every tracked goroutine returned. Background work may
// spawn more background work; Wait covers transitively spawned goroutines as
// long as they are registered before their parent returns.
func (s *Scope) Wait() { s.wg.Wait() }
