package execctx

import "sync"

// Pauser is the safepoint rendezvous every AsyncContext checks in on at
// every safepoint opcode. Normal execution takes a brief read lock (cheap,
// uncontended in steady state); a GC collection or a snapshot/restore pause
// takes the write lock, which blocks until every worker currently
// mid-safepoint-check has checked back out. That gives the stop-the-world
// barrier GC and snapshot/restore need without tracking exactly how many
// workers are busy versus parked — an idle worker never calls CheckIn at
// all, so it needs no accounting.
type Pauser struct {
	mu sync.RWMutex
}

// NewPauser returns a Pauser with no pause in effect.
func NewPauser() *Pauser { return &Pauser{} }

// CheckIn is called at every opcode safepoint.
func (p *Pauser) CheckIn() {
	p.mu.RLock()
	p.mu.RUnlock()
}

// RunExclusive blocks until every worker has checked out of its current
// safepoint window, runs f with no worker able to check back in, then lets
// workers proceed. Used by GC collection and by snapshot/restore.
func (p *Pauser) RunExclusive(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f()
}

// Pause is the long-form counterpart to RunExclusive: it holds every
// worker at its next safepoint until Resume is called, backing the
// runtime API's pause()/resume() pair.
func (p *Pauser) Pause() { p.mu.Lock() }

// Resume releases a Pause.
func (p *Pauser) Resume() { p.mu.Unlock() }
