// Package sync2 implements the scheduler-integrated Mutex and Channel
// primitives (named to avoid colliding with the stdlib sync package).
// Contention suspends the Task rather than blocking the OS thread: the
// queue/hand-off shape is built on the scheduler's suspension registry.
package sync2

import (
	"fmt"
	"sync"

	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/value"
)

// ID identifies a Mutex within a Registry.
type ID uint64

// Mutex is a single-owner blocking lock whose wait queue is managed
// through the scheduler.
type Mutex struct {
	mu        sync.Mutex
	id        ID
	locked    bool
	owner     scheduler.ID
	hasOwner  bool
	waitQueue []scheduler.ID
	sched     *scheduler.Scheduler
}

// Registry owns every Mutex created within one VM context.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	mutexes map[ID]*Mutex
	sched   *scheduler.Scheduler
}

// NewRegistry creates a Mutex registry bound to a scheduler.
func NewRegistry(sched *scheduler.Scheduler) *Registry {
	return &Registry{mutexes: make(map[ID]*Mutex), sched: sched}
}

// New creates an unlocked mutex.
func (r *Registry) New() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := ID(r.nextID)
	r.mutexes[id] = &Mutex{id: id, sched: r.sched}
	return id
}

func (r *Registry) get(id ID) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutexes[id]
}

// ErrNotOwner is returned when a Task unlocks a mutex it does not hold.
var ErrNotOwner = fmt.Errorf("sync2: unlock by non-owner")

// LockResult reports whether Lock acquired immediately or the caller must
// suspend the Task with the returned reason.
type LockResult struct {
	Acquired bool
	Reason   scheduler.WaitMutexReason
}

// Lock attempts to acquire m for task. If already locked, the caller's
// dispatcher must suspend task with the returned WaitMutexReason; this
// method has already pushed task onto the wait queue in that case.
func (r *Registry) Lock(id ID, task scheduler.ID) LockResult {
	m := r.get(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		m.locked = true
		m.owner = task
		m.hasOwner = true
		return LockResult{Acquired: true}
	}
	m.waitQueue = append(m.waitQueue, task)
	return LockResult{Reason: scheduler.WaitMutexReason{MutexID: uint64(id)}}
}

// TryLock acquires m for task only if it is currently unlocked.
func (r *Registry) TryLock(id ID, task scheduler.ID) bool {
	m := r.get(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	m.owner = task
	m.hasOwner = true
	return true
}

// Unlock releases m held by task. With an empty wait queue, m transitions
// to Unlocked; with a waiter, ownership is handed off directly (state stays
// Locked, new owner is set, waiter is woken) rather than round-tripping
// through Unlocked.
func (r *Registry) Unlock(id ID, task scheduler.ID) error {
	m := r.get(id)
	m.mu.Lock()
	if !m.locked || !m.hasOwner || m.owner != task {
		m.mu.Unlock()
		return ErrNotOwner
	}
	if len(m.waitQueue) == 0 {
		m.locked = false
		m.hasOwner = false
		m.mu.Unlock()
		return nil
	}
	next := m.waitQueue[0]
	m.waitQueue = m.waitQueue[1:]
	m.owner = next
	m.mu.Unlock()

	r.sched.Wake(next, value.Null)
	return nil
}

// MutexState is a point-in-time snapshot of one Mutex's lock state, read
// by the snapshot writer.
type MutexState struct {
	Locked   bool
	Owner    scheduler.ID
	HasOwner bool
}

// All reports every mutex's current state, keyed by ID, for serialization.
func (r *Registry) All() map[ID]MutexState {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.mutexes))
	for id := range r.mutexes {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	out := make(map[ID]MutexState, len(ids))
	for _, id := range ids {
		m := r.get(id)
		m.mu.Lock()
		out[id] = MutexState{Locked: m.locked, Owner: m.owner, HasOwner: m.hasOwner}
		m.mu.Unlock()
	}
	return out
}

// Restore reconstructs a Mutex at exactly id, used only by the snapshot
// loader; waitQueue starts empty, then the loader rebuilds it with
// RequeueWaiter from each parked Task's recorded suspend reason.
func (r *Registry) Restore(id ID, locked bool, owner scheduler.ID, hasOwner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutexes[id] = &Mutex{id: id, sched: r.sched, locked: locked, owner: owner, hasOwner: hasOwner}
	if uint64(id) > r.nextID {
		r.nextID = uint64(id)
	}
}

// IsLocked reports m's lock state.
func (r *Registry) IsLocked(id ID) bool {
	m := r.get(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// ForceRelease releases m regardless of the unlocking Task's identity —
// called when frame unwinding during exception propagation pops the frame
// that acquired it, or when the owning Task completes, fails, or is
// cancelled while still holding it.
func (r *Registry) ForceRelease(id ID) {
	m := r.get(id)
	if m == nil {
		return
	}
	m.mu.Lock()
	if len(m.waitQueue) == 0 {
		m.locked = false
		m.hasOwner = false
		m.mu.Unlock()
		return
	}
	next := m.waitQueue[0]
	m.waitQueue = m.waitQueue[1:]
	m.owner = next
	m.mu.Unlock()
	r.sched.Wake(next, value.Null)
}

// RemoveWaiter drops task from m's wait queue — the cancellation path,
// run under the same lock that inserted it.
func (r *Registry) RemoveWaiter(id ID, task scheduler.ID) {
	m := r.get(id)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waitQueue {
		if w == task {
			m.waitQueue = append(m.waitQueue[:i], m.waitQueue[i+1:]...)
			return
		}
	}
}

// RequeueWaiter re-appends a restored Task to m's wait queue, used only by
// the snapshot loader to rebuild parked waiters.
func (r *Registry) RequeueWaiter(id ID, task scheduler.ID) {
	m := r.get(id)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitQueue = append(m.waitQueue, task)
}

// Bind installs this registry's ForceRelease as the scheduler's mutex
// auto-release hook for the given owning VM context, so Task
// completion/cancellation can release mutexes without scheduler importing
// sync2.
func (r *Registry) Bind(ownerVmID uint64) {
	scheduler.SetReleaseMutexHook(ownerVmID, func(rawID uint64) {
		r.ForceRelease(ID(rawID))
	})
}
