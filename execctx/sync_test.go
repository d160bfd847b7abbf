package execctx

import (
	"testing"

	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/opcode"
	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
)

// sleepModule builds a function that pushes a millisecond count and
// executes SLEEP, the way a nested synchronous call's bytecode would if it
// attempted a Task-suspending operation.
func sleepModule() *module.Module {
	code := []byte{byte(opcode.CONST_I32), 10, 0, 0, 0, byte(opcode.SLEEP)}
	return &module.Module{
		Name:      "sync-test",
		Functions: []module.Function{{CodeOffset: 0, CodeLength: len(code)}},
		Code:      code,
	}
}

func TestSyncContextCannotSuspendOnSleep(t *testing.T) {
	heap := value.NewHeap()
	deps := &Deps{Heap: heap}
	disp := opcode.NewDispatcher()
	mod := sleepModule()

	sc := NewSyncContext(deps, disp, mod, 0, nil)
	if sc.CanSuspend() {
		t.Fatal("SyncContext.CanSuspend() = true, want false")
	}

	if _, err := sc.Run(); err == nil {
		t.Fatal("Run() of a function that attempts to SLEEP returned no error")
	}
}

func TestSyncContextMutexLockContendedRaises(t *testing.T) {
	sched := scheduler.New(1, func(t *scheduler.Task) scheduler.StepOutcome {
		return scheduler.StepOutcome{Kind: scheduler.StepCompleted}
	})
	reg := sync2.NewRegistry(sched)
	id := reg.New()
	reg.Lock(id, scheduler.ID(1)) // held by an unrelated task

	heap := value.NewHeap()
	deps := &Deps{Heap: heap, Mutexes: reg}
	disp := opcode.NewDispatcher()
	mod := &module.Module{Name: "sync-test", Functions: []module.Function{{}}, Code: []byte{}}

	sc := NewSyncContext(deps, disp, mod, 0, nil)
	ref := newRef(heap, typeIDMutexRef, uint64(id))

	cf := sc.MutexLock(ref)
	if cf.Kind != opcode.Exception {
		t.Fatalf("MutexLock on a contended mutex returned %+v, want Exception", cf)
	}
}

func TestSyncContextMutexLockUncontendedSucceeds(t *testing.T) {
	sched := scheduler.New(1, func(t *scheduler.Task) scheduler.StepOutcome {
		return scheduler.StepOutcome{Kind: scheduler.StepCompleted}
	})
	reg := sync2.NewRegistry(sched)
	id := reg.New()

	heap := value.NewHeap()
	deps := &Deps{Heap: heap, Mutexes: reg}
	disp := opcode.NewDispatcher()
	mod := &module.Module{Name: "sync-test", Functions: []module.Function{{}}, Code: []byte{}}

	sc := NewSyncContext(deps, disp, mod, 0, nil)
	ref := newRef(heap, typeIDMutexRef, uint64(id))

	cf := sc.MutexLock(ref)
	if cf.Kind != opcode.Continue {
		t.Fatalf("MutexLock on an uncontended mutex returned %+v, want Continue", cf)
	}
	if !reg.IsLocked(id) {
		t.Fatal("mutex not locked after SyncContext.MutexLock succeeded")
	}
}
