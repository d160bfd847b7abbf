package execctx

import (
	"testing"

	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/opcode"
	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
)

type stubModules struct{ mod *module.Module }

func (s stubModules) ModuleByName(name string) *module.Module { return s.mod }

func newAsyncFixture(mod *module.Module) (*AsyncContext, *scheduler.Task, *Deps) {
	sched := scheduler.New(1, func(t *scheduler.Task) scheduler.StepOutcome {
		return scheduler.StepOutcome{Kind: scheduler.StepCompleted}
	})
	deps := &Deps{
		Heap:     value.NewHeap(),
		Modules:  stubModules{mod: mod},
		Mutexes:  sync2.NewRegistry(sched),
		Channels: sync2.NewChanRegistry(sched),
		Sched:    sched,
		Pauser:   NewPauser(),
	}
	t := sched.NewTask(1, 100)
	t.PushFrame(scheduler.CallFrame{FuncIdx: 0, ModuleName: mod.Name})
	return NewAsyncContext(deps, t), t, deps
}

func TestResumeAfterClosedSendRaises(t *testing.T) {
	mod := &module.Module{Name: "m", Functions: []module.Function{{}}, Code: []byte{}}
	ctx, task, _ := newAsyncFixture(mod)

	// Close wakes a parked sender with false; the resume must rethrow the
	// closed-channel error instead of silently continuing.
	task.Result = value.FromBool(false)
	cf := ctx.resumeAfterSuspend(scheduler.WaitChannelSendReason{ChannelID: 1}, false)
	if cf.Kind != opcode.Exception {
		t.Fatalf("resume after close-woken send = %+v, want Exception", cf)
	}

	// A completed send wakes with true and resumes cleanly.
	task.Result = value.FromBool(true)
	cf = ctx.resumeAfterSuspend(scheduler.WaitChannelSendReason{ChannelID: 1}, false)
	if cf.Kind != opcode.Continue {
		t.Fatalf("resume after completed send = %+v, want Continue", cf)
	}
}

func TestResumeAfterMutexHandoffRecordsAcquisition(t *testing.T) {
	mod := &module.Module{Name: "m", Functions: []module.Function{{}}, Code: []byte{}}
	ctx, task, _ := newAsyncFixture(mod)

	cf := ctx.resumeAfterSuspend(scheduler.WaitMutexReason{MutexID: 7}, false)
	if cf.Kind != opcode.Continue {
		t.Fatalf("resume after mutex hand-off = %+v, want Continue", cf)
	}
	held := task.HeldMutexes()
	if len(held) != 1 || held[0].MutexID != 7 {
		t.Fatalf("held mutexes after hand-off resume = %+v, want [7]", held)
	}
}

func TestResumeAfterFailedAwaitRethrows(t *testing.T) {
	mod := &module.Module{Name: "m", Functions: []module.Function{{}}, Code: []byte{}}
	ctx, task, _ := newAsyncFixture(mod)

	errVal := value.FromInt(-3)
	task.Result = errVal
	cf := ctx.resumeAfterSuspend(scheduler.AwaitTaskReason{Target: 2}, true)
	if cf.Kind != opcode.Exception || cf.Value != errVal {
		t.Fatalf("resume after failed await = %+v, want Exception carrying the error", cf)
	}
}

func TestUnwindReleasesMutexOfPoppedFrame(t *testing.T) {
	mod := &module.Module{Name: "m", Functions: []module.Function{{}, {}}, Code: []byte{}}
	ctx, task, deps := newAsyncFixture(mod)

	mid := deps.Mutexes.New()
	if res := deps.Mutexes.Lock(mid, task.ID); !res.Acquired {
		t.Fatal("uncontended Lock did not acquire")
	}
	task.RecordMutexAcquire(uint64(mid))

	// No handler anywhere: unwinding pops the frame, releasing its mutex.
	if ctx.unwindTo(value.FromInt(1)) {
		t.Fatal("unwindTo found a handler in a handler-less function")
	}
	if deps.Mutexes.IsLocked(mid) {
		t.Fatal("mutex still locked after its owning frame was unwound")
	}
	if task.Depth() != 0 {
		t.Fatalf("call stack depth after full unwind = %d, want 0", task.Depth())
	}
}

func TestUnwindStopsAtHandlerFrame(t *testing.T) {
	mod := &module.Module{
		Name: "m",
		Functions: []module.Function{
			{Handlers: []module.ExceptionHandler{{StartPC: 0, EndPC: 10, HandlerPC: 5}}},
			{}, // callee with no handlers
		},
		Code: []byte{},
	}
	ctx, task, _ := newAsyncFixture(mod)
	task.TopFrame().IP = 2
	task.PushFrame(scheduler.CallFrame{FuncIdx: 1, ModuleName: "m", IP: 0,
		Stack: []value.Value{value.FromInt(9)}})

	exc := value.FromInt(4)
	if !ctx.unwindTo(exc) {
		t.Fatal("unwindTo missed the caller frame's handler")
	}
	if task.Depth() != 1 {
		t.Fatalf("depth after unwinding to handler = %d, want 1", task.Depth())
	}
	f := task.TopFrame()
	if f.IP != 5 {
		t.Fatalf("handler frame ip = %d, want 5", f.IP)
	}
	if len(f.Stack) != 1 || f.Stack[0] != exc {
		t.Fatalf("handler frame stack = %v, want just the thrown value", f.Stack)
	}
}
