package execctx

import (
	"fmt"
	"time"

	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/opcode"
	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
)

// sleepDeadline converts a SLEEP opcode's millisecond operand into the
// wall-clock deadline the scheduler's sleep queue orders by.
func sleepDeadline(ms int64) time.Time {
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// AsyncContext is the ExecutionContext a worker runs a Task's bytecode
// against: every blocking opcode is legal and suspends the Task rather
// than the underlying goroutine. It carries no state of its own beyond
// which Task and Deps it is wired to — frame state lives entirely on
// task.CallStack, so a fresh AsyncContext can be (and is) constructed on
// every RunTask turn.
type AsyncContext struct {
	deps *Deps
	task *scheduler.Task

	// fatalErr records a fatal condition (heap limit still exceeded after
	// a forced collection) raised at a safepoint this turn. RunTask
	// consults it on the Exception path: a fatal error is never offered
	// to handler tables, it fails the Task and terminates the context.
	fatalErr error
}

// NewAsyncContext wires ctx against one Task's live call stack.
func NewAsyncContext(deps *Deps, t *scheduler.Task) *AsyncContext {
	return &AsyncContext{deps: deps, task: t}
}

func (a *AsyncContext) frame() *scheduler.CallFrame { return a.task.TopFrame() }

func (a *AsyncContext) currentModule() *module.Module {
	return a.deps.Modules.ModuleByName(a.frame().ModuleName)
}

func (a *AsyncContext) currentFunc() module.Function {
	return a.currentModule().Functions[a.frame().FuncIdx]
}

// Code returns the current frame's function body as a byte slice windowed
// onto the module's single shared bytecode blob, so IP() addresses it
// exactly like the fakeCtx test double does for a whole-module code array.
func (a *AsyncContext) Code() []byte {
	m := a.currentModule()
	fn := a.currentFunc()
	return m.Code[fn.CodeOffset : fn.CodeOffset+fn.CodeLength]
}

func (a *AsyncContext) IP() int          { return a.frame().IP }
func (a *AsyncContext) SetIP(ip int)     { a.frame().IP = ip }
func (a *AsyncContext) Module() *module.Module { return a.currentModule() }

func (a *AsyncContext) Push(v value.Value) {
	f := a.frame()
	f.Stack = append(f.Stack, v)
}

func (a *AsyncContext) Pop() value.Value {
	f := a.frame()
	n := len(f.Stack) - 1
	v := f.Stack[n]
	f.Stack = f.Stack[:n]
	return v
}

func (a *AsyncContext) Peek() value.Value {
	f := a.frame()
	return f.Stack[len(f.Stack)-1]
}

func (a *AsyncContext) Dup() { a.Push(a.Peek()) }

func (a *AsyncContext) Swap() {
	f := a.frame()
	n := len(f.Stack)
	f.Stack[n-1], f.Stack[n-2] = f.Stack[n-2], f.Stack[n-1]
}

func (a *AsyncContext) GetLocal(idx int) value.Value      { return a.frame().Locals[idx] }
func (a *AsyncContext) SetLocal(idx int, v value.Value)   { a.frame().Locals[idx] = v }

func (a *AsyncContext) Heap() *value.Heap { return a.deps.Heap }

func (a *AsyncContext) ConstString(idx int) value.Value {
	m := a.currentModule()
	p := a.deps.Heap.InternString([]byte(m.Constants.Strings[idx]))
	return value.FromPointer(p)
}

// Call pushes a fresh frame for funcIdx, recording resumeIP on the
// (now-caller) frame so Return can restore it exactly. See
// opcode/handlers_control.go's stepCall for why resumeIP must be
// precomputed by the caller.
func (a *AsyncContext) Call(funcIdx int, args []value.Value, resumeIP int) error {
	mod := a.currentModule()
	if funcIdx < 0 || funcIdx >= len(mod.Functions) {
		return fmt.Errorf("execctx: invalid function index %d", funcIdx)
	}
	fn := mod.Functions[funcIdx]
	a.frame().IP = resumeIP

	locals := make([]value.Value, fn.LocalCount)
	copy(locals, args)
	a.task.PushFrame(scheduler.CallFrame{
		FuncIdx:    funcIdx,
		Locals:     locals,
		Args:       args,
		ModuleName: a.frame().ModuleName,
	})
	return nil
}

// Return pops the current (callee) frame. If a caller frame remains,
// ctx.IP() immediately reflects the resumeIP Call recorded there.
func (a *AsyncContext) Return(v value.Value) bool {
	a.task.PopFrame()
	return a.task.Depth() > 0
}

func (a *AsyncContext) Throw(v value.Value) opcode.ControlFlow {
	return opcode.Raise(v)
}

func (a *AsyncContext) CanSuspend() bool { return true }

// RequestSuspend is the single suspension gate every blocking opcode
// funnels through: the context either grants the park or raises. Task
// execution always grants; the branch is here so both contexts share one
// gate rather than each blocking method re-deciding.
func (a *AsyncContext) RequestSuspend(reason opcode.SuspendReason) opcode.ControlFlow {
	if !a.CanSuspend() {
		return opcode.Raise(a.errValue(opcode.ErrCannotSuspend))
	}
	return opcode.SuspendWith(reason)
}

// --- Objects ---

func (a *AsyncContext) NewObject(typeID value.TypeID) value.Value {
	mod := a.currentModule()
	n := a.deps.Objects.FieldCount(mod, typeID)
	p := a.deps.Heap.AllocateObject(typeID, n)
	return value.FromPointer(p)
}

func (a *AsyncContext) GetField(v value.Value, idx int) value.Value {
	obj := a.deps.Heap.Object(v.AsPointer())
	if obj == nil || idx < 0 || idx >= len(obj.Slots) {
		panic(scheduler.PanicValue{Val: a.errValue(errArrayBounds)})
	}
	return obj.Slots[idx]
}

func (a *AsyncContext) SetField(v value.Value, idx int, field value.Value) {
	obj := a.deps.Heap.Object(v.AsPointer())
	if obj == nil || idx < 0 || idx >= len(obj.Slots) {
		panic(scheduler.PanicValue{Val: a.errValue(errArrayBounds)})
	}
	obj.Slots[idx] = field
}

func (a *AsyncContext) Invoke(receiver value.Value, vtableSlot int, args []value.Value, resumeIP int) opcode.ControlFlow {
	if receiver.Tag() != value.TagPointer {
		return opcode.Raise(a.errValue(errNullReceiver))
	}
	obj := a.deps.Heap.Object(receiver.AsPointer())
	if obj == nil {
		return opcode.Raise(a.errValue(errNullReceiver))
	}
	mod := a.currentModule()
	funcIdx, ok := a.deps.Objects.ResolveMethod(mod, obj.TypeID, vtableSlot)
	if !ok {
		return opcode.Raise(a.errValue(errNoSuchMethod))
	}
	allArgs := make([]value.Value, 0, len(args)+1)
	allArgs = append(allArgs, receiver)
	allArgs = append(allArgs, args...)
	if err := a.Call(funcIdx, allArgs, resumeIP); err != nil {
		return opcode.Raise(a.errValue(err))
	}
	return opcode.JumpTo(0)
}

// --- Arrays ---

func (a *AsyncContext) NewArray(elemType value.TypeID, length int) value.Value {
	p := a.deps.Heap.AllocateArray(elemType, length)
	return value.FromPointer(p)
}

func (a *AsyncContext) ArrayGet(v value.Value, idx int) value.Value {
	arr := a.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil || idx < 0 || idx >= len(arr.Slots) {
		panic(scheduler.PanicValue{Val: a.errValue(errArrayBounds)})
	}
	return arr.Slots[idx]
}

func (a *AsyncContext) ArraySet(v value.Value, idx int, elem value.Value) {
	arr := a.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil || idx < 0 || idx >= len(arr.Slots) {
		panic(scheduler.PanicValue{Val: a.errValue(errArrayBounds)})
	}
	arr.Slots[idx] = elem
}

func (a *AsyncContext) ArrayLen(v value.Value) int {
	arr := a.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil {
		return 0
	}
	return arr.Length()
}

func (a *AsyncContext) ArrayPush(v value.Value, elem value.Value) {
	arr := a.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil {
		panic(scheduler.PanicValue{Val: a.errValue(errArrayBounds)})
	}
	arr.Slots = append(arr.Slots, elem)
}

func (a *AsyncContext) ArrayPop(v value.Value) value.Value {
	arr := a.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil || len(arr.Slots) == 0 {
		panic(scheduler.PanicValue{Val: a.errValue(errArrayBounds)})
	}
	n := len(arr.Slots) - 1
	out := arr.Slots[n]
	arr.Slots = arr.Slots[:n]
	return out
}

// --- Concurrency ---

func (a *AsyncContext) Spawn(funcIdx int, args []value.Value) (value.Value, error) {
	mod := a.currentModule()
	if funcIdx < 0 || funcIdx >= len(mod.Functions) {
		return value.Null, fmt.Errorf("execctx: invalid function index %d", funcIdx)
	}
	if a.deps.OnSpawn != nil {
		if err := a.deps.OnSpawn(); err != nil {
			return value.Null, err
		}
	}
	fn := mod.Functions[funcIdx]
	t := a.deps.Sched.NewTask(a.task.OwnerVmID, a.deps.DefaultStepBudget)
	locals := make([]value.Value, fn.LocalCount)
	copy(locals, args)
	t.PushFrame(scheduler.CallFrame{
		FuncIdx:    funcIdx,
		Locals:     locals,
		Args:       args,
		ModuleName: a.frame().ModuleName,
	})
	a.deps.Sched.Enqueue(t)
	return newRef(a.deps.Heap, typeIDTaskRef, uint64(t.ID)), nil
}

func (a *AsyncContext) Await(taskRef value.Value) opcode.ControlFlow {
	id, ok := refID(a.deps.Heap, taskRef)
	if !ok {
		return opcode.Raise(a.errValue(errBadRef))
	}
	return a.RequestSuspend(scheduler.AwaitTaskReason{Target: scheduler.ID(id)})
}

func (a *AsyncContext) Yield() opcode.ControlFlow {
	return a.RequestSuspend(scheduler.YieldReason{})
}

func (a *AsyncContext) Sleep(ms int64) opcode.ControlFlow {
	return a.RequestSuspend(scheduler.SleepReason{Until: sleepDeadline(ms)})
}

func (a *AsyncContext) CancelTask(taskRef value.Value) {
	id, ok := refID(a.deps.Heap, taskRef)
	if !ok {
		return
	}
	a.deps.Sched.Cancel(scheduler.ID(id))
}

func (a *AsyncContext) WaitAll(refs []value.Value) opcode.ControlFlow {
	return a.RequestSuspend(scheduler.WaitAllReason{Targets: a.refIDs(refs)})
}

func (a *AsyncContext) WaitAny(refs []value.Value) opcode.ControlFlow {
	return a.RequestSuspend(scheduler.WaitAnyReason{Targets: a.refIDs(refs)})
}

func (a *AsyncContext) refIDs(refs []value.Value) []scheduler.ID {
	out := make([]scheduler.ID, 0, len(refs))
	for _, r := range refs {
		if id, ok := refID(a.deps.Heap, r); ok {
			out = append(out, scheduler.ID(id))
		}
	}
	return out
}

// --- Mutex ---

func (a *AsyncContext) MutexNew() value.Value {
	id := a.deps.Mutexes.New()
	return newRef(a.deps.Heap, typeIDMutexRef, uint64(id))
}

func (a *AsyncContext) MutexLock(m value.Value) opcode.ControlFlow {
	id, ok := refID(a.deps.Heap, m)
	if !ok {
		return opcode.Raise(a.errValue(errBadRef))
	}
	res := a.deps.Mutexes.Lock(sync2.ID(id), a.task.ID)
	if res.Acquired {
		a.task.RecordMutexAcquire(id)
		return opcode.Ok()
	}
	return a.RequestSuspend(res.Reason)
}

func (a *AsyncContext) MutexUnlock(m value.Value) error {
	id, ok := refID(a.deps.Heap, m)
	if !ok {
		return errBadRef
	}
	if err := a.deps.Mutexes.Unlock(sync2.ID(id), a.task.ID); err != nil {
		return err
	}
	a.task.ForgetMutex(id)
	return nil
}

// --- Channel ---

func (a *AsyncContext) ChanNew(capacity int) value.Value {
	id := a.deps.Channels.New(capacity)
	return newRef(a.deps.Heap, typeIDChanRef, uint64(id))
}

func (a *AsyncContext) ChanSend(c value.Value, v value.Value) opcode.ControlFlow {
	id, ok := refID(a.deps.Heap, c)
	if !ok {
		return opcode.Raise(a.errValue(errBadRef))
	}
	res := a.deps.Channels.Send(sync2.ChanID(id), v, a.task.ID)
	if res.Err != nil {
		return opcode.Raise(a.errValue(res.Err))
	}
	if res.Done {
		return opcode.Ok()
	}
	return a.RequestSuspend(res.Reason)
}

func (a *AsyncContext) ChanRecv(c value.Value) opcode.ControlFlow {
	id, ok := refID(a.deps.Heap, c)
	if !ok {
		return opcode.Raise(a.errValue(errBadRef))
	}
	res := a.deps.Channels.Recv(sync2.ChanID(id), a.task.ID)
	switch {
	case res.Ready:
		a.Push(res.Value)
		return opcode.Ok()
	case res.Closed:
		a.Push(value.Null)
		return opcode.Ok()
	default:
		return a.RequestSuspend(res.Reason)
	}
}

func (a *AsyncContext) ChanTrySend(c value.Value, v value.Value) (bool, error) {
	id, ok := refID(a.deps.Heap, c)
	if !ok {
		return false, errBadRef
	}
	return a.deps.Channels.TrySend(sync2.ChanID(id), v)
}

func (a *AsyncContext) ChanTryRecv(c value.Value) (value.Value, bool, bool) {
	id, ok := refID(a.deps.Heap, c)
	if !ok {
		return value.Null, false, false
	}
	return a.deps.Channels.TryRecv(sync2.ChanID(id))
}

func (a *AsyncContext) ChanClose(c value.Value) {
	id, ok := refID(a.deps.Heap, c)
	if !ok {
		return
	}
	a.deps.Channels.Close(sync2.ChanID(id))
}

// --- Reflection ---

func (a *AsyncContext) InstanceOf(v value.Value, typeID value.TypeID) bool {
	return a.deps.Objects.IsInstance(a.currentModule(), a.deps.Heap, v, typeID)
}

func (a *AsyncContext) Cast(v value.Value, typeID value.TypeID) (value.Value, error) {
	if !a.InstanceOf(v, typeID) {
		return value.Null, errCastFailed
	}
	return v, nil
}

// --- Host capabilities ---

func (a *AsyncContext) CallHost(nameIdx int, args []value.Value) (value.Value, error) {
	if a.deps.Caps == nil {
		return value.Null, fmt.Errorf("execctx: no host capabilities injected")
	}
	strs := a.currentModule().Constants.Strings
	if nameIdx < 0 || nameIdx >= len(strs) {
		return value.Null, fmt.Errorf("execctx: invalid capability name index %d", nameIdx)
	}
	return a.deps.Caps.CallCapability(strs[nameIdx], args)
}

// --- Safepoint ---

// TickSafepoint is the cooperative cancellation, GC-collection, and
// heap-ceiling hook. Cancellation takes priority: a cancelled Task never
// starts a GC pause, it unwinds immediately — and the request is consumed
// so a handler that catches the cancellation exception is not re-cancelled
// at every later safepoint.
func (a *AsyncContext) TickSafepoint() error {
	if a.task.CancelRequested() {
		a.task.AcknowledgeCancel()
		return errTaskCancelled
	}
	if gc := a.deps.GC; gc != nil {
		overLimit := a.deps.MaxHeapBytes > 0 && a.deps.Heap.Bytes() > a.deps.MaxHeapBytes
		if !gc.Requested() && !overLimit &&
			a.deps.GCThresholdBytes > 0 && gc.ShouldTrigger(a.deps.GCThresholdBytes) {
			gc.RequestCollection()
		}
		if gc.Requested() || overLimit {
			a.deps.Pauser.RunExclusive(func() {
				gc.Collect()
			})
			if overLimit && a.deps.Heap.Bytes() > a.deps.MaxHeapBytes {
				a.fatalErr = errOutOfMemory
				return errOutOfMemory
			}
			return nil
		}
	}
	a.deps.Pauser.CheckIn()
	return nil
}

func (a *AsyncContext) errValue(err error) value.Value {
	p := a.deps.Heap.InternString([]byte(err.Error()))
	return value.FromPointer(p)
}

// resumeAfterSuspend replays the wake condition's effect on the operand
// stack. AWAIT/WAIT_ANY/CHAN_RECV expect a value pushed once woken; every
// other reason's opcode (SLEEP, MUTEX_LOCK, CHAN_SEND, WAIT_ALL,
// cooperative YIELD) has no stack effect on resume, which is what keeps
// the operand stack balanced. Two wake conditions carry an error instead
// of a value — an awaited Task that failed, and a pending send whose
// channel was closed underneath it — and those resume by raising.
func (a *AsyncContext) resumeAfterSuspend(reason scheduler.SuspendReason, failed bool) opcode.ControlFlow {
	switch r := reason.(type) {
	case scheduler.AwaitTaskReason, scheduler.WaitAnyReason:
		if failed {
			return opcode.Raise(a.task.Result)
		}
		a.Push(a.task.Result)
	case scheduler.WaitAllReason:
		if failed {
			return opcode.Raise(a.task.Result)
		}
	case scheduler.WaitChannelRecvReason:
		a.Push(a.task.Result)
	case scheduler.WaitChannelSendReason:
		// Close wakes parked senders with false; a completed send (direct
		// hand-off or buffer promotion) wakes with true.
		if a.task.Result.Tag() == value.TagBool && !a.task.Result.AsBool() {
			return opcode.Raise(a.errValue(sync2.ErrClosedChannel))
		}
	case scheduler.WaitMutexReason:
		// Direct hand-off made this Task the owner while it was parked;
		// record the acquisition so unwinding can auto-release it.
		a.task.RecordMutexAcquire(r.MutexID)
	}
	return opcode.Ok()
}

// unwindTo implements exception propagation over the Task's call stack:
// pop frames until one's handler table covers the faulting ip, releasing
// any mutex whose owning frame is popped on the way. The handler frame's
// operand stack is cleared down to just the thrown value. Returns false
// when no frame handles the exception — the Task fails.
func (a *AsyncContext) unwindTo(exc value.Value) bool {
	for a.task.Depth() > 0 {
		f := a.frame()
		fn := a.currentFunc()
		if h, ok := fn.HandlerFor(f.IP); ok {
			f.Stack = append(f.Stack[:0], exc)
			f.IP = h.HandlerPC
			return true
		}
		for _, id := range a.task.ReleaseMutexesAbove(a.task.Depth() - 1) {
			a.deps.Mutexes.ForceRelease(sync2.ID(id))
		}
		a.task.PopFrame()
	}
	return false
}

// safeStep runs one dispatcher step, converting a PanicValue runtime error
// (out-of-bounds access, null receiver — opcodes whose context methods
// have no error return) into an Exception control flow so it unwinds to
// handlers like any other runtime error. Non-PanicValue panics are real
// bugs and propagate to the worker's backstop recover.
func safeStep(disp *opcode.Dispatcher, ctx opcode.ExecutionContext) (cf opcode.ControlFlow) {
	defer func() {
		if r := recover(); r != nil {
			pv, ok := r.(scheduler.PanicValue)
			if !ok {
				panic(r)
			}
			cf = opcode.Raise(pv.Val)
		}
	}()
	return disp.Step(ctx)
}

// RunTask drives the dispatcher against t's AsyncContext until it yields
// (step budget exhausted), suspends, returns, or raises an uncaught
// exception, translating the terminal ControlFlow into the StepOutcome
// contract scheduler.Dispatch requires. Wired as the Scheduler's Dispatch
// function at construction time (see vmcontext.New).
func RunTask(deps *Deps, disp *opcode.Dispatcher, t *scheduler.Task) scheduler.StepOutcome {
	ctx := NewAsyncContext(deps, t)
	var steps int64

	fail := func(errVal value.Value) scheduler.StepOutcome {
		t.Err = errVal
		return scheduler.StepOutcome{Kind: scheduler.StepFailed}
	}
	account := func() (value.Value, bool) {
		if deps.AccountSteps == nil || steps == 0 {
			return value.Null, true
		}
		if err := deps.AccountSteps(steps); err != nil {
			return ctx.errValue(err), false
		}
		return value.Null, true
	}

	if reason, failed := t.TakeResume(); reason != nil {
		if cf := ctx.resumeAfterSuspend(reason, failed); cf.Kind == opcode.Exception {
			if !ctx.unwindTo(cf.Value) {
				return fail(cf.Value)
			}
		}
	}

	for {
		cf := safeStep(disp, ctx)
		switch cf.Kind {
		case opcode.Continue:
			steps++
			if !t.ConsumeStep() {
				if errVal, ok := account(); !ok {
					return fail(errVal)
				}
				return scheduler.StepOutcome{Kind: scheduler.StepYielded}
			}
		case opcode.Suspend:
			if errVal, ok := account(); !ok {
				return fail(errVal)
			}
			return scheduler.StepOutcome{Kind: scheduler.StepSuspended, Reason: cf.Reason.(scheduler.SuspendReason)}
		case opcode.Return:
			account()
			t.Result = cf.Value
			return scheduler.StepOutcome{Kind: scheduler.StepCompleted}
		case opcode.Exception:
			if ctx.fatalErr != nil {
				// Fatal: never offered to handler tables. The Task fails
				// and the owning context terminates.
				if deps.OnFatal != nil {
					deps.OnFatal(ctx.fatalErr)
				}
				account()
				return fail(cf.Value)
			}
			if ctx.unwindTo(cf.Value) {
				continue
			}
			account()
			return fail(cf.Value)
		}
	}
}
