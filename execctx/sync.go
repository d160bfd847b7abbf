package execctx

import (
	"fmt"
	"sync"

	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/opcode"
	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
)

// SyncTracker records the nested synchronous calls currently in flight so
// their private frame stacks count as GC roots: a collection forced from
// inside a sync call (or requested by another worker while one runs) must
// not sweep values only the sync frames still reference.
type SyncTracker struct {
	mu     sync.Mutex
	active map[*SyncContext]struct{}
}

// NewSyncTracker returns an empty tracker.
func NewSyncTracker() *SyncTracker {
	return &SyncTracker{active: make(map[*SyncContext]struct{})}
}

func (st *SyncTracker) add(s *SyncContext) {
	st.mu.Lock()
	st.active[s] = struct{}{}
	st.mu.Unlock()
}

func (st *SyncTracker) remove(s *SyncContext) {
	st.mu.Lock()
	delete(st.active, s)
	st.mu.Unlock()
}

// Roots reports every value held by an in-flight sync call's locals and
// operand stacks, for the collector's root walk.
func (st *SyncTracker) Roots() []value.Value {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []value.Value
	for sc := range st.active {
		for i := range sc.frames {
			f := &sc.frames[i]
			out = append(out, f.locals...)
			out = append(out, f.stack...)
		}
	}
	return out
}

// syncFrame is SyncContext's own call-frame record, kept private from the
// Task's CallStack: a nested synchronous call must never leave evidence on
// the Task's real stack that a GC trace or snapshot would see twice.
type syncFrame struct {
	module *module.Module
	fn     module.Function
	locals []value.Value
	stack  []value.Value
	ip     int
	held   []sync2.ID // mutexes acquired in this frame, for unwind release
}

// SyncContext implements ExecutionContext for a nested synchronous call —
// a VM-to-VM-context call, or a compiler-visible "sync" function invocation
// that must run to completion without ever parking the calling Task. It
// shares the calling Task's heap, mutex/channel registries and object model
// through Deps, but owns a private frame stack so the dispatcher's normal
// Call/Return handling composes without reaching back into the owning
// Task's CallStack at all.
//
// Grounded on eval/Scope's recursive AST-walking call frames, generalized
// from tree recursion to the dispatcher's own Step loop: Run drives a
// nested Step loop to completion (Call below only pushes a frame onto the
// private stack) instead of returning control to an outer trampoline, since the contract
// is "this call never suspends, so there is nothing for a caller to
// resume."
type SyncContext struct {
	deps   *Deps
	disp   *opcode.Dispatcher
	frames []syncFrame

	fatalErr error // see AsyncContext.fatalErr
}

// NewSyncContext starts a synchronous call to funcIdx within mod, with args
// bound as its locals.
func NewSyncContext(deps *Deps, disp *opcode.Dispatcher, mod *module.Module, funcIdx int, args []value.Value) *SyncContext {
	fn := mod.Functions[funcIdx]
	locals := make([]value.Value, fn.LocalCount)
	copy(locals, args)
	return &SyncContext{
		deps: deps,
		disp: disp,
		frames: []syncFrame{{
			module: mod,
			fn:     fn,
			locals: locals,
		}},
	}
}

// Run drives the nested call to completion, returning its result value or
// the uncaught exception value it raised. Exceptions unwind through the
// private frame stack exactly as Task execution does: handler tables are
// consulted per frame, and any mutex a popped frame acquired is released.
func (s *SyncContext) Run() (value.Value, error) {
	if s.deps.Syncs != nil {
		s.deps.Syncs.add(s)
		defer s.deps.Syncs.remove(s)
	}
	for {
		cf := safeStep(s.disp, s)
		switch cf.Kind {
		case opcode.Return:
			return cf.Value, nil
		case opcode.Exception:
			if s.fatalErr != nil {
				// Fatal: bypasses handler tables, terminates the context.
				if s.deps.OnFatal != nil {
					s.deps.OnFatal(s.fatalErr)
				}
				return value.Null, s.fatalErr
			}
			if s.unwindTo(cf.Value) {
				continue
			}
			return value.Null, syncException{val: cf.Value}
		case opcode.Suspend:
			// unreachable: CanSuspend() is false, so no handler ever
			// builds a Suspend ControlFlow against this context.
			return value.Null, opcode.ErrCannotSuspend
		}
	}
}

func (s *SyncContext) unwindTo(exc value.Value) bool {
	for len(s.frames) > 0 {
		f := s.top()
		if h, ok := f.fn.HandlerFor(f.ip); ok {
			f.stack = append(f.stack[:0], exc)
			f.ip = h.HandlerPC
			return true
		}
		for _, id := range f.held {
			s.deps.Mutexes.ForceRelease(id)
		}
		s.frames = s.frames[:len(s.frames)-1]
	}
	return false
}

// syncException carries an uncaught THROW's payload value back to the
// caller of Run, which is usually execctx.AsyncContext.Call's synchronous
// counterpart for a function the compiler marked "sync".
type syncException struct{ val value.Value }

func (e syncException) Error() string { return "execctx: uncaught exception in synchronous call" }

func (s *SyncContext) top() *syncFrame { return &s.frames[len(s.frames)-1] }

func (s *SyncContext) Code() []byte {
	f := s.top()
	return f.module.Code[f.fn.CodeOffset : f.fn.CodeOffset+f.fn.CodeLength]
}

func (s *SyncContext) IP() int      { return s.top().ip }
func (s *SyncContext) SetIP(ip int) { s.top().ip = ip }
func (s *SyncContext) Module() *module.Module { return s.top().module }

func (s *SyncContext) Push(v value.Value) {
	f := s.top()
	f.stack = append(f.stack, v)
}

func (s *SyncContext) Pop() value.Value {
	f := s.top()
	n := len(f.stack) - 1
	v := f.stack[n]
	f.stack = f.stack[:n]
	return v
}

func (s *SyncContext) Peek() value.Value { return s.top().stack[len(s.top().stack)-1] }
func (s *SyncContext) Dup()              { s.Push(s.Peek()) }

func (s *SyncContext) Swap() {
	f := s.top()
	n := len(f.stack)
	f.stack[n-1], f.stack[n-2] = f.stack[n-2], f.stack[n-1]
}

func (s *SyncContext) GetLocal(idx int) value.Value    { return s.top().locals[idx] }
func (s *SyncContext) SetLocal(idx int, v value.Value) { s.top().locals[idx] = v }

func (s *SyncContext) Heap() *value.Heap { return s.deps.Heap }

func (s *SyncContext) ConstString(idx int) value.Value {
	p := s.deps.Heap.InternString([]byte(s.top().module.Constants.Strings[idx]))
	return value.FromPointer(p)
}

// Call pushes a private nested frame, exactly like AsyncContext.Call except
// the frame lives on s.frames rather than a Task's CallStack.
func (s *SyncContext) Call(funcIdx int, args []value.Value, resumeIP int) error {
	mod := s.top().module
	fn := mod.Functions[funcIdx]
	s.top().ip = resumeIP

	locals := make([]value.Value, fn.LocalCount)
	copy(locals, args)
	s.frames = append(s.frames, syncFrame{module: mod, fn: fn, locals: locals})
	return nil
}

func (s *SyncContext) Return(v value.Value) bool {
	s.frames = s.frames[:len(s.frames)-1]
	return len(s.frames) > 0
}

func (s *SyncContext) Throw(v value.Value) opcode.ControlFlow { return opcode.Raise(v) }

// CanSuspend is always false: a blocking opcode executed inside a
// synchronous nested call is a programming error the dispatcher must
// reject rather than park a Task mid-frame with no Task to park.
func (s *SyncContext) CanSuspend() bool { return false }

// RequestSuspend is the single suspension gate: a synchronous nested
// call never grants one, so every blocking method below funnels its
// would-park branch through here and raises.
func (s *SyncContext) RequestSuspend(reason opcode.SuspendReason) opcode.ControlFlow {
	if s.CanSuspend() {
		return opcode.SuspendWith(reason)
	}
	return opcode.Raise(s.errValue(opcode.ErrCannotSuspend))
}

func (s *SyncContext) NewObject(typeID value.TypeID) value.Value {
	n := s.deps.Objects.FieldCount(s.top().module, typeID)
	return value.FromPointer(s.deps.Heap.AllocateObject(typeID, n))
}

func (s *SyncContext) GetField(v value.Value, idx int) value.Value {
	obj := s.deps.Heap.Object(v.AsPointer())
	if obj == nil || idx < 0 || idx >= len(obj.Slots) {
		panic(scheduler.PanicValue{Val: s.errValue(errArrayBounds)})
	}
	return obj.Slots[idx]
}

func (s *SyncContext) SetField(v value.Value, idx int, field value.Value) {
	obj := s.deps.Heap.Object(v.AsPointer())
	if obj == nil || idx < 0 || idx >= len(obj.Slots) {
		panic(scheduler.PanicValue{Val: s.errValue(errArrayBounds)})
	}
	obj.Slots[idx] = field
}

func (s *SyncContext) Invoke(receiver value.Value, vtableSlot int, args []value.Value, resumeIP int) opcode.ControlFlow {
	if receiver.Tag() != value.TagPointer {
		return opcode.Raise(s.errValue(errNullReceiver))
	}
	obj := s.deps.Heap.Object(receiver.AsPointer())
	if obj == nil {
		return opcode.Raise(s.errValue(errNullReceiver))
	}
	funcIdx, ok := s.deps.Objects.ResolveMethod(s.top().module, obj.TypeID, vtableSlot)
	if !ok {
		return opcode.Raise(s.errValue(errNoSuchMethod))
	}
	allArgs := make([]value.Value, 0, len(args)+1)
	allArgs = append(allArgs, receiver)
	allArgs = append(allArgs, args...)
	if err := s.Call(funcIdx, allArgs, resumeIP); err != nil {
		return opcode.Raise(s.errValue(err))
	}
	return opcode.JumpTo(0)
}

func (s *SyncContext) NewArray(elemType value.TypeID, length int) value.Value {
	return value.FromPointer(s.deps.Heap.AllocateArray(elemType, length))
}

func (s *SyncContext) ArrayGet(v value.Value, idx int) value.Value {
	arr := s.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil || idx < 0 || idx >= len(arr.Slots) {
		panic(scheduler.PanicValue{Val: s.errValue(errArrayBounds)})
	}
	return arr.Slots[idx]
}

func (s *SyncContext) ArraySet(v value.Value, idx int, elem value.Value) {
	arr := s.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil || idx < 0 || idx >= len(arr.Slots) {
		panic(scheduler.PanicValue{Val: s.errValue(errArrayBounds)})
	}
	arr.Slots[idx] = elem
}

func (s *SyncContext) ArrayLen(v value.Value) int {
	arr := s.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil {
		return 0
	}
	return arr.Length()
}

func (s *SyncContext) ArrayPush(v value.Value, elem value.Value) {
	arr := s.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil {
		panic(scheduler.PanicValue{Val: s.errValue(errArrayBounds)})
	}
	arr.Slots = append(arr.Slots, elem)
}

func (s *SyncContext) ArrayPop(v value.Value) value.Value {
	arr := s.deps.Heap.ArrayAt(v.AsPointer())
	if arr == nil || len(arr.Slots) == 0 {
		panic(scheduler.PanicValue{Val: s.errValue(errArrayBounds)})
	}
	n := len(arr.Slots) - 1
	out := arr.Slots[n]
	arr.Slots = arr.Slots[:n]
	return out
}

// Concurrency opcodes are all suspend-capable by contract, so a sync call
// rejects every one of them outright rather than faking a result.
func (s *SyncContext) Spawn(funcIdx int, args []value.Value) (value.Value, error) {
	return value.Null, opcode.ErrCannotSuspend
}
func (s *SyncContext) Await(taskRef value.Value) opcode.ControlFlow {
	return s.RequestSuspend(nil)
}
func (s *SyncContext) Yield() opcode.ControlFlow {
	return s.RequestSuspend(nil)
}
func (s *SyncContext) Sleep(ms int64) opcode.ControlFlow {
	return s.RequestSuspend(scheduler.SleepReason{Until: sleepDeadline(ms)})
}
func (s *SyncContext) CancelTask(taskRef value.Value) {}
func (s *SyncContext) WaitAll(refs []value.Value) opcode.ControlFlow {
	return s.RequestSuspend(nil)
}
func (s *SyncContext) WaitAny(refs []value.Value) opcode.ControlFlow {
	return s.RequestSuspend(nil)
}

func (s *SyncContext) MutexNew() value.Value {
	return newRef(s.deps.Heap, typeIDMutexRef, uint64(s.deps.Mutexes.New()))
}

// MutexLock only succeeds against an uncontended mutex: acquiring then
// blocking is exactly the suspend case a synchronous call cannot perform.
func (s *SyncContext) MutexLock(m value.Value) opcode.ControlFlow {
	id, ok := refID(s.deps.Heap, m)
	if !ok {
		return opcode.Raise(s.errValue(errBadRef))
	}
	if s.deps.Mutexes.TryLock(sync2.ID(id), syntheticSyncTaskID) {
		f := s.top()
		f.held = append(f.held, sync2.ID(id))
		return opcode.Ok()
	}
	return s.RequestSuspend(scheduler.WaitMutexReason{MutexID: id})
}

func (s *SyncContext) MutexUnlock(m value.Value) error {
	id, ok := refID(s.deps.Heap, m)
	if !ok {
		return errBadRef
	}
	if err := s.deps.Mutexes.Unlock(sync2.ID(id), syntheticSyncTaskID); err != nil {
		return err
	}
	f := s.top()
	for i := len(f.held) - 1; i >= 0; i-- {
		if f.held[i] == sync2.ID(id) {
			f.held = append(f.held[:i], f.held[i+1:]...)
			break
		}
	}
	return nil
}

func (s *SyncContext) ChanNew(capacity int) value.Value {
	return newRef(s.deps.Heap, typeIDChanRef, uint64(s.deps.Channels.New(capacity)))
}

// ChanSend/ChanRecv only ever use the non-blocking path: a synchronous call
// that would need to wait for a receiver/sender raises ErrCannotSuspend
// instead of parking, since there is no Task to park it on.
func (s *SyncContext) ChanSend(c value.Value, v value.Value) opcode.ControlFlow {
	id, ok := refID(s.deps.Heap, c)
	if !ok {
		return opcode.Raise(s.errValue(errBadRef))
	}
	sent, err := s.deps.Channels.TrySend(sync2.ChanID(id), v)
	if err != nil {
		return opcode.Raise(s.errValue(err))
	}
	if !sent {
		return s.RequestSuspend(scheduler.WaitChannelSendReason{ChannelID: id, Value: v})
	}
	return opcode.Ok()
}

func (s *SyncContext) ChanRecv(c value.Value) opcode.ControlFlow {
	id, ok := refID(s.deps.Heap, c)
	if !ok {
		return opcode.Raise(s.errValue(errBadRef))
	}
	v, ok, closed := s.deps.Channels.TryRecv(sync2.ChanID(id))
	switch {
	case ok:
		s.Push(v)
		return opcode.Ok()
	case closed:
		s.Push(value.Null)
		return opcode.Ok()
	default:
		return s.RequestSuspend(scheduler.WaitChannelRecvReason{ChannelID: id})
	}
}

func (s *SyncContext) ChanTrySend(c value.Value, v value.Value) (bool, error) {
	id, ok := refID(s.deps.Heap, c)
	if !ok {
		return false, errBadRef
	}
	return s.deps.Channels.TrySend(sync2.ChanID(id), v)
}

func (s *SyncContext) ChanTryRecv(c value.Value) (value.Value, bool, bool) {
	id, ok := refID(s.deps.Heap, c)
	if !ok {
		return value.Null, false, false
	}
	return s.deps.Channels.TryRecv(sync2.ChanID(id))
}

func (s *SyncContext) ChanClose(c value.Value) {
	id, ok := refID(s.deps.Heap, c)
	if !ok {
		return
	}
	s.deps.Channels.Close(sync2.ChanID(id))
}

func (s *SyncContext) InstanceOf(v value.Value, typeID value.TypeID) bool {
	return s.deps.Objects.IsInstance(s.top().module, s.deps.Heap, v, typeID)
}

func (s *SyncContext) Cast(v value.Value, typeID value.TypeID) (value.Value, error) {
	if !s.InstanceOf(v, typeID) {
		return value.Null, errCastFailed
	}
	return v, nil
}

func (s *SyncContext) CallHost(nameIdx int, args []value.Value) (value.Value, error) {
	if s.deps.Caps == nil {
		return value.Null, fmt.Errorf("execctx: no host capabilities injected")
	}
	strs := s.top().module.Constants.Strings
	if nameIdx < 0 || nameIdx >= len(strs) {
		return value.Null, fmt.Errorf("execctx: invalid capability name index %d", nameIdx)
	}
	return s.deps.Caps.CallCapability(strs[nameIdx], args)
}

// TickSafepoint never observes cancellation (there is no Task to cancel)
// and takes no pause check-in: a nested synchronous call is not a boundary
// a pause can land on midway (its CanSuspend()==false contract means it
// never leaves a frame parked). It does honor the heap ceiling, though —
// a sync call allocates into the same heap, so an outstanding collection
// request or an over-limit heap forces a collection here too, and a heap
// still over its limit afterwards is the same fatal condition as on the
// async path.
func (s *SyncContext) TickSafepoint() error {
	if gc := s.deps.GC; gc != nil {
		overLimit := s.deps.MaxHeapBytes > 0 && s.deps.Heap.Bytes() > s.deps.MaxHeapBytes
		if gc.Requested() || overLimit {
			s.deps.Pauser.RunExclusive(func() {
				gc.Collect()
			})
			if overLimit && s.deps.Heap.Bytes() > s.deps.MaxHeapBytes {
				s.fatalErr = errOutOfMemory
				return errOutOfMemory
			}
		}
	}
	return nil
}

func (s *SyncContext) errValue(err error) value.Value {
	p := s.deps.Heap.InternString([]byte(err.Error()))
	return value.FromPointer(p)
}

// syntheticSyncTaskID is the placeholder owner id used for mutex
// acquisitions made from within a synchronous call, which has no
// scheduler.Task of its own. Such a lock must be released before Run
// returns (TryLock only, never the blocking path), so no real Task identity
// is ever needed to look it up again.
const syntheticSyncTaskID = scheduler.ID(0)
