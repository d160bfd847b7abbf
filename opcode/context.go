package opcode

import (
	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/value"
)

// ExecutionContext is the capability a handler runs against. A single
// handler table serves both Task execution and synchronous nested calls;
// whether an opcode that wants to suspend actually can is entirely a
// property of which ExecutionContext implementation is in play.
//
// AsyncContext and SyncContext (package execctx) are the two
// implementations. This interface lives here, not in execctx, so the
// dispatcher and handler files can be written once against it without
// opcode importing execctx or scheduler.
type ExecutionContext interface {
	// Bytecode access for the current frame.
	Code() []byte
	IP() int
	SetIP(ip int)
	Module() *module.Module

	// Operand stack.
	Push(v value.Value)
	Pop() value.Value
	Peek() value.Value
	Dup()
	Swap()

	// Locals of the current frame.
	GetLocal(idx int) value.Value
	SetLocal(idx int, v value.Value)

	// Heap access, shared across every frame in this VM context.
	Heap() *value.Heap
	ConstString(idx int) value.Value

	// Frame control. Call pushes a new frame for a bytecode-to-bytecode
	// call; resumeIP is the caller's own ip to restore once the callee
	// eventually returns (the dispatcher computes it from the CALL
	// opcode's operand width, since pushing the callee frame makes the
	// caller's frame no longer "current" for IP()/SetIP() purposes).
	// Return pops the current frame, reporting whether a caller frame
	// remains so the dispatcher loop knows whether to keep running or
	// yield Return to its own caller.
	Call(funcIdx int, args []value.Value, resumeIP int) error
	Return(v value.Value) (hasCaller bool)
	Throw(v value.Value) ControlFlow

	// Suspension.
	CanSuspend() bool
	RequestSuspend(reason SuspendReason) ControlFlow

	// Objects and arrays.
	NewObject(typeID value.TypeID) value.Value
	GetField(v value.Value, idx int) value.Value
	SetField(v value.Value, idx int, field value.Value)
	Invoke(v value.Value, vtableSlot int, args []value.Value, resumeIP int) ControlFlow

	NewArray(elemType value.TypeID, length int) value.Value
	ArrayGet(v value.Value, idx int) value.Value
	ArraySet(v value.Value, idx int, elem value.Value)
	ArrayLen(v value.Value) int
	ArrayPush(v value.Value, elem value.Value)
	ArrayPop(v value.Value) value.Value

	// Concurrency. Each of these either completes immediately (returning
	// Ok()), returns a Suspend control flow the dispatcher loop must
	// propagate unchanged, or returns an Exception control flow for a
	// runtime error (including a blocking call under a context that cannot
	// suspend). Spawn errors when the owning context's task
	// limit is reached; the dispatcher raises that as a runtime error.
	Spawn(funcIdx int, args []value.Value) (value.Value, error)
	Await(taskRef value.Value) ControlFlow
	Yield() ControlFlow
	Sleep(ms int64) ControlFlow
	CancelTask(taskRef value.Value)
	WaitAll(refs []value.Value) ControlFlow
	WaitAny(refs []value.Value) ControlFlow

	MutexNew() value.Value
	MutexLock(m value.Value) ControlFlow
	MutexUnlock(m value.Value) error

	ChanNew(capacity int) value.Value
	ChanSend(c value.Value, v value.Value) ControlFlow
	ChanRecv(c value.Value) ControlFlow
	ChanTrySend(c value.Value, v value.Value) (ok bool, err error)
	ChanTryRecv(c value.Value) (v value.Value, ok bool, closed bool)
	ChanClose(c value.Value)

	// Reflection.
	InstanceOf(v value.Value, typeID value.TypeID) bool
	Cast(v value.Value, typeID value.TypeID) (value.Value, error)

	// CallHost invokes the injected host capability named by the
	// constant-pool string at nameIdx, permission-gated by the owning VM
	// context. Host calls never suspend, so both contexts permit them.
	CallHost(nameIdx int, args []value.Value) (value.Value, error)

	// TickSafepoint is called at every safepoint opcode (CALL, RETURN,
	// backward jumps, blocking ops): it is the hook GC collection requests
	// and cooperative cancellation ride in on.
	TickSafepoint() error
}
