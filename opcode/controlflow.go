package opcode

import "github.com/rizqme/raya-sub003/value"

// FlowKind tags a ControlFlow the way types.ControlFlow tags a Result,
// generalized to the closed five-member variant the dispatcher contract
// requires: Continue, Jump, Suspend, Return, Exception.
type FlowKind int

const (
	Continue FlowKind = iota
	Jump
	Suspend
	Return
	Exception
)

// SuspendReason is the tagged union a Task suspends with, passed through
// ControlFlow.Reason. Concrete payload types live in package scheduler;
// this package only needs the interface so opcode/dispatch has no import
// cycle on scheduler.
type SuspendReason interface {
	suspendReason()
}

// BaseSuspendReason is embedded by concrete suspend-reason types declared
// outside this package (see package scheduler's baseSuspend) so they
// satisfy SuspendReason's unexported method. An unexported interface
// method can only ever be implemented by a type declared in the
// interface's own package or by embedding a type from that package that
// already provides it — this is that embeddable provider.
type BaseSuspendReason struct{}

func (BaseSuspendReason) suspendReason() {}

// ControlFlow is the directive a handler and the dispatcher exchange.
// No handler mutates the program counter directly: the dispatcher
// interprets Jump and advances ip past the operand bytes otherwise.
type ControlFlow struct {
	Kind   FlowKind
	Offset int           // valid when Kind == Jump
	Reason SuspendReason // valid when Kind == Suspend
	Value  value.Value   // valid when Kind == Return or Kind == Exception
}

// Ok is the normal "advance ip past the operand bytes" directive.
func Ok() ControlFlow { return ControlFlow{Kind: Continue} }

// JumpTo directs the dispatcher to set ip to offset instead of advancing.
func JumpTo(offset int) ControlFlow { return ControlFlow{Kind: Jump, Offset: offset} }

// SuspendWith parks the current Task on reason.
func SuspendWith(reason SuspendReason) ControlFlow {
	return ControlFlow{Kind: Suspend, Reason: reason}
}

// ReturnValue unwinds the current frame with v.
func ReturnValue(v value.Value) ControlFlow { return ControlFlow{Kind: Return, Value: v} }

// Raise begins exception unwinding carrying v.
func Raise(v value.Value) ControlFlow { return ControlFlow{Kind: Exception, Value: v} }
