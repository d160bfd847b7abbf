package opcode

import "github.com/rizqme/raya-sub003/value"

// stepInvoke decodes a virtual-dispatch call: vtableSlot selects the method
// off the receiver's class vtable, resolved through the object's TypeID at
// call time so an overriding subclass's method runs without recompiling
// the call site.
func (d *Dispatcher) stepInvoke(ctx ExecutionContext, code []byte, pos int) (ControlFlow, int) {
	vtableSlot := int(readU16(code, pos))
	argc := int(code[pos+2])
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = ctx.Pop()
	}
	receiver := ctx.Pop()
	resumeIP := pos + 3
	// Invoke reports its own ControlFlow: JumpTo(0) into the resolved
	// method's fresh frame on success (same caller-resume-ip trick as
	// CALL), or Raise on a missing vtable slot / null receiver.
	return ctx.Invoke(receiver, vtableSlot, args, resumeIP), 3
}
