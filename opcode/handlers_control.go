package opcode

import "github.com/rizqme/raya-sub003/value"

// stepJump implements the unconditional and conditional jump family.
// JUMP_IF/JUMP_IF_NOT pop the condition; the taken/not-taken case with no
// jump still needs a Continue so dispatch advances past the operand.
func (d *Dispatcher) stepJump(ctx ExecutionContext, op OpCode, code []byte, pos int) (ControlFlow, int) {
	target := int(readI32(code, pos))
	switch op {
	case JUMP:
		return JumpTo(target), 4
	case JUMP_IF:
		if ctx.Pop().AsBool() {
			return JumpTo(target), 4
		}
		return Ok(), 4
	case JUMP_IF_NOT:
		if !ctx.Pop().AsBool() {
			return JumpTo(target), 4
		}
		return Ok(), 4
	}
	return Ok(), 4
}

// stepCall pops argc arguments off the stack (in declaration order) and
// asks the context to push a new frame for funcIdx. The new frame becomes
// "current": the dispatcher's next Step call executes inside it. Call is
// handed the caller's own resume ip (the position right past this
// instruction's operand) since, once the new frame is current, IP()/SetIP()
// no longer address the caller's frame at all. The returned JumpTo(0)
// directs the dispatcher to begin the callee at offset 0 instead of
// applying its normal "advance past the operand" step, which would
// otherwise stamp a caller-relative offset onto the callee's fresh frame.
func (d *Dispatcher) stepCall(ctx ExecutionContext, code []byte, pos int) (ControlFlow, int) {
	funcIdx := int(readU32(code, pos))
	argc := int(code[pos+4])
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = ctx.Pop()
	}
	resumeIP := pos + 5
	if err := ctx.Call(funcIdx, args, resumeIP); err != nil {
		return Raise(errValue(ctx, err)), 5
	}
	return JumpTo(0), 5
}

// stepReturn pops the current frame with the top-of-stack value. If a
// caller frame remains, execution continues there with the value pushed;
// ctx.IP() at that point already holds the resume ip Call() recorded, so
// returning JumpTo(ctx.IP()) resumes exactly there without the dispatcher's
// generic advance (which would compute an offset relative to the callee's
// now-popped frame). Otherwise this is the outermost return and the
// Task/nested-call loop must treat it as a terminal ControlFlow.
func (d *Dispatcher) stepReturn(ctx ExecutionContext) ControlFlow {
	v := ctx.Pop()
	if ctx.Return(v) {
		ctx.Push(v)
		return JumpTo(ctx.IP())
	}
	return ReturnValue(v)
}
