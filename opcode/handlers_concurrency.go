package opcode

import "github.com/rizqme/raya-sub003/value"

// stepSpawn decodes a SPAWN instruction's funcIdx/argc operand, pops the
// arguments, and asks the context to create a new Task. It never suspends
// the spawning Task itself: the new Task starts Ready and is independently
// scheduled.
func (d *Dispatcher) stepSpawn(ctx ExecutionContext, code []byte, pos int) (ControlFlow, int) {
	funcIdx := int(readU32(code, pos))
	argc := int(code[pos+4])
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = ctx.Pop()
	}
	ref, err := ctx.Spawn(funcIdx, args)
	if err != nil {
		return Raise(errValue(ctx, err)), 5
	}
	ctx.Push(ref)
	return Ok(), 5
}
