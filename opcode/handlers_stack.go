package opcode

import "github.com/rizqme/raya-sub003/value"

// stepConst decodes and pushes the operand for the const family. CONST_I32
// and CONST_F64 carry their operand inline in the code stream; CONST_STR
// indexes the module's string constant pool.
func (d *Dispatcher) stepConst(ctx ExecutionContext, op OpCode, code []byte, pos int) (ControlFlow, int) {
	switch op {
	case CONST_NULL:
		ctx.Push(value.Null)
		return Ok(), 0
	case CONST_TRUE:
		ctx.Push(value.FromBool(true))
		return Ok(), 0
	case CONST_FALSE:
		ctx.Push(value.FromBool(false))
		return Ok(), 0
	case CONST_I32:
		ctx.Push(value.FromInt(readI32(code, pos)))
		return Ok(), 4
	case CONST_F64:
		ctx.Push(value.FromFloat(readF64(code, pos)))
		return Ok(), 8
	case CONST_STR:
		idx := int(readU32(code, pos))
		ctx.Push(ctx.ConstString(idx))
		return Ok(), 4
	}
	return Ok(), 0
}
