package opcode

import "github.com/rizqme/raya-sub003/value"

// stepArith implements the numeric binary operators (SCONCAT is handled
// directly in dispatch). Grounded on vm/operations.go's executeAdd/executeSub
// family: pop b then a, push the result; operand tags are not checked.
func (d *Dispatcher) stepArith(ctx ExecutionContext, op OpCode) ControlFlow {
	b := ctx.Pop()
	a := ctx.Pop()

	switch op {
	case IADD:
		ctx.Push(value.FromInt(a.AsInt() + b.AsInt()))
	case ISUB:
		ctx.Push(value.FromInt(a.AsInt() - b.AsInt()))
	case IMUL:
		ctx.Push(value.FromInt(a.AsInt() * b.AsInt()))
	case IDIV:
		if b.AsInt() == 0 {
			return Raise(errValue(ctx, errDivByZero))
		}
		ctx.Push(value.FromInt(a.AsInt() / b.AsInt()))
	case IMOD:
		if b.AsInt() == 0 {
			return Raise(errValue(ctx, errDivByZero))
		}
		ctx.Push(value.FromInt(a.AsInt() % b.AsInt()))
	case FADD:
		ctx.Push(value.FromFloat(a.AsFloat() + b.AsFloat()))
	case FSUB:
		ctx.Push(value.FromFloat(a.AsFloat() - b.AsFloat()))
	case FMUL:
		ctx.Push(value.FromFloat(a.AsFloat() * b.AsFloat()))
	case FDIV:
		ctx.Push(value.FromFloat(a.AsFloat() / b.AsFloat()))
	case NADD:
		// Mixed-operand add: each side widens to float regardless of
		// whether it arrived as an int or a float word.
		ctx.Push(value.FromFloat(widen(a) + widen(b)))
	}
	return Ok()
}

// widen converts an int- or float-tagged word to float64 for NADD.
func widen(v value.Value) float64 {
	if v.Tag() == value.TagInt {
		return float64(v.AsInt())
	}
	return v.AsFloat()
}

// stepCompare implements the comparison family, all producing a boolean.
func (d *Dispatcher) stepCompare(ctx ExecutionContext, op OpCode) ControlFlow {
	b := ctx.Pop()
	a := ctx.Pop()

	switch op {
	case IEQ:
		ctx.Push(value.FromBool(a.AsInt() == b.AsInt()))
	case ILT:
		ctx.Push(value.FromBool(a.AsInt() < b.AsInt()))
	case IGT:
		ctx.Push(value.FromBool(a.AsInt() > b.AsInt()))
	case FEQ:
		ctx.Push(value.FromBool(a.AsFloat() == b.AsFloat()))
	case FLT:
		ctx.Push(value.FromBool(a.AsFloat() < b.AsFloat()))
	case FGT:
		ctx.Push(value.FromBool(a.AsFloat() > b.AsFloat()))
	case SEQ:
		sa := ctx.Heap().StringAt(a.AsPointer())
		sb := ctx.Heap().StringAt(b.AsPointer())
		eq := a.AsPointer() == b.AsPointer()
		if !eq && sa != nil && sb != nil {
			eq = string(sa.Bytes) == string(sb.Bytes)
		}
		ctx.Push(value.FromBool(eq))
	case OBJ_EQ:
		ctx.Push(value.FromBool(a.Identical(b)))
	}
	return Ok()
}

// stepLogical implements AND/OR/NOT over boolean-tagged values.
func (d *Dispatcher) stepLogical(ctx ExecutionContext, op OpCode) ControlFlow {
	if op == NOT {
		a := ctx.Pop()
		ctx.Push(value.FromBool(!a.AsBool()))
		return Ok()
	}
	b := ctx.Pop()
	a := ctx.Pop()
	switch op {
	case AND:
		ctx.Push(value.FromBool(a.AsBool() && b.AsBool()))
	case OR:
		ctx.Push(value.FromBool(a.AsBool() || b.AsBool()))
	}
	return Ok()
}
