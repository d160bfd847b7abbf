package opcode

import (
	"fmt"

	"github.com/rizqme/raya-sub003/value"
)

// Dispatcher holds no per-Task state of its own: every mutable bit of
// execution lives on the ExecutionContext. A single Dispatcher value is
// shared by every worker and every nested synchronous call.
type Dispatcher struct{}

// NewDispatcher returns a stateless dispatcher instance.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Step decodes and executes exactly one instruction against ctx, returning
// the ControlFlow the caller's Task/nested-call loop must act on. ip
// advancement for the Continue case happens here, not in the handlers: a
// handler only ever reports what happened, never where to resume.
func (d *Dispatcher) Step(ctx ExecutionContext) ControlFlow {
	code := ctx.Code()
	ip := ctx.IP()
	if ip < 0 || ip >= len(code) {
		return Raise(errValue(ctx, fmt.Errorf("opcode: ip %d out of range", ip)))
	}
	op := OpCode(code[ip])
	operandStart := ip + 1

	if IsSafepoint(op) {
		if err := ctx.TickSafepoint(); err != nil {
			return Raise(errValue(ctx, err))
		}
	}

	cf, width := d.dispatch(ctx, op, code, operandStart)

	switch cf.Kind {
	case Jump:
		if cf.Offset <= ip {
			if err := ctx.TickSafepoint(); err != nil {
				return Raise(errValue(ctx, err))
			}
		}
		ctx.SetIP(cf.Offset)
		return Ok()
	case Continue:
		ctx.SetIP(operandStart + width)
		return Ok()
	case Suspend:
		ctx.SetIP(operandStart + width)
		return cf
	default: // Return, Exception
		return cf
	}
}

// dispatch decodes op's operands starting at pos and executes it, returning
// its ControlFlow and the number of operand bytes consumed.
func (d *Dispatcher) dispatch(ctx ExecutionContext, op OpCode, code []byte, pos int) (ControlFlow, int) {
	switch op {
	case NOP:
		return Ok(), 0
	case POP:
		ctx.Pop()
		return Ok(), 0
	case DUP:
		ctx.Dup()
		return Ok(), 0
	case SWAP:
		ctx.Swap()
		return Ok(), 0

	case CONST_NULL, CONST_TRUE, CONST_FALSE, CONST_I32, CONST_F64, CONST_STR:
		return d.stepConst(ctx, op, code, pos)

	case LOAD_LOCAL:
		idx := int(readU16(code, pos))
		ctx.Push(ctx.GetLocal(idx))
		return Ok(), 2
	case STORE_LOCAL:
		idx := int(readU16(code, pos))
		ctx.SetLocal(idx, ctx.Pop())
		return Ok(), 2
	case LOAD_LOCAL_0, LOAD_LOCAL_1, LOAD_LOCAL_2, LOAD_LOCAL_3:
		ctx.Push(ctx.GetLocal(int(op - LOAD_LOCAL_0)))
		return Ok(), 0

	case IADD, ISUB, IMUL, IDIV, IMOD, FADD, FSUB, FMUL, FDIV, NADD:
		return d.stepArith(ctx, op), 0

	case IEQ, ILT, IGT, FEQ, FLT, FGT, SEQ, OBJ_EQ:
		return d.stepCompare(ctx, op), 0

	case AND, OR, NOT:
		return d.stepLogical(ctx, op), 0

	case JUMP, JUMP_IF, JUMP_IF_NOT:
		return d.stepJump(ctx, op, code, pos)
	case CALL:
		return d.stepCall(ctx, code, pos)
	case RETURN:
		return d.stepReturn(ctx), 0
	case THROW:
		return ctx.Throw(ctx.Pop()), 0

	case NEW_OBJECT:
		typeID := readU32(code, pos)
		ctx.Push(ctx.NewObject(value.TypeID(typeID)))
		return Ok(), 4
	case GET_FIELD:
		idx := int(readU16(code, pos))
		obj := ctx.Pop()
		ctx.Push(ctx.GetField(obj, idx))
		return Ok(), 2
	case SET_FIELD:
		idx := int(readU16(code, pos))
		v := ctx.Pop()
		obj := ctx.Pop()
		ctx.SetField(obj, idx, v)
		return Ok(), 2
	case INVOKE:
		return d.stepInvoke(ctx, code, pos)

	case NEW_ARRAY:
		elemType := readU32(code, pos)
		length := int(ctx.Pop().AsInt())
		ctx.Push(ctx.NewArray(value.TypeID(elemType), length))
		return Ok(), 4
	case ARRAY_GET:
		idx := int(ctx.Pop().AsInt())
		arr := ctx.Pop()
		ctx.Push(ctx.ArrayGet(arr, idx))
		return Ok(), 0
	case ARRAY_SET:
		v := ctx.Pop()
		idx := int(ctx.Pop().AsInt())
		arr := ctx.Pop()
		ctx.ArraySet(arr, idx, v)
		return Ok(), 0
	case ARRAY_LEN:
		arr := ctx.Pop()
		ctx.Push(value.FromInt(int32(ctx.ArrayLen(arr))))
		return Ok(), 0
	case ARRAY_PUSH:
		v := ctx.Pop()
		arr := ctx.Pop()
		ctx.ArrayPush(arr, v)
		return Ok(), 0
	case ARRAY_POP:
		arr := ctx.Pop()
		ctx.Push(ctx.ArrayPop(arr))
		return Ok(), 0

	case SCONCAT:
		b := ctx.Pop()
		a := ctx.Pop()
		p := ctx.Heap().Concat(a.AsPointer(), b.AsPointer())
		ctx.Push(value.FromPointer(p))
		return Ok(), 0

	case SPAWN:
		return d.stepSpawn(ctx, code, pos)
	case AWAIT:
		return ctx.Await(ctx.Pop()), 0
	case YIELD:
		return ctx.Yield(), 0
	case SLEEP:
		ms := int64(ctx.Pop().AsInt())
		return ctx.Sleep(ms), 0
	case TASK_CANCEL:
		ctx.CancelTask(ctx.Pop())
		return Ok(), 0
	case WAIT_ALL:
		return ctx.WaitAll(d.popRefList(ctx)), 0
	case WAIT_ANY:
		return ctx.WaitAny(d.popRefList(ctx)), 0

	case MUTEX_NEW:
		ctx.Push(ctx.MutexNew())
		return Ok(), 0
	case MUTEX_LOCK:
		return ctx.MutexLock(ctx.Pop()), 0
	case MUTEX_UNLOCK:
		if err := ctx.MutexUnlock(ctx.Pop()); err != nil {
			return Raise(errValue(ctx, err)), 0
		}
		return Ok(), 0

	case CHAN_NEW:
		cap := int(ctx.Pop().AsInt())
		ctx.Push(ctx.ChanNew(cap))
		return Ok(), 0
	case CHAN_SEND:
		v := ctx.Pop()
		c := ctx.Pop()
		return ctx.ChanSend(c, v), 0
	case CHAN_RECV:
		return ctx.ChanRecv(ctx.Pop()), 0
	case CHAN_TRY_SEND:
		v := ctx.Pop()
		c := ctx.Pop()
		ok, err := ctx.ChanTrySend(c, v)
		if err != nil {
			return Raise(errValue(ctx, err)), 0
		}
		ctx.Push(value.FromBool(ok))
		return Ok(), 0
	case CHAN_TRY_RECV:
		c := ctx.Pop()
		v, ok, closed := ctx.ChanTryRecv(c)
		ctx.Push(v)
		ctx.Push(value.FromBool(ok))
		ctx.Push(value.FromBool(closed))
		return Ok(), 0
	case CHAN_CLOSE:
		ctx.ChanClose(ctx.Pop())
		return Ok(), 0

	case INSTANCEOF:
		typeID := readU32(code, pos)
		v := ctx.Pop()
		ctx.Push(value.FromBool(ctx.InstanceOf(v, value.TypeID(typeID))))
		return Ok(), 4
	case CAST:
		typeID := readU32(code, pos)
		v := ctx.Pop()
		out, err := ctx.Cast(v, value.TypeID(typeID))
		if err != nil {
			return Raise(errValue(ctx, err)), 4
		}
		ctx.Push(out)
		return Ok(), 4

	case CALL_HOST:
		nameIdx := int(readU32(code, pos))
		argc := int(code[pos+4])
		args := make([]value.Value, argc)
		for i := argc - 1; i >= 0; i-- {
			args[i] = ctx.Pop()
		}
		out, err := ctx.CallHost(nameIdx, args)
		if err != nil {
			return Raise(errValue(ctx, err)), 5
		}
		ctx.Push(out)
		return Ok(), 5
	}

	return Raise(errValue(ctx, fmt.Errorf("opcode: unknown instruction %d", byte(op)))), 0
}

func (d *Dispatcher) popRefList(ctx ExecutionContext) []value.Value {
	n := int(ctx.Pop().AsInt())
	out := make([]value.Value, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = ctx.Pop()
	}
	return out
}

func errValue(ctx ExecutionContext, err error) value.Value {
	// Runtime errors surface to bytecode as interned strings; capability
	// code on the other side of Throw classifies them by content, the way
	// a handler exception payload round-trips through ControlFlow.Value.
	p := ctx.Heap().InternString([]byte(err.Error()))
	return value.FromPointer(p)
}
