// Package opcode defines the instruction set executed by the dispatcher:
// the OpCode enum, per-opcode metadata, and the ControlFlow contract
// opcode handlers return.
package opcode

// OpCode is a single bytecode instruction.
type OpCode byte

const (
	// Stack
	NOP OpCode = iota
	POP
	DUP
	SWAP

	// Constants
	CONST_NULL
	CONST_TRUE
	CONST_FALSE
	CONST_I32
	CONST_F64
	CONST_STR

	// Locals
	LOAD_LOCAL
	STORE_LOCAL
	LOAD_LOCAL_0
	LOAD_LOCAL_1
	LOAD_LOCAL_2
	LOAD_LOCAL_3

	// Arithmetic
	IADD
	ISUB
	IMUL
	IDIV
	IMOD
	FADD
	FSUB
	FMUL
	FDIV
	NADD

	// Comparison
	IEQ
	ILT
	IGT
	FEQ
	FLT
	FGT
	SEQ
	OBJ_EQ

	// Logical
	AND
	OR
	NOT

	// Control
	JUMP
	JUMP_IF
	JUMP_IF_NOT
	CALL
	RETURN
	THROW

	// Objects
	NEW_OBJECT
	GET_FIELD
	SET_FIELD
	INVOKE

	// Arrays
	NEW_ARRAY
	ARRAY_GET
	ARRAY_SET
	ARRAY_LEN
	ARRAY_PUSH
	ARRAY_POP

	// Concurrency
	SPAWN
	AWAIT
	YIELD
	SLEEP
	TASK_CANCEL
	WAIT_ALL
	WAIT_ANY

	// Mutex
	MUTEX_NEW
	MUTEX_LOCK
	MUTEX_UNLOCK

	// Channel
	CHAN_NEW
	CHAN_SEND
	CHAN_RECV
	CHAN_TRY_SEND
	CHAN_TRY_RECV
	CHAN_CLOSE

	// Reflection
	INSTANCEOF
	CAST

	// Strings
	SCONCAT

	// Host capabilities
	CALL_HOST
)

var names = map[OpCode]string{
	NOP: "NOP", POP: "POP", DUP: "DUP", SWAP: "SWAP",
	CONST_NULL: "CONST_NULL", CONST_TRUE: "CONST_TRUE", CONST_FALSE: "CONST_FALSE",
	CONST_I32: "CONST_I32", CONST_F64: "CONST_F64", CONST_STR: "CONST_STR",
	LOAD_LOCAL: "LOAD_LOCAL", STORE_LOCAL: "STORE_LOCAL",
	LOAD_LOCAL_0: "LOAD_LOCAL_0", LOAD_LOCAL_1: "LOAD_LOCAL_1",
	LOAD_LOCAL_2: "LOAD_LOCAL_2", LOAD_LOCAL_3: "LOAD_LOCAL_3",
	IADD: "IADD", ISUB: "ISUB", IMUL: "IMUL", IDIV: "IDIV", IMOD: "IMOD",
	FADD: "FADD", FSUB: "FSUB", FMUL: "FMUL", FDIV: "FDIV", NADD: "NADD",
	IEQ: "IEQ", ILT: "ILT", IGT: "IGT", FEQ: "FEQ", FLT: "FLT", FGT: "FGT",
	SEQ: "SEQ", OBJ_EQ: "OBJ_EQ",
	AND: "AND", OR: "OR", NOT: "NOT",
	JUMP: "JUMP", JUMP_IF: "JUMP_IF", JUMP_IF_NOT: "JUMP_IF_NOT",
	CALL: "CALL", RETURN: "RETURN", THROW: "THROW",
	NEW_OBJECT: "NEW_OBJECT", GET_FIELD: "GET_FIELD", SET_FIELD: "SET_FIELD", INVOKE: "INVOKE",
	NEW_ARRAY: "NEW_ARRAY", ARRAY_GET: "ARRAY_GET", ARRAY_SET: "ARRAY_SET",
	ARRAY_LEN: "ARRAY_LEN", ARRAY_PUSH: "ARRAY_PUSH", ARRAY_POP: "ARRAY_POP",
	SPAWN: "SPAWN", AWAIT: "AWAIT", YIELD: "YIELD", SLEEP: "SLEEP",
	TASK_CANCEL: "TASK_CANCEL", WAIT_ALL: "WAIT_ALL", WAIT_ANY: "WAIT_ANY",
	MUTEX_NEW: "MUTEX_NEW", MUTEX_LOCK: "MUTEX_LOCK", MUTEX_UNLOCK: "MUTEX_UNLOCK",
	CHAN_NEW: "CHAN_NEW", CHAN_SEND: "CHAN_SEND", CHAN_RECV: "CHAN_RECV",
	CHAN_TRY_SEND: "CHAN_TRY_SEND", CHAN_TRY_RECV: "CHAN_TRY_RECV", CHAN_CLOSE: "CHAN_CLOSE",
	INSTANCEOF: "INSTANCEOF", CAST: "CAST",
	SCONCAT: "SCONCAT", CALL_HOST: "CALL_HOST",
}

func (op OpCode) String() string {
	if n, ok := names[op]; ok {
		return n
	}
	return "UNKNOWN"
}

// backwardJump, blocking and safepoint classification drive the safepoint
// cadence: poll on every backward jump, every CALL/RETURN, and every
// blocking opcode.
var blocking = map[OpCode]bool{
	AWAIT: true, SLEEP: true, WAIT_ALL: true, WAIT_ANY: true,
	MUTEX_LOCK: true, CHAN_SEND: true, CHAN_RECV: true,
}

// IsBlocking reports whether op may legally suspend in an AsyncContext.
func IsBlocking(op OpCode) bool {
	return blocking[op]
}

// IsSafepoint reports whether op is a safepoint-checking instruction: a
// backward jump (only JUMP with a non-positive resolved offset, determined
// by the caller since offsets are not encoded here), CALL, RETURN, or any
// blocking opcode.
func IsSafepoint(op OpCode) bool {
	switch op {
	case CALL, RETURN:
		return true
	default:
		return IsBlocking(op)
	}
}
