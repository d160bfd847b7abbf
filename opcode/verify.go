package opcode

import "fmt"

// operandWidths records the number of operand bytes following each opcode
// in the code stream. Presence in the table doubles as the opcode-validity
// check VerifyCode performs at module load.
var operandWidths = map[OpCode]int{
	NOP: 0, POP: 0, DUP: 0, SWAP: 0,
	CONST_NULL: 0, CONST_TRUE: 0, CONST_FALSE: 0,
	CONST_I32: 4, CONST_F64: 8, CONST_STR: 4,
	LOAD_LOCAL: 2, STORE_LOCAL: 2,
	LOAD_LOCAL_0: 0, LOAD_LOCAL_1: 0, LOAD_LOCAL_2: 0, LOAD_LOCAL_3: 0,
	IADD: 0, ISUB: 0, IMUL: 0, IDIV: 0, IMOD: 0,
	FADD: 0, FSUB: 0, FMUL: 0, FDIV: 0, NADD: 0,
	IEQ: 0, ILT: 0, IGT: 0, FEQ: 0, FLT: 0, FGT: 0, SEQ: 0, OBJ_EQ: 0,
	AND: 0, OR: 0, NOT: 0,
	JUMP: 4, JUMP_IF: 4, JUMP_IF_NOT: 4,
	CALL: 5, RETURN: 0, THROW: 0,
	NEW_OBJECT: 4, GET_FIELD: 2, SET_FIELD: 2, INVOKE: 3,
	NEW_ARRAY: 4, ARRAY_GET: 0, ARRAY_SET: 0, ARRAY_LEN: 0,
	ARRAY_PUSH: 0, ARRAY_POP: 0,
	SPAWN: 5, AWAIT: 0, YIELD: 0, SLEEP: 0, TASK_CANCEL: 0,
	WAIT_ALL: 0, WAIT_ANY: 0,
	MUTEX_NEW: 0, MUTEX_LOCK: 0, MUTEX_UNLOCK: 0,
	CHAN_NEW: 0, CHAN_SEND: 0, CHAN_RECV: 0,
	CHAN_TRY_SEND: 0, CHAN_TRY_RECV: 0, CHAN_CLOSE: 0,
	INSTANCEOF: 4, CAST: 4,
	SCONCAT: 0, CALL_HOST: 5,
}

// OperandWidth reports op's operand byte count and whether op is a known
// instruction at all.
func OperandWidth(op OpCode) (int, bool) {
	w, ok := operandWidths[op]
	return w, ok
}

// VerifyCode walks one function body checking opcode validity, operand
// truncation, and jump-target bounds — the load-time validation pass the
// dispatcher relies on so it can trust verified bytecode at run time.
func VerifyCode(code []byte) error {
	for ip := 0; ip < len(code); {
		op := OpCode(code[ip])
		w, ok := OperandWidth(op)
		if !ok {
			return fmt.Errorf("opcode: invalid instruction %d at %d", byte(op), ip)
		}
		if ip+1+w > len(code) {
			return fmt.Errorf("opcode: truncated operand for %s at %d", op, ip)
		}
		switch op {
		case JUMP, JUMP_IF, JUMP_IF_NOT:
			target := int(readI32(code, ip+1))
			if target < 0 || target >= len(code) {
				return fmt.Errorf("opcode: jump target %d out of range at %d", target, ip)
			}
		}
		ip += 1 + w
	}
	return nil
}
