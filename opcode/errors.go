package opcode

import "fmt"

var errDivByZero = fmt.Errorf("opcode: division by zero")

// ErrCannotSuspend is the runtime error a SyncContext raises when bytecode
// running under it reaches a blocking opcode: the callee must return
// without suspending.
var ErrCannotSuspend = fmt.Errorf("opcode: cannot suspend in synchronous call")
