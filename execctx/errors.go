package execctx

import "fmt"

var (
	errArrayBounds   = fmt.Errorf("execctx: array index out of bounds")
	errBadRef        = fmt.Errorf("execctx: expected a task/mutex/channel reference")
	errNullReceiver  = fmt.Errorf("execctx: method invoked on a null receiver")
	errNoSuchMethod  = fmt.Errorf("execctx: no method bound to vtable slot")
	errCastFailed    = fmt.Errorf("execctx: value is not an instance of the target type")
	errTaskCancelled = fmt.Errorf("execctx: task cancelled")
	errOutOfMemory   = fmt.Errorf("execctx: heap limit exceeded after collection")
)
