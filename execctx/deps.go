// Package execctx implements the two ExecutionContext capabilities the
// opcode dispatcher runs against: AsyncContext for Task execution (permits
// suspension) and SyncContext for synchronous nested calls (forbids it).
package execctx

import (
	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
)

// ModuleRegistry resolves a loaded module by name. Implemented by
// vmcontext.Context; execctx only needs this narrow lookup surface so it
// has no import-cycle dependency on vmcontext.
type ModuleRegistry interface {
	ModuleByName(name string) *module.Module
}

// ObjectModel resolves NEW_OBJECT/GET_FIELD/INVOKE/INSTANCEOF/CAST against
// a module's type and class tables. Implemented by vmcontext.Context.
type ObjectModel interface {
	// FieldCount returns typeID's slot count within mod's type table.
	FieldCount(mod *module.Module, typeID value.TypeID) int
	// ResolveMethod returns the function-table index bound to typeID's
	// vtable slot. Single-inheritance linearization means the compiler
	// has already baked any override into the slot, so this is a direct
	// table lookup, never a parent-chain walk.
	ResolveMethod(mod *module.Module, typeID value.TypeID, vtableSlot int) (funcIdx int, ok bool)
	// IsInstance reports whether v's runtime type is typeID or a
	// descendant of it, walking the ParentTypeID chain.
	IsInstance(mod *module.Module, h *value.Heap, v value.Value, typeID value.TypeID) bool
}

// GC is the safepoint-triggered collection surface, satisfied directly by
// *gc.Collector.
type GC interface {
	Requested() bool
	Collect() int
	RequestCollection()
	ShouldTrigger(thresholdBytes uint64) bool
}

// CapabilityCaller dispatches a CALL_HOST opcode to an injected host
// function, applying the owning VM context's permission gate. Implemented
// by vmcontext.Context.
type CapabilityCaller interface {
	CallCapability(name string, args []value.Value) (value.Value, error)
}

// Deps bundles every VM-context-scoped collaborator an ExecutionContext
// needs: the heap, the module registry, the scheduler-integrated
// mutex/channel registries, the scheduler itself (for Spawn), the GC
// safepoint hook, and the stop-the-world pause barrier shared with
// snapshot/restore. One Deps value is shared by every Task's AsyncContext
// and every SyncContext nested inside one VM context.
type Deps struct {
	Heap              *value.Heap
	Modules           ModuleRegistry
	Objects           ObjectModel
	Mutexes           *sync2.Registry
	Channels          *sync2.ChanRegistry
	Sched             *scheduler.Scheduler
	GC                GC
	Pauser            *Pauser
	Caps              CapabilityCaller
	Syncs             *SyncTracker
	DefaultStepBudget int64

	// MaxHeapBytes fails an allocation-heavy Task at its next safepoint
	// when live bytes still exceed it after a forced collection; 0 means
	// no ceiling.
	MaxHeapBytes uint64
	// GCThresholdBytes requests a collection once allocation since the
	// last cycle passes it; 0 disables the threshold trigger.
	GCThresholdBytes uint64

	// OnSpawn gates SPAWN-opcode task creation (vmcontext enforces
	// MaxTasks and cumulative-budget termination here); nil means no gate.
	OnSpawn func() error
	// OnFatal reports a fatal error (allocation failure after GC): the
	// owning VM context terminates, it is never delivered to a catch
	// handler. vmcontext wires context termination here.
	OnFatal func(err error)
	// AccountSteps charges n executed instructions against the owning
	// context's cumulative step budget; a non-nil return fails the Task.
	AccountSteps func(n int64) error
}
