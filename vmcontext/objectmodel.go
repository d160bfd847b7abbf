package vmcontext

import (
	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/value"
)

// FieldCount implements execctx.ObjectModel: typeID's slot count within
// mod's type table.
func (c *Context) FieldCount(mod *module.Module, typeID value.TypeID) int {
	if mod == nil || int(typeID) >= len(mod.Types) {
		return 0
	}
	return mod.Types[typeID].FieldCount
}

// ResolveMethod implements execctx.ObjectModel: a direct vtable-slot lookup.
// Single-inheritance linearization means the compiler has already baked any
// override into the slot, so this never walks the parent chain itself —
// that work happened once, at compile time.
func (c *Context) ResolveMethod(mod *module.Module, typeID value.TypeID, vtableSlot int) (int, bool) {
	if mod == nil || int(typeID) >= len(mod.Types) {
		return 0, false
	}
	vt := mod.Types[typeID].VTable
	if vtableSlot < 0 || vtableSlot >= len(vt) {
		return 0, false
	}
	return vt[vtableSlot], true
}

// IsInstance implements execctx.ObjectModel: walks v's runtime type's
// ParentTypeID chain looking for typeID.
func (c *Context) IsInstance(mod *module.Module, h *value.Heap, v value.Value, typeID value.TypeID) bool {
	if v.Tag() != value.TagPointer {
		return false
	}
	obj := h.Object(v.AsPointer())
	if obj == nil {
		return false
	}
	cur := obj.TypeID
	for {
		if cur == typeID {
			return true
		}
		if mod == nil || int(cur) >= len(mod.Types) {
			return false
		}
		parent := mod.Types[cur].ParentTypeID
		if parent < 0 {
			return false
		}
		cur = value.TypeID(parent)
	}
}

// GCRoots implements gc.RootProvider: every Task's call-frame locals,
// stack, and result/error, this context's global-variable slots and
// interned constant-pool strings, and every mutex/channel's buffered or
// pending-send values.
func (c *Context) GCRoots() []value.Value {
	var roots []value.Value

	c.globalsMu.RLock()
	roots = append(roots, c.globals...)
	c.globalsMu.RUnlock()

	c.mu.RLock()
	roots = append(roots, c.constRoots...)
	c.mu.RUnlock()

	// Every worker is parked at the pause barrier by the time GC/snapshot
	// calls this, so reading each Task's CallStack without its own mutex is
	// safe: nothing is mutating it concurrently.
	for _, t := range c.sched.Snapshot() {
		for _, f := range t.CallStack {
			roots = append(roots, f.Locals...)
			roots = append(roots, f.Args...)
			roots = append(roots, f.Stack...)
		}
		roots = append(roots, t.Result, t.Err)
	}

	roots = append(roots, c.channels.Roots()...)
	roots = append(roots, c.deps.Syncs.Roots()...)
	return roots
}
