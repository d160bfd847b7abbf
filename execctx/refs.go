package execctx

import "github.com/rizqme/raya-sub003/value"

// Reserved type ids for the small handle objects concurrency opcodes hand
// back to bytecode. Per the data model, every Value that is not a
// primitive is "a pointer to a GC object" — a Task/Mutex/Channel reference
// is modeled as a tiny heap object whose single slot holds the numeric
// registry id, so it round-trips through the same Value tag the rest of
// the heap uses. These ids sit well outside any loaded module's type
// table (module type ids are compiler-assigned, small, and dense), so the
// GC's pointer-bitmap lookup naturally treats the handle's one slot as a
// non-pointer payload without any special-casing in gc.Collector.
const (
	typeIDTaskRef  value.TypeID = 0xFFFF_FFF0
	typeIDMutexRef value.TypeID = 0xFFFF_FFF1
	typeIDChanRef  value.TypeID = 0xFFFF_FFF2
)

// newRef allocates a one-slot handle object carrying id and returns the
// pointer Value referencing it.
func newRef(h *value.Heap, typeID value.TypeID, id uint64) value.Value {
	p := h.AllocateObject(typeID, 1)
	obj := h.Object(p)
	obj.Slots[0] = value.FromInt(int32(id))
	return value.FromPointer(p)
}

// refID decodes a handle Value back into its registry id. ok is false if v
// is not a pointer to a live handle object.
func refID(h *value.Heap, v value.Value) (uint64, bool) {
	if v.Tag() != value.TagPointer {
		return 0, false
	}
	obj := h.Object(v.AsPointer())
	if obj == nil || len(obj.Slots) == 0 {
		return 0, false
	}
	return uint64(uint32(obj.Slots[0].AsInt())), true
}
