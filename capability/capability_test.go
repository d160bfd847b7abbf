package capability

import (
	"testing"

	"github.com/rizqme/raya-sub003/value"
)

func TestRegistryCallDispatch(t *testing.T) {
	r := NewRegistry()
	heap := value.NewHeap()
	r.Register("double", func(h *value.Heap, args []value.Value) (value.Value, error) {
		return value.FromInt(args[0].AsInt() * 2), nil
	})

	out, err := r.Call(heap, "double", []value.Value{value.FromInt(21)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := out.AsInt(); got != 42 {
		t.Fatalf("Call result = %d, want 42", got)
	}

	if _, err := r.Call(heap, "nonexistent", nil); err == nil {
		t.Fatal("Call on an unregistered capability returned no error")
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(*value.Heap, []value.Value) (value.Value, error) { return value.Null, nil })
	r.Register("b", func(*value.Heap, []value.Value) (value.Value, error) { return value.Null, nil })

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}

func TestDeepCopyPrimitivesPassThrough(t *testing.T) {
	heap := value.NewHeap()
	for _, v := range []value.Value{value.FromInt(5), value.FromBool(true), value.Null, value.FromFloat(1.5)} {
		if got := DeepCopy(heap, v); got != v {
			t.Errorf("DeepCopy(%v) = %v, want unchanged", v, got)
		}
	}
}

func TestDeepCopyObjectIsIndependentAllocation(t *testing.T) {
	heap := value.NewHeap()
	orig := heap.AllocateObject(value.TypeID(1), 1)
	heap.Object(orig).Slots[0] = value.FromInt(10)

	copied := DeepCopy(heap, value.FromPointer(orig)).AsPointer()
	if copied == orig {
		t.Fatal("DeepCopy of an object returned the same pointer")
	}
	if got := heap.Object(copied).Slots[0].AsInt(); got != 10 {
		t.Fatalf("copied object slot = %d, want 10", got)
	}

	// Mutating the original must not bleed into the copy.
	heap.Object(orig).Slots[0] = value.FromInt(99)
	if got := heap.Object(copied).Slots[0].AsInt(); got != 10 {
		t.Fatalf("copy observed a mutation to the original: got %d, want 10", got)
	}
}

func TestDeepCopyStringStaysInterned(t *testing.T) {
	heap := value.NewHeap()
	p := heap.InternString([]byte("hello"))
	copied := DeepCopy(heap, value.FromPointer(p)).AsPointer()
	if copied != p {
		t.Fatalf("DeepCopy of an interned string returned a different pointer: %v != %v", copied, p)
	}
}

func TestMarshalRejectsCycle(t *testing.T) {
	heap := value.NewHeap()
	self := heap.AllocateObject(value.TypeID(1), 1)
	heap.Object(self).Slots[0] = value.FromPointer(self)

	if _, err := Marshal(heap, value.FromPointer(self)); err != ErrCyclicValue {
		t.Fatalf("Marshal of a self-referential object = %v, want ErrCyclicValue", err)
	}

	// Diamond sharing is not a cycle: the same object reachable twice
	// must still marshal.
	shared := heap.AllocateObject(value.TypeID(1), 1)
	diamond := heap.AllocateObject(value.TypeID(2), 2)
	heap.Object(diamond).Slots[0] = value.FromPointer(shared)
	heap.Object(diamond).Slots[1] = value.FromPointer(shared)
	if _, err := Marshal(heap, value.FromPointer(diamond)); err != nil {
		t.Fatalf("Marshal of a diamond-shaped structure = %v, want success", err)
	}
}

func TestDeepCopyArrayRecurses(t *testing.T) {
	heap := value.NewHeap()
	inner := heap.AllocateObject(value.TypeID(2), 1)
	heap.Object(inner).Slots[0] = value.FromInt(1)

	arr := heap.AllocateArray(value.TypeID(2), 1)
	heap.ArrayAt(arr).Slots[0] = value.FromPointer(inner)

	copied := DeepCopy(heap, value.FromPointer(arr)).AsPointer()
	if copied == arr {
		t.Fatal("DeepCopy of an array returned the same pointer")
	}
	innerCopied := heap.ArrayAt(copied).Slots[0].AsPointer()
	if innerCopied == inner {
		t.Fatal("DeepCopy of an array did not deep-copy its element object")
	}
	if got := heap.Object(innerCopied).Slots[0].AsInt(); got != 1 {
		t.Fatalf("nested copied object slot = %d, want 1", got)
	}
}
