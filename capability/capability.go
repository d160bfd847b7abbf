// Package capability implements host-function injection: the narrow,
// typed surface by which embedding Go code plugs functions into VM-driven
// bytecode, gated by the permission set the owning vmcontext.Context was
// created with. Grounded on server/scheduler.go's
// s.registry.SetVerbCaller callback-injection pattern (a host-side
// function plugged into VM-driven dispatch through a narrow interface),
// generalized from a single fixed callback to a name-keyed registry of
// arbitrary host functions.
package capability

import (
	"fmt"
	"sync"

	"github.com/rizqme/raya-sub003/value"
)

// HostFunc is a host capability: it receives deep-copied argument Values
// (so the host can never observe or retain a live alias into the calling
// context's heap) and an output Heap to allocate its result into, and
// returns a Value or an error the caller raises as an exception.
type HostFunc func(heap *value.Heap, args []value.Value) (value.Value, error)

// Registry owns every capability injected into one VM context.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]HostFunc
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]HostFunc)}
}

// Register installs fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn HostFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Call invokes the capability named name with args deep-copied out of heap
// first, per the marshalling contract HostFunc documents. Cyclic argument
// structures are rejected before the host function runs.
func (r *Registry) Call(heap *value.Heap, name string, args []value.Value) (value.Value, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return value.Null, fmt.Errorf("capability: no such capability %q", name)
	}
	copied := make([]value.Value, len(args))
	for i, a := range args {
		c, err := Marshal(heap, a)
		if err != nil {
			return value.Null, err
		}
		copied[i] = c
	}
	return fn(heap, copied)
}

// Names lists every registered capability, for introspection.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

// ErrCyclicValue rejects marshalling a structure that references itself:
// the cross-boundary copy contract covers primitives and acyclic
// structured data only.
var ErrCyclicValue = fmt.Errorf("capability: cannot marshal a cyclic structure")

// Marshal clones v out of heap into a fresh structure of the same shape,
// so a host capability can never retain a live alias into the caller's
// heap (nor can a mutation it makes bleed back in, short of it returning
// a new Value explicitly). Primitives are copied by value already; only
// pointer Values need an explicit walk. Cycles are rejected.
func Marshal(heap *value.Heap, v value.Value) (value.Value, error) {
	return marshal(heap, v, make(map[value.Pointer]bool))
}

// DeepCopy is Marshal for values the caller knows to be acyclic (interned
// strings, freshly built argument records); a cycle degrades to returning
// v uncopied rather than erroring.
func DeepCopy(heap *value.Heap, v value.Value) value.Value {
	out, err := Marshal(heap, v)
	if err != nil {
		return v
	}
	return out
}

func marshal(heap *value.Heap, v value.Value, seen map[value.Pointer]bool) (value.Value, error) {
	if v.Tag() != value.TagPointer {
		return v, nil
	}
	p := v.AsPointer()
	if obj := heap.Object(p); obj != nil {
		if seen[p] {
			return value.Null, ErrCyclicValue
		}
		seen[p] = true
		slots := make([]value.Value, len(obj.Slots))
		for i, s := range obj.Slots {
			c, err := marshal(heap, s, seen)
			if err != nil {
				return value.Null, err
			}
			slots[i] = c
		}
		delete(seen, p)
		np := heap.AllocateObject(obj.TypeID, len(slots))
		copy(heap.Object(np).Slots, slots)
		return value.FromPointer(np), nil
	}
	if arr := heap.ArrayAt(p); arr != nil {
		if seen[p] {
			return value.Null, ErrCyclicValue
		}
		seen[p] = true
		np := heap.AllocateArray(arr.ElementTypeID, arr.Length())
		dst := heap.ArrayAt(np)
		for i, s := range arr.Slots {
			c, err := marshal(heap, s, seen)
			if err != nil {
				return value.Null, err
			}
			dst.Slots[i] = c
		}
		delete(seen, p)
		return value.FromPointer(np), nil
	}
	if s := heap.StringAt(p); s != nil {
		return value.FromPointer(heap.InternString(s.Bytes)), nil
	}
	return v, nil
}
