// Package gc implements the precise, stop-the-world mark-and-sweep
// collector over the value package's heap. Grounded on
// vm/anonymous_gc.go's AutoRecycleOrphanAnonymousSince (a reachability BFS
// from roots, sweep unreached), generalized from "anonymous objects only"
// to every heap object, walking the per-type pointer bitmap instead of
// hand-coded list/map cases.
package gc

import (
	"log"
	"sync/atomic"

	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/value"
)

// RootProvider supplies every GC root at collection time: Task call
// stacks, results/errors, VM-context globals, constant-pool objects, and
// mutex/channel buffered and pending-send values. Implemented by
// vmcontext.Context so gc has no import-cycle dependency on it.
type RootProvider interface {
	GCRoots() []value.Value
}

// FinalizerSink receives each unreachable object whose type declares a
// finalizer. The collector resurrects the object for one cycle (it and
// its fields stay live while the finalizer runs) and the sink schedules
// the finalizer function; the object is collected on a later cycle.
// Implemented by vmcontext.Context, which runs the finalizer on a
// dedicated maintenance Task it owns.
type FinalizerSink interface {
	RunFinalizer(p value.Pointer, funcIdx int)
}

// Collector runs mark-and-sweep over one Heap using one Module's type
// table for pointer-bitmap information.
type Collector struct {
	heap    *value.Heap
	mod     *module.Module
	roots   RootProvider
	sink    FinalizerSink
	bytesAt uint64 // heap bytes at last collection, for the allocation-threshold trigger

	requested int32 // atomic safepoint flag
}

// New creates a Collector bound to one heap, its module (for type-table
// pointer bitmaps), and its root provider.
func New(h *value.Heap, mod *module.Module, roots RootProvider) *Collector {
	return &Collector{heap: h, mod: mod, roots: roots}
}

// SetFinalizerSink installs the finalizer dispatch hook; nil disables
// finalizer handling (finalizable garbage is then collected directly).
func (c *Collector) SetFinalizerSink(s FinalizerSink) {
	c.sink = s
}

// RequestCollection sets the safepoint flag; each worker's safepoint check
// picks this up and rendezvous at Collect.
func (c *Collector) RequestCollection() {
	atomic.StoreInt32(&c.requested, 1)
}

// Requested reports whether a collection has been asked for and not yet
// serviced.
func (c *Collector) Requested() bool {
	return atomic.LoadInt32(&c.requested) == 1
}

// ShouldTrigger reports whether live heap bytes since the last collection
// exceed thresholdBytes, the allocation-threshold trigger condition.
func (c *Collector) ShouldTrigger(thresholdBytes uint64) bool {
	return c.heap.Bytes()-c.bytesAt > thresholdBytes
}

// Collect runs one full mark-and-sweep cycle. Callers must ensure every
// worker has reached a safepoint and parked before calling this (the
// barrier itself lives in package scheduler/vmcontext, not here — gc only
// performs the trace once it is safe to do so).
func (c *Collector) Collect() (freed int) {
	atomic.StoreInt32(&c.requested, 0)

	var stack []value.Pointer
	for _, root := range c.roots.GCRoots() {
		if root.Tag() == value.TagPointer {
			stack = append(stack, root.AsPointer())
		}
	}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = c.traceOne(p, stack)
	}

	stack = c.resurrectFinalizable()
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = c.traceOne(p, stack)
	}

	freed = c.heap.Sweep()
	c.bytesAt = c.heap.Bytes()
	log.Printf("gc: swept %d objects, %d bytes live", freed, c.bytesAt)
	return freed
}

// resurrectFinalizable scans for unreachable objects whose type declares a
// finalizer that has not yet run, marks each (the returned pointers are
// traced so their fields survive the sweep the finalizer will observe),
// flags it GCFinalized so the next cycle collects it for real, and hands
// it to the sink. Runs under the stop-the-world barrier like the rest of
// Collect.
func (c *Collector) resurrectFinalizable() []value.Pointer {
	if c.sink == nil || c.mod == nil {
		return nil
	}
	var resurrected []value.Pointer
	for p, o := range c.heap.Objects() {
		if o.GCFlags&value.GCMarked != 0 || o.GCFlags&value.GCFinalized != 0 {
			continue
		}
		fi := c.finalizerIdx(o.TypeID)
		if fi < 0 {
			continue
		}
		o.GCFlags |= value.GCFinalized
		resurrected = append(resurrected, p)
		c.sink.RunFinalizer(p, fi)
	}
	return resurrected
}

func (c *Collector) finalizerIdx(typeID value.TypeID) int {
	if c.mod == nil || int(typeID) >= len(c.mod.Types) {
		return -1
	}
	return c.mod.Types[typeID].FinalizerIdx
}

// traceOne marks p and, the first time it is marked this cycle, pushes the
// pointers reachable from its slots (per the type table's pointer bitmap,
// or every slot for an array whose element type is itself a pointer type)
// onto stack.
func (c *Collector) traceOne(p value.Pointer, stack []value.Pointer) []value.Pointer {
	if o := c.heap.Object(p); o != nil {
		if !c.heap.Mark(p) {
			return stack
		}
		bitmap := c.pointerBitmap(o.TypeID)
		for i, slot := range o.Slots {
			if i < len(bitmap) && bitmap[i] && slot.Tag() == value.TagPointer {
				stack = append(stack, slot.AsPointer())
			}
		}
		return stack
	}
	if a := c.heap.ArrayAt(p); a != nil {
		if !c.heap.Mark(p) {
			return stack
		}
		if c.typeIsPointer(a.ElementTypeID) {
			for _, slot := range a.Slots {
				if slot.Tag() == value.TagPointer {
					stack = append(stack, slot.AsPointer())
				}
			}
		}
		return stack
	}
	// Strings have empty bitmaps: marking them (if present) is sufficient,
	// no further tracing.
	c.heap.Mark(p)
	return stack
}

func (c *Collector) pointerBitmap(typeID value.TypeID) []bool {
	if c.mod == nil || int(typeID) >= len(c.mod.Types) {
		return nil
	}
	return c.mod.Types[typeID].PointerBitmap
}

// typeIsPointer reports whether elementTypeID's layout is itself a pointer
// (as opposed to an inline primitive), used for array element tracing.
// A type whose single-field bitmap is exactly [true] is treated as a
// pointer-shaped element; anything else (including primitive arrays, whose
// bitmaps are empty per the data model) is not traced further.
func (c *Collector) typeIsPointer(elementTypeID value.TypeID) bool {
	bm := c.pointerBitmap(elementTypeID)
	return len(bm) == 1 && bm[0]
}
