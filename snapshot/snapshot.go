// Package snapshot implements pause/dump/restore for a vmcontext.Context:
// a segment-stream binary dump of its heap, globals, Task registry, and
// mutex/channel registries, written while every worker is parked at the
// context's safepoint barrier. Each section is a type-tagged stream of
// primitive writes, one section per kind of runtime state, encoded as
// binary words rather than text since Value words and byte strings don't
// round-trip cleanly through a text encoding.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
	"github.com/rizqme/raya-sub003/vmcontext"
)

// Magic tags the start of every dump.
const Magic = "RAYASNAP"

// FormatVersion is bumped whenever the section layout below changes
// incompatibly.
const FormatVersion = 1

// Section codes, one per writeXxx/readXxx pair below — db/writer.go's
// TypeInt/TypeObj/... const block, generalized from "value type" codes to
// "stream section" codes since we dump whole subsystems, not tagged values.
const (
	secObjects = 1
	secArrays  = 2
	secStrings = 3
	secGlobals = 4
	secTasks   = 5
	secMutexes = 6
	secChans   = 7
	secEnd     = 0xFF
)

// value tag codes, paralleling value.Tag but stable across releases
// independent of the in-memory iota order.
const (
	vtFloat   = 0
	vtInt     = 1
	vtBool    = 2
	vtNull    = 3
	vtPointer = 4
)

// Writer streams a Context's state out one section at a time (strings,
// objects, arrays, globals, tasks, mutexes, channels), appending a CRC32 footer over every payload byte so Reader can validate
// the whole dump before installing anything.
type Writer struct {
	w   *bufio.Writer
	crc *crcTee
}

type crcTee struct {
	io.Writer
	sum uint32
}

func (t *crcTee) Write(p []byte) (int, error) {
	t.sum = crc32.Update(t.sum, crc32.IEEETable, p)
	return t.Writer.Write(p)
}

// NewWriter wraps w for dump output.
func NewWriter(w io.Writer) *Writer {
	tee := &crcTee{Writer: w}
	return &Writer{w: bufio.NewWriter(tee), crc: tee}
}

// Write dumps ctx's full state. The caller must have already brought ctx
// to a safepoint pause (ctx.Pause(func(){ ... snapshot.Write ... })) — a
// dump taken while workers are live would race the heap and task state it
// walks.
func (w *Writer) Write(ctx *vmcontext.Context) error {
	if err := w.writeString(Magic); err != nil {
		return err
	}
	if err := w.writeUint32(FormatVersion); err != nil {
		return err
	}
	if err := w.writeString(ctx.EntryModuleName()); err != nil {
		return err
	}

	heap := ctx.Heap()

	if err := w.writeSection(secStrings, func() error { return w.writeStrings(heap) }); err != nil {
		return err
	}
	if err := w.writeSection(secObjects, func() error { return w.writeObjects(heap) }); err != nil {
		return err
	}
	if err := w.writeSection(secArrays, func() error { return w.writeArrays(heap) }); err != nil {
		return err
	}
	if err := w.writeSection(secGlobals, func() error { return w.writeValues(ctx.Globals()) }); err != nil {
		return err
	}
	if err := w.writeSection(secTasks, func() error { return w.writeTasks(ctx.Scheduler().Snapshot()) }); err != nil {
		return err
	}
	if err := w.writeSection(secMutexes, func() error { return w.writeMutexes(ctx.Mutexes()) }); err != nil {
		return err
	}
	if err := w.writeSection(secChans, func() error { return w.writeChans(ctx.Channels()) }); err != nil {
		return err
	}
	if err := w.writeUint8(secEnd); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Footer checksum over every payload byte, written past the tee so it
	// does not hash itself.
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], w.crc.sum)
	_, err := w.crc.Writer.Write(buf[:])
	return err
}

func (w *Writer) writeSection(code uint8, body func() error) error {
	if err := w.writeUint8(code); err != nil {
		return err
	}
	return body()
}

func (w *Writer) writeUint8(v uint8) error {
	return w.w.WriteByte(v)
}

func (w *Writer) writeUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.w.Write(buf[:])
	return err
}

func (w *Writer) writeUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.w.Write(buf[:])
	return err
}

func (w *Writer) writeInt64(v int64) error { return w.writeUint64(uint64(v)) }

func (w *Writer) writeBytes(b []byte) error {
	if err := w.writeUint32(uint32(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

func (w *Writer) writeString(s string) error { return w.writeBytes([]byte(s)) }

func (w *Writer) writeBool(b bool) error {
	if b {
		return w.writeUint8(1)
	}
	return w.writeUint8(0)
}

// writeValue encodes one tagged Value word.
func (w *Writer) writeValue(v value.Value) error {
	switch v.Tag() {
	case value.TagFloat:
		if err := w.writeUint8(vtFloat); err != nil {
			return err
		}
		return w.writeUint64(math.Float64bits(v.AsFloat()))
	case value.TagInt:
		if err := w.writeUint8(vtInt); err != nil {
			return err
		}
		return w.writeUint32(uint32(v.AsInt()))
	case value.TagBool:
		if err := w.writeUint8(vtBool); err != nil {
			return err
		}
		return w.writeBool(v.AsBool())
	case value.TagPointer:
		if err := w.writeUint8(vtPointer); err != nil {
			return err
		}
		return w.writeUint64(uint64(v.AsPointer()))
	default: // TagNull
		return w.writeUint8(vtNull)
	}
}

func (w *Writer) writeValues(vs []value.Value) error {
	if err := w.writeUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := w.writeValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeStrings(heap *value.Heap) error {
	strs := heap.Strings()
	if err := w.writeUint32(uint32(len(strs))); err != nil {
		return err
	}
	for p, s := range strs {
		if err := w.writeUint64(uint64(p)); err != nil {
			return err
		}
		if err := w.writeBytes(s.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeObjects(heap *value.Heap) error {
	objs := heap.Objects()
	if err := w.writeUint32(uint32(len(objs))); err != nil {
		return err
	}
	for p, o := range objs {
		if err := w.writeUint64(uint64(p)); err != nil {
			return err
		}
		if err := w.writeUint32(uint32(o.TypeID)); err != nil {
			return err
		}
		if err := w.writeValues(o.Slots); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeArrays(heap *value.Heap) error {
	arrs := heap.Arrays()
	if err := w.writeUint32(uint32(len(arrs))); err != nil {
		return err
	}
	for p, a := range arrs {
		if err := w.writeUint64(uint64(p)); err != nil {
			return err
		}
		if err := w.writeUint32(uint32(a.ElementTypeID)); err != nil {
			return err
		}
		if err := w.writeValues(a.Slots); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeFrame(f scheduler.CallFrame) error {
	if err := w.writeInt64(int64(f.FuncIdx)); err != nil {
		return err
	}
	if err := w.writeInt64(int64(f.ReturnIP)); err != nil {
		return err
	}
	if err := w.writeInt64(int64(f.IP)); err != nil {
		return err
	}
	if err := w.writeString(f.ModuleName); err != nil {
		return err
	}
	if err := w.writeValues(f.Locals); err != nil {
		return err
	}
	if err := w.writeValues(f.Args); err != nil {
		return err
	}
	return w.writeValues(f.Stack)
}

func (w *Writer) writeTasks(tasks []*scheduler.Task) error {
	if err := w.writeUint32(uint32(len(tasks))); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := w.writeUint64(uint64(t.ID)); err != nil {
			return err
		}
		if err := w.writeUint64(t.OwnerVmID); err != nil {
			return err
		}
		if err := w.writeUint8(uint8(t.Status)); err != nil {
			return err
		}
		if err := w.writeInt64(t.StepBudget); err != nil {
			return err
		}
		if err := w.writeValue(t.Result); err != nil {
			return err
		}
		if err := w.writeValue(t.Err); err != nil {
			return err
		}
		if err := w.writeUint32(uint32(len(t.CallStack))); err != nil {
			return err
		}
		for _, f := range t.CallStack {
			if err := w.writeFrame(f); err != nil {
				return err
			}
		}
		if err := writeSuspendReason(w, t.SuspendReason); err != nil {
			return err
		}
		held := t.HeldMutexes()
		if err := w.writeUint32(uint32(len(held))); err != nil {
			return err
		}
		for _, rec := range held {
			if err := w.writeUint64(rec.MutexID); err != nil {
				return err
			}
			if err := w.writeInt64(int64(rec.FrameIdx)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) writeMutexes(reg *sync2.Registry) error {
	all := reg.All()
	if err := w.writeUint32(uint32(len(all))); err != nil {
		return err
	}
	for id, st := range all {
		if err := w.writeUint64(uint64(id)); err != nil {
			return err
		}
		if err := w.writeBool(st.Locked); err != nil {
			return err
		}
		if err := w.writeBool(st.HasOwner); err != nil {
			return err
		}
		if err := w.writeUint64(uint64(st.Owner)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeChans(reg *sync2.ChanRegistry) error {
	all := reg.All()
	if err := w.writeUint32(uint32(len(all))); err != nil {
		return err
	}
	for id, st := range all {
		if err := w.writeUint64(uint64(id)); err != nil {
			return err
		}
		if err := w.writeInt64(int64(st.Capacity)); err != nil {
			return err
		}
		if err := w.writeBool(st.Closed); err != nil {
			return err
		}
		if err := w.writeValues(st.Buffer); err != nil {
			return err
		}
	}
	return nil
}

// suspend reason kind codes — only the reasons that can legitimately be
// pending when a pause-the-world dump is taken are encoded; a Task
// mid-dispatch (Running) never has one.
const (
	srNone = 0
	srAwaitTask  = 1
	srWaitAll    = 2
	srWaitAny    = 3
	srSleep      = 4
	srWaitMutex  = 5
	srWaitRecv   = 6
	srWaitSend   = 7
	srCancelled  = 8
	srYield      = 9
)

func writeSuspendReason(w *Writer, r scheduler.SuspendReason) error {
	switch v := r.(type) {
	case nil:
		return w.writeUint8(srNone)
	case scheduler.AwaitTaskReason:
		if err := w.writeUint8(srAwaitTask); err != nil {
			return err
		}
		return w.writeUint64(uint64(v.Target))
	case scheduler.WaitAllReason:
		if err := w.writeUint8(srWaitAll); err != nil {
			return err
		}
		return writeIDs(w, v.Targets)
	case scheduler.WaitAnyReason:
		if err := w.writeUint8(srWaitAny); err != nil {
			return err
		}
		return writeIDs(w, v.Targets)
	case scheduler.SleepReason:
		if err := w.writeUint8(srSleep); err != nil {
			return err
		}
		return w.writeInt64(v.Until.UnixNano())
	case scheduler.WaitMutexReason:
		if err := w.writeUint8(srWaitMutex); err != nil {
			return err
		}
		return w.writeUint64(v.MutexID)
	case scheduler.WaitChannelRecvReason:
		if err := w.writeUint8(srWaitRecv); err != nil {
			return err
		}
		return w.writeUint64(v.ChannelID)
	case scheduler.WaitChannelSendReason:
		if err := w.writeUint8(srWaitSend); err != nil {
			return err
		}
		if err := w.writeUint64(v.ChannelID); err != nil {
			return err
		}
		return w.writeValue(v.Value)
	case scheduler.CancelledReason:
		return w.writeUint8(srCancelled)
	case scheduler.YieldReason:
		return w.writeUint8(srYield)
	default:
		return fmt.Errorf("snapshot: unknown suspend reason type %T", r)
	}
}

func writeIDs(w *Writer, ids []scheduler.ID) error {
	if err := w.writeUint32(uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.writeUint64(uint64(id)); err != nil {
			return err
		}
	}
	return nil
}
