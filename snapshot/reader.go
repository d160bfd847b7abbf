package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
	"github.com/rizqme/raya-sub003/vmcontext"
)

// Reader parses a dump produced by Writer back into an already-constructed
// Context. The caller builds the Context with vmcontext.New (same Workers,
// same modules loaded via LoadModule) before calling Restore, exactly the
// way db/reader.go's LoadDatabase expects an empty Store to populate —
// Restore never allocates the Context itself, only its heap/task contents.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for dump input.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// EntryModuleName is filled in by Restore with the dump's recorded entry
// module name, so the caller can sanity-check it against what it loaded.
type Info struct {
	EntryModuleName string
}

// ErrChecksum is returned when the dump's CRC32 footer does not match its
// payload. Nothing has been installed into the target Context when it is
// returned.
var ErrChecksum = fmt.Errorf("snapshot: checksum mismatch")

// dump is the fully-parsed staging form of a snapshot. Everything is
// decoded and validated into this struct first; the target Context is only
// touched once the whole stream (checksum included) has been accepted, so
// a corrupt dump leaves the target untouched.
type dump struct {
	entry   string
	strings map[value.Pointer]*value.String
	objects map[value.Pointer]*value.Object
	arrays  map[value.Pointer]*value.Array
	globals []value.Value
	tasks   []*scheduler.Task
	mutexes []mutexRec
	chans   []chanRec
}

type mutexRec struct {
	id       sync2.ID
	locked   bool
	hasOwner bool
	owner    scheduler.ID
}

type chanRec struct {
	id       sync2.ChanID
	capacity int
	closed   bool
	buffer   []value.Value
}

// Restore reads a dump from r into ctx, returning the dump's header info.
// The stream is checksum-validated and fully parsed before any state is
// installed; a failure at any point leaves ctx untouched.
func (rd *Reader) Restore(ctx *vmcontext.Context) (Info, error) {
	raw, err := io.ReadAll(rd.r)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: read stream: %w", err)
	}
	if len(raw) < 4 {
		return Info{}, fmt.Errorf("snapshot: truncated stream")
	}
	payload, footer := raw[:len(raw)-4], raw[len(raw)-4:]
	stored := uint32(footer[0])<<24 | uint32(footer[1])<<16 | uint32(footer[2])<<8 | uint32(footer[3])
	if crc32.ChecksumIEEE(payload) != stored {
		return Info{}, ErrChecksum
	}

	body := &Reader{r: bufio.NewReader(bytes.NewReader(payload))}
	d, err := body.parse()
	if err != nil {
		return Info{}, err
	}

	installDump(ctx, d)
	return Info{EntryModuleName: d.entry}, nil
}

// parse decodes every section into a staging dump without touching any
// live runtime state.
func (rd *Reader) parse() (*dump, error) {
	magic, err := rd.readString()
	if err != nil {
		return nil, fmt.Errorf("snapshot: read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("snapshot: bad magic %q", magic)
	}
	ver, err := rd.readUint32()
	if err != nil {
		return nil, err
	}
	if ver != FormatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", ver)
	}

	d := &dump{
		strings: make(map[value.Pointer]*value.String),
		objects: make(map[value.Pointer]*value.Object),
		arrays:  make(map[value.Pointer]*value.Array),
	}
	if d.entry, err = rd.readString(); err != nil {
		return nil, err
	}

	for {
		code, err := rd.readUint8()
		if err != nil {
			return nil, err
		}
		switch code {
		case secStrings:
			if err := rd.readStrings(d); err != nil {
				return nil, err
			}
		case secObjects:
			if err := rd.readObjects(d); err != nil {
				return nil, err
			}
		case secArrays:
			if err := rd.readArrays(d); err != nil {
				return nil, err
			}
		case secGlobals:
			if d.globals, err = rd.readValues(); err != nil {
				return nil, err
			}
		case secTasks:
			if err := rd.readTasks(d); err != nil {
				return nil, err
			}
		case secMutexes:
			if err := rd.readMutexes(d); err != nil {
				return nil, err
			}
		case secChans:
			if err := rd.readChans(d); err != nil {
				return nil, err
			}
		case secEnd:
			return d, nil
		default:
			return nil, fmt.Errorf("snapshot: unknown section code %d", code)
		}
	}
}

// installDump commits a fully-validated dump into ctx, then rehydrates
// every Blocked Task's wait condition: a Task parked on a channel or mutex
// rejoins that structure's wait queue, a sleeper re-enters the timing
// wheel, and await-family parks re-register on their target Tasks — so a
// send, unlock, or completion after restore wakes exactly the Tasks the
// original runtime would have woken.
func installDump(ctx *vmcontext.Context, d *dump) {
	heap := ctx.Heap()
	for p, s := range d.strings {
		heap.RestoreString(p, s)
	}
	for p, o := range d.objects {
		heap.RestoreObject(p, o)
	}
	for p, a := range d.arrays {
		heap.RestoreArray(p, a)
	}
	ctx.RestoreGlobals(d.globals)

	for _, m := range d.mutexes {
		ctx.Mutexes().Restore(m.id, m.locked, m.owner, m.hasOwner)
	}
	for _, c := range d.chans {
		ctx.Channels().Restore(c.id, c.capacity, c.buffer, c.closed)
	}

	sched := ctx.Scheduler()
	for _, t := range d.tasks {
		sched.RestoreTask(t)
	}
	for _, t := range d.tasks {
		if t.GetStatus() != scheduler.Blocked {
			continue
		}
		switch r := t.SuspendReason.(type) {
		case scheduler.WaitMutexReason:
			ctx.Mutexes().RequeueWaiter(sync2.ID(r.MutexID), t.ID)
		case scheduler.WaitChannelRecvReason:
			ctx.Channels().RequeueReceiver(sync2.ChanID(r.ChannelID), t.ID)
		case scheduler.WaitChannelSendReason:
			ctx.Channels().RequeueSender(sync2.ChanID(r.ChannelID), t.ID, r.Value)
		default:
			sched.Suspend(t, t.SuspendReason)
		}
	}
}

func (rd *Reader) readUint8() (uint8, error) {
	return rd.r.ReadByte()
}

func (rd *Reader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(rd.r, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

func (rd *Reader) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rd.r, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func (rd *Reader) readInt64() (int64, error) {
	v, err := rd.readUint64()
	return int64(v), err
}

func (rd *Reader) readBytes() ([]byte, error) {
	n, err := rd.readUint32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (rd *Reader) readString() (string, error) {
	b, err := rd.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (rd *Reader) readBool() (bool, error) {
	b, err := rd.readUint8()
	return b != 0, err
}

func (rd *Reader) readValue() (value.Value, error) {
	tag, err := rd.readUint8()
	if err != nil {
		return value.Null, err
	}
	switch tag {
	case vtFloat:
		bits, err := rd.readUint64()
		if err != nil {
			return value.Null, err
		}
		return value.FromFloat(math.Float64frombits(bits)), nil
	case vtInt:
		raw, err := rd.readUint32()
		if err != nil {
			return value.Null, err
		}
		return value.FromInt(int32(raw)), nil
	case vtBool:
		b, err := rd.readBool()
		if err != nil {
			return value.Null, err
		}
		return value.FromBool(b), nil
	case vtPointer:
		p, err := rd.readUint64()
		if err != nil {
			return value.Null, err
		}
		return value.FromPointer(value.Pointer(p)), nil
	case vtNull:
		return value.Null, nil
	default:
		return value.Null, fmt.Errorf("snapshot: unknown value tag %d", tag)
	}
}

func (rd *Reader) readValues() ([]value.Value, error) {
	n, err := rd.readUint32()
	if err != nil {
		return nil, err
	}
	out := make([]value.Value, n)
	for i := range out {
		v, err := rd.readValue()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (rd *Reader) readStrings(d *dump) error {
	n, err := rd.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		p, err := rd.readUint64()
		if err != nil {
			return err
		}
		b, err := rd.readBytes()
		if err != nil {
			return err
		}
		d.strings[value.Pointer(p)] = &value.String{Bytes: b}
	}
	return nil
}

func (rd *Reader) readObjects(d *dump) error {
	n, err := rd.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		p, err := rd.readUint64()
		if err != nil {
			return err
		}
		typeID, err := rd.readUint32()
		if err != nil {
			return err
		}
		slots, err := rd.readValues()
		if err != nil {
			return err
		}
		d.objects[value.Pointer(p)] = &value.Object{TypeID: value.TypeID(typeID), Slots: slots}
	}
	return nil
}

func (rd *Reader) readArrays(d *dump) error {
	n, err := rd.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		p, err := rd.readUint64()
		if err != nil {
			return err
		}
		elemType, err := rd.readUint32()
		if err != nil {
			return err
		}
		slots, err := rd.readValues()
		if err != nil {
			return err
		}
		d.arrays[value.Pointer(p)] = &value.Array{ElementTypeID: value.TypeID(elemType), Slots: slots}
	}
	return nil
}

func (rd *Reader) readFrame() (scheduler.CallFrame, error) {
	var f scheduler.CallFrame
	funcIdx, err := rd.readInt64()
	if err != nil {
		return f, err
	}
	returnIP, err := rd.readInt64()
	if err != nil {
		return f, err
	}
	ip, err := rd.readInt64()
	if err != nil {
		return f, err
	}
	mod, err := rd.readString()
	if err != nil {
		return f, err
	}
	locals, err := rd.readValues()
	if err != nil {
		return f, err
	}
	args, err := rd.readValues()
	if err != nil {
		return f, err
	}
	stack, err := rd.readValues()
	if err != nil {
		return f, err
	}
	f.FuncIdx = int(funcIdx)
	f.ReturnIP = int(returnIP)
	f.IP = int(ip)
	f.ModuleName = mod
	f.Locals = locals
	f.Args = args
	f.Stack = stack
	return f, nil
}

func (rd *Reader) readTasks(d *dump) error {
	n, err := rd.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		id, err := rd.readUint64()
		if err != nil {
			return err
		}
		ownerVmID, err := rd.readUint64()
		if err != nil {
			return err
		}
		status, err := rd.readUint8()
		if err != nil {
			return err
		}
		stepBudget, err := rd.readInt64()
		if err != nil {
			return err
		}
		result, err := rd.readValue()
		if err != nil {
			return err
		}
		taskErr, err := rd.readValue()
		if err != nil {
			return err
		}
		frameCount, err := rd.readUint32()
		if err != nil {
			return err
		}
		frames := make([]scheduler.CallFrame, frameCount)
		for j := range frames {
			f, err := rd.readFrame()
			if err != nil {
				return err
			}
			frames[j] = f
		}
		reason, err := readSuspendReason(rd)
		if err != nil {
			return err
		}
		heldCount, err := rd.readUint32()
		if err != nil {
			return err
		}
		held := make([]scheduler.MutexOwnerRecord, heldCount)
		for j := range held {
			mid, err := rd.readUint64()
			if err != nil {
				return err
			}
			frameIdx, err := rd.readInt64()
			if err != nil {
				return err
			}
			held[j] = scheduler.MutexOwnerRecord{MutexID: mid, FrameIdx: int(frameIdx)}
		}

		t := scheduler.NewTask(scheduler.ID(id), ownerVmID, stepBudget)
		t.Status = scheduler.Status(status)
		t.Result = result
		t.Err = taskErr
		t.CallStack = frames
		t.SuspendReason = reason
		if len(held) > 0 {
			t.RestoreHeldMutexes(held)
		}
		d.tasks = append(d.tasks, t)
	}
	return nil
}

func readSuspendReason(rd *Reader) (scheduler.SuspendReason, error) {
	kind, err := rd.readUint8()
	if err != nil {
		return nil, err
	}
	switch kind {
	case srNone:
		return nil, nil
	case srAwaitTask:
		target, err := rd.readUint64()
		if err != nil {
			return nil, err
		}
		return scheduler.AwaitTaskReason{Target: scheduler.ID(target)}, nil
	case srWaitAll:
		ids, err := readIDs(rd)
		if err != nil {
			return nil, err
		}
		return scheduler.WaitAllReason{Targets: ids}, nil
	case srWaitAny:
		ids, err := readIDs(rd)
		if err != nil {
			return nil, err
		}
		return scheduler.WaitAnyReason{Targets: ids}, nil
	case srSleep:
		ns, err := rd.readInt64()
		if err != nil {
			return nil, err
		}
		return scheduler.SleepReason{Until: time.Unix(0, ns)}, nil
	case srWaitMutex:
		id, err := rd.readUint64()
		if err != nil {
			return nil, err
		}
		return scheduler.WaitMutexReason{MutexID: id}, nil
	case srWaitRecv:
		id, err := rd.readUint64()
		if err != nil {
			return nil, err
		}
		return scheduler.WaitChannelRecvReason{ChannelID: id}, nil
	case srWaitSend:
		id, err := rd.readUint64()
		if err != nil {
			return nil, err
		}
		v, err := rd.readValue()
		if err != nil {
			return nil, err
		}
		return scheduler.WaitChannelSendReason{ChannelID: id, Value: v}, nil
	case srCancelled:
		return scheduler.CancelledReason{}, nil
	case srYield:
		return scheduler.YieldReason{}, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown suspend reason code %d", kind)
	}
}

func readIDs(rd *Reader) ([]scheduler.ID, error) {
	n, err := rd.readUint32()
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.ID, n)
	for i := range out {
		v, err := rd.readUint64()
		if err != nil {
			return nil, err
		}
		out[i] = scheduler.ID(v)
	}
	return out, nil
}

func (rd *Reader) readMutexes(d *dump) error {
	n, err := rd.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		id, err := rd.readUint64()
		if err != nil {
			return err
		}
		locked, err := rd.readBool()
		if err != nil {
			return err
		}
		hasOwner, err := rd.readBool()
		if err != nil {
			return err
		}
		owner, err := rd.readUint64()
		if err != nil {
			return err
		}
		d.mutexes = append(d.mutexes, mutexRec{
			id:       sync2.ID(id),
			locked:   locked,
			hasOwner: hasOwner,
			owner:    scheduler.ID(owner),
		})
	}
	return nil
}

func (rd *Reader) readChans(d *dump) error {
	n, err := rd.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		id, err := rd.readUint64()
		if err != nil {
			return err
		}
		capacity, err := rd.readInt64()
		if err != nil {
			return err
		}
		closed, err := rd.readBool()
		if err != nil {
			return err
		}
		buffer, err := rd.readValues()
		if err != nil {
			return err
		}
		d.chans = append(d.chans, chanRec{
			id:       sync2.ChanID(id),
			capacity: int(capacity),
			closed:   closed,
			buffer:   buffer,
		})
	}
	return nil
}
