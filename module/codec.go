package module

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/rizqme/raya-sub003/value"
)

// Writer serializes a Module to the binary wire format. Segment layout
// mirrors db/writer.go's sequential type-tagged stream: a fixed header
// followed by length-prefixed segments, each read back independently by
// Reader.
type Writer struct {
	w   *bufio.Writer
	crc *crc32Tee
}

type crc32Tee struct {
	io.Writer
	h uint32
}

func (t *crc32Tee) Write(p []byte) (int, error) {
	t.h = crc32.Update(t.h, crc32.IEEETable, p)
	return t.Writer.Write(p)
}

// NewWriter wraps an io.Writer for module serialization.
func NewWriter(w io.Writer) *Writer {
	tee := &crc32Tee{Writer: w}
	return &Writer{w: bufio.NewWriter(tee), crc: tee}
}

func (w *Writer) writeU32(v uint32) error { return binary.Write(w.w, binary.LittleEndian, v) }
func (w *Writer) writeI32(v int32) error  { return binary.Write(w.w, binary.LittleEndian, v) }
func (w *Writer) writeF64(v float64) error { return binary.Write(w.w, binary.LittleEndian, v) }

func (w *Writer) writeString(s string) error {
	if err := w.writeU32(uint32(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

func (w *Writer) writeBytes(b []byte) error {
	if err := w.writeU32(uint32(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

// Write serializes m in full: magic, version and flags, then every
// segment, then a CRC32 over all of those bytes (magic included) as a
// trailing footer word that the reader recomputes and compares.
// m.Header.Checksum is not written; the header on the wire is 12 bytes
// and carries no checksum field.
func (w *Writer) Write(m *Module) error {
	if _, err := w.w.Write([]byte(Magic)); err != nil {
		return err
	}
	if err := w.writeU32(m.Header.Version); err != nil {
		return err
	}
	if err := w.writeU32(m.Header.Flags); err != nil {
		return err
	}

	if err := w.writeString(m.Name); err != nil {
		return err
	}

	// Constant pool.
	if err := w.writeU32(uint32(len(m.Constants.Strings))); err != nil {
		return err
	}
	for _, s := range m.Constants.Strings {
		if err := w.writeString(s); err != nil {
			return err
		}
	}
	if err := w.writeU32(uint32(len(m.Constants.Ints))); err != nil {
		return err
	}
	for _, i := range m.Constants.Ints {
		if err := w.writeI32(i); err != nil {
			return err
		}
	}
	if err := w.writeU32(uint32(len(m.Constants.Floats))); err != nil {
		return err
	}
	for _, f := range m.Constants.Floats {
		if err := w.writeF64(f); err != nil {
			return err
		}
	}

	// Function table.
	if err := w.writeU32(uint32(len(m.Functions))); err != nil {
		return err
	}
	for _, fn := range m.Functions {
		if err := w.writeU32(uint32(fn.NameIdx)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(fn.ParamCount)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(fn.LocalCount)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(fn.CodeOffset)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(fn.CodeLength)); err != nil {
			return err
		}
		if err := w.writeU32(fn.Flags); err != nil {
			return err
		}
		if err := w.writeU32(uint32(len(fn.Handlers))); err != nil {
			return err
		}
		for _, h := range fn.Handlers {
			if err := w.writeU32(uint32(h.StartPC)); err != nil {
				return err
			}
			if err := w.writeU32(uint32(h.EndPC)); err != nil {
				return err
			}
			if err := w.writeU32(uint32(h.HandlerPC)); err != nil {
				return err
			}
		}
	}

	// Type table.
	if err := w.writeU32(uint32(len(m.Types))); err != nil {
		return err
	}
	for _, t := range m.Types {
		if err := w.writeU32(uint32(t.FieldCount)); err != nil {
			return err
		}
		for _, bit := range t.PointerBitmap {
			b := byte(0)
			if bit {
				b = 1
			}
			if err := w.w.WriteByte(b); err != nil {
				return err
			}
		}
		if err := w.writeU32(uint32(len(t.VTable))); err != nil {
			return err
		}
		for _, v := range t.VTable {
			if err := w.writeU32(uint32(v)); err != nil {
				return err
			}
		}
		if err := w.writeI32(int32(t.ParentTypeID)); err != nil {
			return err
		}
		if err := w.writeI32(int32(t.FinalizerIdx)); err != nil {
			return err
		}
	}

	// Class table.
	if err := w.writeU32(uint32(len(m.Classes))); err != nil {
		return err
	}
	for _, c := range m.Classes {
		if err := w.writeU32(uint32(c.TypeID)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(len(c.Methods))); err != nil {
			return err
		}
		for _, mi := range c.Methods {
			if err := w.writeU32(uint32(mi)); err != nil {
				return err
			}
		}
	}

	// Bytecode.
	if err := w.writeBytes(m.Code); err != nil {
		return err
	}

	// Export table.
	if err := w.writeU32(uint32(len(m.Exports))); err != nil {
		return err
	}
	for _, e := range m.Exports {
		if err := w.writeU32(uint32(e.NameIdx)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(e.Kind)); err != nil {
			return err
		}
		if err := w.writeU32(uint32(e.Index)); err != nil {
			return err
		}
	}

	if err := w.writeI32(int32(m.EntryPoint)); err != nil {
		return err
	}

	if err := w.w.Flush(); err != nil {
		return err
	}
	// Footer checksum over everything written above.
	return binary.Write(w.crc.Writer, binary.LittleEndian, w.crc.h)
}

// Reader parses the binary wire format back into a Module, performing
// bit-exact validation before returning a usable value: magic, version
// range, and table-index bounds.
type Reader struct {
	r   *bufio.Reader
	crc uint32
}

// NewReader wraps an io.Reader for module deserialization.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) readU32() (uint32, error) {
	var v uint32
	err := binary.Read(r.r, binary.LittleEndian, &v)
	if err == nil {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		r.crc = crc32.Update(r.crc, crc32.IEEETable, buf[:])
	}
	return v, err
}

func (r *Reader) readI32() (int32, error) {
	v, err := r.readU32()
	return int32(v), err
}

func (r *Reader) readF64() (float64, error) {
	var v float64
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	r.crc = crc32.Update(r.crc, crc32.IEEETable, buf[:])
	return v, nil
}

func (r *Reader) readString() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	r.crc = crc32.Update(r.crc, crc32.IEEETable, buf)
	return string(buf), nil
}

func (r *Reader) readBytes() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	r.crc = crc32.Update(r.crc, crc32.IEEETable, buf)
	return buf, nil
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err == nil {
		r.crc = crc32.Update(r.crc, crc32.IEEETable, []byte{b})
	}
	return b, err
}

// ErrBadMagic, ErrVersion, ErrTruncated, ErrChecksum, ErrBounds are the
// fatal-error conditions load-time validation distinguishes.
var (
	ErrBadMagic  = fmt.Errorf("module: bad magic")
	ErrVersion   = fmt.Errorf("module: unsupported version")
	ErrTruncated = fmt.Errorf("module: truncated stream")
	ErrChecksum  = fmt.Errorf("module: checksum mismatch")
	ErrBounds    = fmt.Errorf("module: table index out of bounds")
)

// Read parses and validates a Module.
func (r *Reader) Read() (*Module, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	r.crc = crc32.Update(r.crc, crc32.IEEETable, magic[:])
	if string(magic[:]) != Magic {
		return nil, ErrBadMagic
	}

	version, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrVersion, version, CurrentVersion)
	}
	flags, err := r.readU32()
	if err != nil {
		return nil, err
	}

	m := &Module{Header: Header{Version: version, Flags: flags}}
	copy(m.Header.Magic[:], magic[:])

	if m.Name, err = r.readString(); err != nil {
		return nil, err
	}

	nStrings, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Constants.Strings = make([]string, nStrings)
	for i := range m.Constants.Strings {
		if m.Constants.Strings[i], err = r.readString(); err != nil {
			return nil, err
		}
	}
	nInts, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Constants.Ints = make([]int32, nInts)
	for i := range m.Constants.Ints {
		if m.Constants.Ints[i], err = r.readI32(); err != nil {
			return nil, err
		}
	}
	nFloats, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Constants.Floats = make([]float64, nFloats)
	for i := range m.Constants.Floats {
		if m.Constants.Floats[i], err = r.readF64(); err != nil {
			return nil, err
		}
	}

	nFns, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Functions = make([]Function, nFns)
	for i := range m.Functions {
		fn := &m.Functions[i]
		var v uint32
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		fn.NameIdx = int(v)
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		fn.ParamCount = int(v)
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		fn.LocalCount = int(v)
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		fn.CodeOffset = int(v)
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		fn.CodeLength = int(v)
		if fn.Flags, err = r.readU32(); err != nil {
			return nil, err
		}
		var nh uint32
		if nh, err = r.readU32(); err != nil {
			return nil, err
		}
		fn.Handlers = make([]ExceptionHandler, nh)
		for j := range fn.Handlers {
			h := &fn.Handlers[j]
			if v, err = r.readU32(); err != nil {
				return nil, err
			}
			h.StartPC = int(v)
			if v, err = r.readU32(); err != nil {
				return nil, err
			}
			h.EndPC = int(v)
			if v, err = r.readU32(); err != nil {
				return nil, err
			}
			h.HandlerPC = int(v)
		}
		if len(fn.Handlers) == 0 {
			fn.Handlers = nil
		}
		if fn.NameIdx < 0 || fn.NameIdx >= len(m.Constants.Strings) {
			return nil, fmt.Errorf("%w: function %d nameIdx", ErrBounds, i)
		}
	}

	nTypes, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Types = make([]TypeEntry, nTypes)
	for i := range m.Types {
		t := &m.Types[i]
		var fc uint32
		if fc, err = r.readU32(); err != nil {
			return nil, err
		}
		t.FieldCount = int(fc)
		t.PointerBitmap = make([]bool, fc)
		for j := range t.PointerBitmap {
			b, err := r.readByte()
			if err != nil {
				return nil, err
			}
			t.PointerBitmap[j] = b != 0
		}
		var vc uint32
		if vc, err = r.readU32(); err != nil {
			return nil, err
		}
		t.VTable = make([]int, vc)
		for j := range t.VTable {
			v, err := r.readU32()
			if err != nil {
				return nil, err
			}
			t.VTable[j] = int(v)
			if t.VTable[j] < 0 || t.VTable[j] >= len(m.Functions) {
				return nil, fmt.Errorf("%w: type %d vtable[%d]", ErrBounds, i, j)
			}
		}
		var parent, fin int32
		if parent, err = r.readI32(); err != nil {
			return nil, err
		}
		if fin, err = r.readI32(); err != nil {
			return nil, err
		}
		t.ParentTypeID = int(parent)
		t.FinalizerIdx = int(fin)
		if t.FinalizerIdx >= len(m.Functions) || t.FinalizerIdx < -1 {
			return nil, fmt.Errorf("%w: type %d finalizer index", ErrBounds, i)
		}
	}

	nClasses, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Classes = make([]ClassEntry, nClasses)
	for i := range m.Classes {
		c := &m.Classes[i]
		tid, err := r.readU32()
		if err != nil {
			return nil, err
		}
		if int(tid) >= len(m.Types) {
			return nil, fmt.Errorf("%w: class %d typeId", ErrBounds, i)
		}
		c.TypeID = value.TypeID(tid)
		nm, err := r.readU32()
		if err != nil {
			return nil, err
		}
		c.Methods = make([]int, nm)
		for j := range c.Methods {
			v, err := r.readU32()
			if err != nil {
				return nil, err
			}
			c.Methods[j] = int(v)
		}
	}

	if m.Code, err = r.readBytes(); err != nil {
		return nil, err
	}

	nExports, err := r.readU32()
	if err != nil {
		return nil, err
	}
	m.Exports = make([]Export, nExports)
	for i := range m.Exports {
		e := &m.Exports[i]
		v, err := r.readU32()
		if err != nil {
			return nil, err
		}
		e.NameIdx = int(v)
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		e.Kind = ExportKind(v)
		if v, err = r.readU32(); err != nil {
			return nil, err
		}
		e.Index = int(v)
	}

	ep, err := r.readI32()
	if err != nil {
		return nil, err
	}
	m.EntryPoint = int(ep)

	computed := r.crc
	var stored uint32
	if err := binary.Read(r.r, binary.LittleEndian, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if stored != computed {
		return nil, ErrChecksum
	}

	for _, fn := range m.Functions {
		if fn.CodeOffset < 0 || fn.CodeOffset+fn.CodeLength > len(m.Code) {
			return nil, fmt.Errorf("%w: function code range", ErrBounds)
		}
		for _, h := range fn.Handlers {
			if h.StartPC < 0 || h.EndPC < h.StartPC || h.EndPC > fn.CodeLength ||
				h.HandlerPC < 0 || h.HandlerPC >= fn.CodeLength {
				return nil, fmt.Errorf("%w: exception handler range", ErrBounds)
			}
		}
	}

	return m, nil
}
