package module

import (
	"bytes"
	"testing"
)

func sampleModule() *Module {
	return &Module{
		Name:   "sample",
		Header: Header{Version: CurrentVersion},
		Constants: ConstantPool{
			Strings: []string{"main", "helper"},
			Ints:    []int32{1, -2, 3},
			Floats:  []float64{1.5, -2.25},
		},
		Functions: []Function{
			{NameIdx: 0, ParamCount: 0, LocalCount: 2, CodeOffset: 0, CodeLength: 4,
				Handlers: []ExceptionHandler{{StartPC: 0, EndPC: 3, HandlerPC: 3}}},
			{NameIdx: 1, ParamCount: 1, LocalCount: 1, CodeOffset: 4, CodeLength: 2},
		},
		Types: []TypeEntry{
			{FieldCount: 2, PointerBitmap: []bool{true, false}, VTable: []int{0, 1}, ParentTypeID: -1, FinalizerIdx: -1},
		},
		Classes: []ClassEntry{
			{TypeID: 0, Methods: []int{0, 1}},
		},
		Code: []byte{1, 2, 3, 4, 5, 6},
		Exports: []Export{
			{NameIdx: 0, Kind: ExportFunction, Index: 0},
		},
		EntryPoint: 0,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := sampleModule()
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.Name != m.Name {
		t.Errorf("Name = %q, want %q", got.Name, m.Name)
	}
	if len(got.Constants.Strings) != 2 || got.Constants.Strings[1] != "helper" {
		t.Errorf("Constants.Strings = %v", got.Constants.Strings)
	}
	if len(got.Functions) != 2 || got.Functions[1].LocalCount != 1 {
		t.Errorf("Functions = %+v", got.Functions)
	}
	if len(got.Types) != 1 || !got.Types[0].PointerBitmap[0] || got.Types[0].PointerBitmap[1] {
		t.Errorf("Types = %+v", got.Types)
	}
	if !bytes.Equal(got.Code, m.Code) {
		t.Errorf("Code = %v, want %v", got.Code, m.Code)
	}
	if len(got.Exports) != 1 || got.Exports[0].Kind != ExportFunction {
		t.Errorf("Exports = %+v", got.Exports)
	}
	if len(got.Functions[0].Handlers) != 1 || got.Functions[0].Handlers[0].HandlerPC != 3 {
		t.Errorf("Handlers = %+v", got.Functions[0].Handlers)
	}
	if h, ok := got.Functions[0].HandlerFor(2); !ok || h.HandlerPC != 3 {
		t.Errorf("HandlerFor(2) = %+v, %v", h, ok)
	}
	if _, ok := got.Functions[0].HandlerFor(3); ok {
		t.Error("HandlerFor(3) matched past the region's end")
	}
}

func TestReadRejectsOutOfBoundsExceptionHandler(t *testing.T) {
	m := sampleModule()
	m.Functions[0].Handlers = []ExceptionHandler{{StartPC: 0, EndPC: 3, HandlerPC: 99}}
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := NewReader(&buf).Read(); err == nil {
		t.Fatal("Read accepted a handler target beyond the function body")
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NOPE0000000000000")
	if _, err := NewReader(buf).Read(); err != ErrBadMagic {
		t.Fatalf("Read with bad magic = %v, want ErrBadMagic", err)
	}
}

func TestReadRejectsVersionMismatch(t *testing.T) {
	m := sampleModule()
	m.Header.Version = CurrentVersion + 1
	var buf bytes.Buffer
	// Write doesn't consult m.Header.Version itself (it always emits
	// m.Header.Version as given), so a future-versioned module still
	// serializes; the reader must be what rejects it.
	if err := NewWriter(&buf).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, err := NewReader(&buf).Read()
	if err == nil {
		t.Fatal("Read accepted a mismatched version")
	}
}

func TestReadRejectsCorruptedChecksum(t *testing.T) {
	m := sampleModule()
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data := buf.Bytes()
	// Flip a byte inside the trailing EntryPoint field, just before the
	// checksum footer: this alters no length-prefixed segment, so parsing
	// still runs to completion and only the checksum comparison fails.
	data[len(data)-5] ^= 0xFF
	if _, err := NewReader(bytes.NewReader(data)).Read(); err != ErrChecksum {
		t.Fatalf("Read with corrupted payload = %v, want ErrChecksum", err)
	}
}

func TestReadRejectsOutOfBoundsVTableIndex(t *testing.T) {
	m := sampleModule()
	m.Types[0].VTable = []int{99}
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := NewReader(&buf).Read(); err == nil {
		t.Fatal("Read accepted a vtable index beyond the function table")
	}
}

func TestFunctionByNameAndResolveExport(t *testing.T) {
	m := sampleModule()
	if idx, ok := m.FunctionByName("helper"); !ok || idx != 1 {
		t.Fatalf("FunctionByName(helper) = %d, %v, want 1, true", idx, ok)
	}
	if _, ok := m.FunctionByName("missing"); ok {
		t.Fatal("FunctionByName(missing) = true")
	}
	if idx, ok := m.ResolveExport("main"); !ok || idx != 0 {
		t.Fatalf("ResolveExport(main) = %d, %v, want 0, true", idx, ok)
	}
	if _, ok := m.ResolveExport("helper"); ok {
		t.Fatal("ResolveExport(helper) = true, want false (not exported)")
	}
}
