package snapshot_test

import (
	"bytes"
	"testing"

	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/snapshot"
	"github.com/rizqme/raya-sub003/value"
	"github.com/rizqme/raya-sub003/vmcontext"
)

func newTestContext(t *testing.T) *vmcontext.Context {
	t.Helper()
	ctx, err := vmcontext.New(vmcontext.Options{Name: "test", Workers: 1})
	if err != nil {
		t.Fatalf("vmcontext.New: %v", err)
	}
	return ctx
}

func TestRoundTripHeapAndGlobals(t *testing.T) {
	src := newTestContext(t)

	heap := src.Heap()
	strPtr := heap.InternString([]byte("hello"))
	objPtr := heap.AllocateObject(7, 2)
	obj := heap.Object(objPtr)
	obj.Slots[0] = value.FromInt(42)
	obj.Slots[1] = value.FromPointer(strPtr)

	src.SetGlobal(0, value.FromPointer(objPtr))
	src.SetGlobal(1, value.FromBool(true))

	var buf bytes.Buffer
	if err := snapshot.NewWriter(&buf).Write(src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := newTestContext(t)
	if _, err := snapshot.NewReader(&buf).Restore(dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	globals := dst.Globals()
	if len(globals) != 2 {
		t.Fatalf("expected 2 globals, got %d", len(globals))
	}
	if !globals[1].AsBool() {
		t.Fatalf("expected globals[1] to be true")
	}

	restoredObj := dst.Heap().Object(globals[0].AsPointer())
	if restoredObj == nil {
		t.Fatalf("restored object missing")
	}
	if restoredObj.TypeID != 7 {
		t.Fatalf("expected TypeID 7, got %d", restoredObj.TypeID)
	}
	if restoredObj.Slots[0].AsInt() != 42 {
		t.Fatalf("expected slot 0 == 42, got %d", restoredObj.Slots[0].AsInt())
	}
	restoredStr := dst.Heap().StringAt(restoredObj.Slots[1].AsPointer())
	if restoredStr == nil || string(restoredStr.Bytes) != "hello" {
		t.Fatalf("expected restored string %q, got %v", "hello", restoredStr)
	}
}

func TestCorruptedChecksumRejectedBeforeInstall(t *testing.T) {
	src := newTestContext(t)
	src.SetGlobal(0, value.FromInt(1))

	var buf bytes.Buffer
	if err := snapshot.NewWriter(&buf).Write(src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)/2] ^= 0xFF // corrupt a payload byte mid-stream

	dst := newTestContext(t)
	_, err := snapshot.NewReader(bytes.NewReader(raw)).Restore(dst)
	if err == nil {
		t.Fatal("corrupted dump restored without error")
	}
	if got := dst.Globals(); len(got) != 0 {
		t.Fatalf("failed restore installed state anyway: globals = %v", got)
	}
}

// TestRestoreRehydratesChannelWaiter covers the mid-wait snapshot scenario:
// a Task parked on an empty channel's receive queue must, after restore
// into a fresh runtime, be woken by the first send exactly as it would have
// been in the original.
func TestRestoreRehydratesChannelWaiter(t *testing.T) {
	src := newTestContext(t)
	chanID := src.Channels().New(0)

	waiter := src.Scheduler().NewTask(src.ID, 100)
	waiter.Status = scheduler.Blocked
	waiter.SuspendReason = scheduler.WaitChannelRecvReason{ChannelID: uint64(chanID)}

	var buf bytes.Buffer
	if err := snapshot.NewWriter(&buf).Write(src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := newTestContext(t)
	if _, err := snapshot.NewReader(&buf).Restore(dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored := dst.Scheduler().Lookup(waiter.ID)
	if restored == nil {
		t.Fatal("waiter task missing after restore")
	}
	if got := restored.GetStatus(); got != scheduler.Blocked {
		t.Fatalf("restored waiter status = %v, want Blocked", got)
	}

	res := dst.Channels().Send(chanID, value.FromInt(23), scheduler.ID(999))
	if !res.Done {
		t.Fatalf("Send after restore = %+v, want direct hand-off to the rehydrated waiter", res)
	}
	if got := restored.GetStatus(); got != scheduler.Ready {
		t.Fatalf("rehydrated waiter status after send = %v, want Ready", got)
	}
	if got := restored.Result.AsInt(); got != 23 {
		t.Fatalf("rehydrated waiter received %d, want 23", got)
	}
}

// TestRestoreRehydratesPendingSender is the sender-side counterpart: a Task
// parked mid-send on a full bounded channel must have its pending value
// delivered after restore once a receiver drains the buffer.
func TestRestoreRehydratesPendingSender(t *testing.T) {
	src := newTestContext(t)
	chanID := src.Channels().New(1)
	if res := src.Channels().Send(chanID, value.FromInt(1), scheduler.ID(50)); !res.Done {
		t.Fatalf("buffering send = %+v, want Done", res)
	}

	sender := src.Scheduler().NewTask(src.ID, 100)
	sender.Status = scheduler.Blocked
	sender.SuspendReason = scheduler.WaitChannelSendReason{ChannelID: uint64(chanID), Value: value.FromInt(2)}

	var buf bytes.Buffer
	if err := snapshot.NewWriter(&buf).Write(src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := newTestContext(t)
	if _, err := snapshot.NewReader(&buf).Restore(dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	first := dst.Channels().Recv(chanID, scheduler.ID(60))
	if !first.Ready || first.Value.AsInt() != 1 {
		t.Fatalf("first Recv after restore = %+v, want buffered 1", first)
	}
	second := dst.Channels().Recv(chanID, scheduler.ID(60))
	if !second.Ready || second.Value.AsInt() != 2 {
		t.Fatalf("second Recv after restore = %+v, want the rehydrated pending send's 2", second)
	}
	restoredSender := dst.Scheduler().Lookup(sender.ID)
	if got := restoredSender.GetStatus(); got != scheduler.Ready {
		t.Fatalf("rehydrated sender status after drain = %v, want Ready", got)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/manifest.yaml"
	m := snapshot.Manifest{
		FormatVersion: snapshot.FormatVersion,
		EntryModule:   "main",
		TaskCount:     3,
		ObjectCount:   10,
	}
	if err := snapshot.WriteManifestFile(path, m); err != nil {
		t.Fatalf("WriteManifestFile: %v", err)
	}
	got, err := snapshot.LoadManifestFile(path)
	if err != nil {
		t.Fatalf("LoadManifestFile: %v", err)
	}
	if got != m {
		t.Fatalf("manifest round-trip mismatch: got %+v, want %+v", got, m)
	}
}
