package sync2

import (
	"sync"
	"testing"

	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/value"
)

func TestChannelUnboundedFIFO(t *testing.T) {
	sched := newTestScheduler()
	reg := NewChanRegistry(sched)
	id := reg.New(0)

	for i := int32(0); i < 3; i++ {
		res := reg.Send(id, value.FromInt(i), scheduler.ID(1))
		if !res.Done {
			t.Fatalf("Send(%d) on unbounded channel did not complete immediately", i)
		}
	}
	if n := reg.Length(id); n != 3 {
		t.Fatalf("Length = %d, want 3", n)
	}

	for i := int32(0); i < 3; i++ {
		res := reg.Recv(id, scheduler.ID(2))
		if !res.Ready {
			t.Fatalf("Recv() not ready, want buffered value %d", i)
		}
		if got := res.Value.AsInt(); got != i {
			t.Fatalf("Recv() = %d, want %d (FIFO order)", got, i)
		}
	}

	// Channel now empty and open: Recv must suspend, not return Closed.
	res := reg.Recv(id, scheduler.ID(2))
	if res.Ready || res.Closed {
		t.Fatalf("Recv on empty open channel = %+v, want suspend", res)
	}
}

func TestChannelCloseDrainsThenReturnsClosed(t *testing.T) {
	sched := newTestScheduler()
	reg := NewChanRegistry(sched)
	id := reg.New(0)

	reg.Send(id, value.FromInt(1), scheduler.ID(1))
	reg.Close(id)

	res := reg.Recv(id, scheduler.ID(2))
	if !res.Ready || res.Value.AsInt() != 1 {
		t.Fatalf("Recv after Close did not drain buffered value, got %+v", res)
	}

	res = reg.Recv(id, scheduler.ID(2))
	if !res.Closed {
		t.Fatalf("Recv on closed, empty channel = %+v, want Closed", res)
	}

	if res2 := reg.Send(id, value.FromInt(2), scheduler.ID(1)); res2.Err != ErrClosedChannel {
		t.Fatalf("Send on closed channel = %+v, want ErrClosedChannel", res2)
	}
}

func TestChannelBoundedBackpressure(t *testing.T) {
	sched := newTestScheduler()
	reg := NewChanRegistry(sched)
	id := reg.New(1)

	if res := reg.Send(id, value.FromInt(1), scheduler.ID(1)); !res.Done {
		t.Fatalf("first Send into capacity-1 channel did not complete, got %+v", res)
	}

	res := reg.Send(id, value.FromInt(2), scheduler.ID(1))
	if res.Done {
		t.Fatal("second Send into a full bounded channel completed instead of suspending")
	}
	if res.Reason.ChannelID != uint64(id) || res.Reason.Value.AsInt() != 2 {
		t.Fatalf("WaitChannelSendReason = %+v, want channel %d carrying 2", res.Reason, id)
	}

	recv1 := reg.Recv(id, scheduler.ID(2))
	if !recv1.Ready || recv1.Value.AsInt() != 1 {
		t.Fatalf("first Recv = %+v, want 1", recv1)
	}
	// Draining the buffer must promote the queued sender's value into it.
	if n := reg.Length(id); n != 1 {
		t.Fatalf("Length after promoting queued sender = %d, want 1", n)
	}

	recv2 := reg.Recv(id, scheduler.ID(2))
	if !recv2.Ready || recv2.Value.AsInt() != 2 {
		t.Fatalf("second Recv = %+v, want 2 (promoted from pending sender)", recv2)
	}
}

func TestChannelDirectHandoffSkipsBuffer(t *testing.T) {
	sched := newTestScheduler()
	reg := NewChanRegistry(sched)
	id := reg.New(0)

	// A receiver parks first on the empty channel.
	recvRes := reg.Recv(id, scheduler.ID(2))
	if recvRes.Ready || recvRes.Closed {
		t.Fatalf("Recv on empty channel = %+v, want suspend", recvRes)
	}

	sendRes := reg.Send(id, value.FromInt(7), scheduler.ID(1))
	if !sendRes.Done {
		t.Fatalf("Send to a channel with a waiting receiver = %+v, want Done", sendRes)
	}
	if n := reg.Length(id); n != 0 {
		t.Fatalf("Length after direct hand-off = %d, want 0 (value bypassed the buffer)", n)
	}
}

func TestChannelTrySendTryRecv(t *testing.T) {
	sched := newTestScheduler()
	reg := NewChanRegistry(sched)
	id := reg.New(1)

	ok, err := reg.TrySend(id, value.FromInt(1))
	if !ok || err != nil {
		t.Fatalf("TrySend on empty bounded channel = %v, %v", ok, err)
	}
	ok, err = reg.TrySend(id, value.FromInt(2))
	if ok || err != nil {
		t.Fatalf("TrySend on full bounded channel = %v, %v, want false, nil", ok, err)
	}

	v, ok, closed := reg.TryRecv(id)
	if !ok || closed || v.AsInt() != 1 {
		t.Fatalf("TryRecv = %v, %v, %v, want 1, true, false", v, ok, closed)
	}
	_, ok, closed = reg.TryRecv(id)
	if ok || closed {
		t.Fatalf("TryRecv on empty open channel = _, %v, %v, want false, false", ok, closed)
	}
}

// TestChannelProducerConsumer mirrors the end-to-end producer/consumer
// scenario: N producers each send a distinct int once on a shared
// unbounded channel, one consumer drains N values; the sum must match
// regardless of interleaving.
func TestChannelProducerConsumer(t *testing.T) {
	sched := newTestScheduler()
	reg := NewChanRegistry(sched)
	id := reg.New(0)

	const n = 9 // sum 1..9 == 45, matching the canonical scenario total
	var wg sync.WaitGroup
	wg.Add(n)
	for i := int32(1); i <= n; i++ {
		go func(i int32) {
			defer wg.Done()
			reg.Send(id, value.FromInt(i), scheduler.ID(i))
		}(i)
	}
	wg.Wait()

	sum := int32(0)
	for i := 0; i < n; i++ {
		res := reg.Recv(id, scheduler.ID(100))
		if !res.Ready {
			t.Fatalf("Recv %d not ready: %+v", i, res)
		}
		sum += res.Value.AsInt()
	}
	if sum != 45 {
		t.Fatalf("sum = %d, want 45", sum)
	}
}
