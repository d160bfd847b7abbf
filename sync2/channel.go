package sync2

import (
	"fmt"
	"sync"

	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/value"
)

// ChanID identifies a Channel within a ChanRegistry.
type ChanID uint64

type pendingSend struct {
	task scheduler.ID
	val  value.Value
}

// Channel is a typed FIFO queue supporting bounded/unbounded, closeable
// operation, integrated with the scheduler for blocking waits. Direct
// hand-off between a waiting receiver and a waiting sender is always
// preferred over using the buffer.
type Channel struct {
	mu        sync.Mutex
	id        ChanID
	capacity  int // 0 = unbounded
	buffer    []value.Value
	receivers []scheduler.ID
	senders   []pendingSend
	closed    bool
}

// ChanRegistry owns every Channel created within one VM context.
type ChanRegistry struct {
	mu     sync.Mutex
	nextID uint64
	chans  map[ChanID]*Channel
	sched  *scheduler.Scheduler
}

// NewChanRegistry creates a Channel registry bound to a scheduler.
func NewChanRegistry(sched *scheduler.Scheduler) *ChanRegistry {
	return &ChanRegistry{chans: make(map[ChanID]*Channel), sched: sched}
}

// New creates a channel with the given capacity (0 = unbounded).
func (r *ChanRegistry) New(capacity int) ChanID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := ChanID(r.nextID)
	r.chans[id] = &Channel{id: id, capacity: capacity}
	return id
}

func (r *ChanRegistry) get(id ChanID) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chans[id]
}

// ErrClosedChannel is the runtime error for sending on a closed channel.
var ErrClosedChannel = fmt.Errorf("sync2: send on closed channel")

// ErrNoSuchChannel is returned for an id that names no live channel.
var ErrNoSuchChannel = fmt.Errorf("sync2: no such channel")

// SendResult reports whether Send completed immediately or the caller must
// suspend with the returned reason.
type SendResult struct {
	Done   bool
	Err    error
	Reason scheduler.WaitChannelSendReason
}

// Send implements the channel send semantics under the channel lock: if
// closed, error. If a receiver is waiting, hand off directly (skip the
// buffer) and wake it. Otherwise, if unbounded or the buffer has room,
// append and return. Otherwise suspend with WaitChannelSend.
func (r *ChanRegistry) Send(id ChanID, v value.Value, task scheduler.ID) SendResult {
	c := r.get(id)
	if c == nil {
		return SendResult{Err: ErrNoSuchChannel}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return SendResult{Err: ErrClosedChannel}
	}
	if len(c.receivers) > 0 {
		recv := c.receivers[0]
		c.receivers = c.receivers[1:]
		c.mu.Unlock()
		r.sched.Wake(recv, v)
		return SendResult{Done: true}
	}
	if c.capacity == 0 || len(c.buffer) < c.capacity {
		c.buffer = append(c.buffer, v)
		c.mu.Unlock()
		return SendResult{Done: true}
	}
	c.senders = append(c.senders, pendingSend{task: task, val: v})
	c.mu.Unlock()
	return SendResult{Reason: scheduler.WaitChannelSendReason{ChannelID: uint64(id), Value: v}}
}

// TrySend is the non-suspending variant: returns false instead of
// suspending when the channel would block.
func (r *ChanRegistry) TrySend(id ChanID, v value.Value) (ok bool, err error) {
	c := r.get(id)
	if c == nil {
		return false, ErrNoSuchChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosedChannel
	}
	if len(c.receivers) > 0 {
		recv := c.receivers[0]
		c.receivers = c.receivers[1:]
		c.mu.Unlock()
		r.sched.Wake(recv, v)
		c.mu.Lock()
		return true, nil
	}
	if c.capacity == 0 || len(c.buffer) < c.capacity {
		c.buffer = append(c.buffer, v)
		return true, nil
	}
	return false, nil
}

// RecvResult reports the outcome of Recv: a value, the "channel closed and
// drained" null case, or a suspend reason.
type RecvResult struct {
	Value   value.Value
	Ready   bool // Value is meaningful
	Closed  bool // channel closed and empty: Value is the null result
	Reason  scheduler.WaitChannelRecvReason
}

// Recv implements the channel receive semantics under the channel lock: if
// the buffer is non-empty, pop the head and, if a bounded sender is
// waiting, promote its value into the buffer and wake it. If the buffer is
// empty and the channel is closed, return the null result. Otherwise
// suspend with WaitChannelRecv.
func (r *ChanRegistry) Recv(id ChanID, task scheduler.ID) RecvResult {
	c := r.get(id)
	if c == nil {
		return RecvResult{Closed: true}
	}
	c.mu.Lock()
	if len(c.buffer) > 0 {
		v := c.buffer[0]
		c.buffer = c.buffer[1:]
		if len(c.senders) > 0 {
			ps := c.senders[0]
			c.senders = c.senders[1:]
			c.buffer = append(c.buffer, ps.val)
			c.mu.Unlock()
			r.sched.Wake(ps.task, value.FromBool(true))
			return RecvResult{Value: v, Ready: true}
		}
		c.mu.Unlock()
		return RecvResult{Value: v, Ready: true}
	}
	if len(c.senders) > 0 {
		// A sender is parked but the buffer is empty. Send never parks a
		// sender on an unbounded (capacity 0) channel, so this is a
		// bounded channel: hand the parked value over directly.
		ps := c.senders[0]
		c.senders = c.senders[1:]
		c.mu.Unlock()
		r.sched.Wake(ps.task, value.FromBool(true))
		return RecvResult{Value: ps.val, Ready: true}
	}
	if c.closed {
		c.mu.Unlock()
		return RecvResult{Closed: true}
	}
	c.receivers = append(c.receivers, task)
	c.mu.Unlock()
	return RecvResult{Reason: scheduler.WaitChannelRecvReason{ChannelID: uint64(id)}}
}

// TryRecv is the non-suspending variant.
func (r *ChanRegistry) TryRecv(id ChanID) (v value.Value, ok bool, closed bool) {
	c := r.get(id)
	if c == nil {
		return value.Null, false, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) > 0 {
		v := c.buffer[0]
		c.buffer = c.buffer[1:]
		if len(c.senders) > 0 {
			ps := c.senders[0]
			c.senders = c.senders[1:]
			c.buffer = append(c.buffer, ps.val)
			c.mu.Unlock()
			r.sched.Wake(ps.task, value.FromBool(true))
			c.mu.Lock()
		}
		return v, true, false
	}
	if c.closed {
		return value.Null, false, true
	}
	return value.Null, false, false
}

// Close is idempotent: wakes all waiting receivers with the null result,
// wakes all waiting senders with a runtime error, and marks the channel
// closed so further sends error and further receives drain the buffer then
// return null.
func (r *ChanRegistry) Close(id ChanID) {
	c := r.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	senders := c.senders
	c.senders = nil
	c.mu.Unlock()

	for _, recv := range receivers {
		r.sched.Wake(recv, value.Null)
	}
	for _, ps := range senders {
		r.sched.Wake(ps.task, value.FromBool(false))
	}
}

// RemoveReceiver drops task from c's receiver queue — the cancellation
// path, run under the same lock that inserted it.
func (r *ChanRegistry) RemoveReceiver(id ChanID, task scheduler.ID) {
	c := r.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, recv := range c.receivers {
		if recv == task {
			c.receivers = append(c.receivers[:i], c.receivers[i+1:]...)
			return
		}
	}
}

// RemoveSender drops task's pending send from c — the cancellation path.
func (r *ChanRegistry) RemoveSender(id ChanID, task scheduler.ID) {
	c := r.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ps := range c.senders {
		if ps.task == task {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return
		}
	}
}

// RequeueReceiver re-appends a restored Task to c's receiver queue, used
// only by the snapshot loader to rebuild parked waiters.
func (r *ChanRegistry) RequeueReceiver(id ChanID, task scheduler.ID) {
	c := r.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers = append(c.receivers, task)
}

// RequeueSender is RequeueReceiver's counterpart for a parked pending send.
func (r *ChanRegistry) RequeueSender(id ChanID, task scheduler.ID, v value.Value) {
	c := r.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders = append(c.senders, pendingSend{task: task, val: v})
}

// ChanState is a point-in-time snapshot of one Channel's state, read by the
// snapshot writer.
type ChanState struct {
	Capacity int
	Buffer   []value.Value
	Closed   bool
}

// All reports every channel's current state, keyed by ID, for serialization.
func (r *ChanRegistry) All() map[ChanID]ChanState {
	r.mu.Lock()
	ids := make([]ChanID, 0, len(r.chans))
	for id := range r.chans {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	out := make(map[ChanID]ChanState, len(ids))
	for _, id := range ids {
		c := r.get(id)
		c.mu.Lock()
		out[id] = ChanState{Capacity: c.capacity, Buffer: append([]value.Value(nil), c.buffer...), Closed: c.closed}
		c.mu.Unlock()
	}
	return out
}

// Restore reconstructs a Channel at exactly id with the given buffered
// contents, used only by the snapshot loader; receiver/sender queues start
// empty, then the loader rebuilds them with RequeueReceiver/RequeueSender
// from each parked Task's recorded suspend reason.
func (r *ChanRegistry) Restore(id ChanID, capacity int, buffer []value.Value, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[id] = &Channel{id: id, capacity: capacity, buffer: buffer, closed: closed}
	if uint64(id) > r.nextID {
		r.nextID = uint64(id)
	}
}

func (r *ChanRegistry) IsClosed(id ChanID) bool {
	c := r.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (r *ChanRegistry) Length(id ChanID) int {
	c := r.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (r *ChanRegistry) Capacity(id ChanID) int {
	c := r.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Roots returns every value currently buffered or parked behind a pending
// send, across every channel in the registry — a GC root set, since these
// live off any Task's own call stack. Callers only call this during a
// safepoint pause, so no per-channel locking is needed beyond the
// registry's own map lock.
func (r *ChanRegistry) Roots() []value.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []value.Value
	for _, c := range r.chans {
		out = append(out, c.buffer...)
		for _, ps := range c.senders {
			out = append(out, ps.val)
		}
	}
	return out
}
