// Package vmcontext implements the VM context: the isolated, nestable unit
// that owns one heap, one module registry, one scheduler, and the
// mutex/channel/capability registries scoped to it. Multiple contexts can
// nest; heaps, globals, module registries and schedulers are private to
// each, so every context runs its own worker goroutines and contexts do
// not share a worker pool.
package vmcontext

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rizqme/raya-sub003/capability"
	"github.com/rizqme/raya-sub003/execctx"
	"github.com/rizqme/raya-sub003/gc"
	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/opcode"
	"github.com/rizqme/raya-sub003/scheduler"
	"github.com/rizqme/raya-sub003/sync2"
	"github.com/rizqme/raya-sub003/value"
)

var nextContextID uint64

// Context is one isolated VM context: its own heap and scheduler, an
// optional parent for permission/capability inheritance, and the resource
// limits and permission set it was created under.
type Context struct {
	ID       uint64
	Name     string
	parent   *Context
	children []*Context

	mu      sync.RWMutex
	modules map[string]*module.Module
	entry   *module.Module

	heap     *value.Heap
	sched    *scheduler.Scheduler
	mutexes  *sync2.Registry
	channels *sync2.ChanRegistry
	gc       *gc.Collector
	pauser   *execctx.Pauser
	deps     *execctx.Deps
	disp     *opcode.Dispatcher
	caps     *capability.Registry

	limits      Limits
	permissions PermissionSet
	token       PermissionToken

	taskCount  int64
	stepsUsed  int64
	globals    []value.Value
	globalsMu  sync.RWMutex
	constRoots []value.Value // interned constant-pool strings, pinned for GC
	terminated int32
	paused     int32
}

// Options configures New.
type Options struct {
	Name        string
	Workers     int
	Limits      Limits
	Permissions PermissionSet
	Parent      *Context
	// Token, if set, seals Permissions behind a secret: a later child of
	// this context must pass the matching EscalationSecret to New, so a
	// compromised child can't silently relaunch itself with its parent's
	// full grant just by constructing a covering PermissionSet literal.
	Token PermissionToken
	// EscalationSecret authenticates against Parent.Token when Parent has
	// one sealed; ignored when Parent is nil or Parent.Token is the zero
	// value.
	EscalationSecret string
}

// New creates a fresh, isolated VM context: its own heap, mutex/channel
// registries, and a Scheduler of Workers goroutines wired to execctx.RunTask.
// If Parent is set, Permissions must be a subset of the parent's (a child
// context can never hold more authority than its parent) — New returns an
// error rather than silently clamping it. If the
// parent sealed its grant behind a PermissionToken, EscalationSecret must
// also verify against it.
func New(opts Options) (*Context, error) {
	if opts.Parent != nil {
		if !opts.Parent.permissions.Has(PermSpawnContext) {
			return nil, fmt.Errorf("vmcontext: parent lacks the nested-context permission")
		}
		if !opts.Parent.permissions.Covers(opts.Permissions) {
			return nil, fmt.Errorf("vmcontext: child permissions exceed parent's grant")
		}
		if !opts.Parent.token.Verify(opts.EscalationSecret) {
			return nil, fmt.Errorf("vmcontext: escalation secret does not match parent's sealed grant")
		}
	}

	c := &Context{
		ID:          atomic.AddUint64(&nextContextID, 1),
		Name:        opts.Name,
		parent:      opts.Parent,
		modules:     make(map[string]*module.Module),
		heap:        value.NewHeap(),
		limits:      opts.Limits.withDefaults(),
		permissions: opts.Permissions,
		token:       opts.Token,
		pauser:      execctx.NewPauser(),
		caps:        capability.NewRegistry(),
		disp:        opcode.NewDispatcher(),
	}

	c.sched = scheduler.New(opts.Workers, func(t *scheduler.Task) scheduler.StepOutcome {
		return execctx.RunTask(c.deps, c.disp, t)
	})
	c.mutexes = sync2.NewRegistry(c.sched)
	c.channels = sync2.NewChanRegistry(c.sched)
	c.mutexes.Bind(c.ID)
	c.bindDequeueHook()
	c.gc = gc.New(c.heap, nil, c)

	c.deps = &execctx.Deps{
		Heap:              c.heap,
		Modules:           c,
		Objects:           c,
		Mutexes:           c.mutexes,
		Channels:          c.channels,
		Sched:             c.sched,
		GC:                c.gc,
		Pauser:            c.pauser,
		Caps:              c,
		Syncs:             execctx.NewSyncTracker(),
		DefaultStepBudget: c.limits.StepBudget,
		MaxHeapBytes:      c.limits.MaxHeapBytes,
		GCThresholdBytes:  c.limits.GCThresholdBytes,
		OnSpawn:           c.onSpawn,
		AccountSteps:      c.accountSteps,
		OnFatal:           c.onFatal,
	}

	c.sched.SetOnComplete(func(t *scheduler.Task) {
		atomic.AddInt64(&c.taskCount, -1)
	})

	if opts.Parent != nil {
		opts.Parent.mu.Lock()
		opts.Parent.children = append(opts.Parent.children, c)
		opts.Parent.mu.Unlock()
	}
	return c, nil
}

// Start launches the context's scheduler workers.
func (c *Context) Start() { c.sched.Start() }

// bindDequeueHook routes a cancelled Task's mid-wait dequeue to the right
// registry: the scheduler knows the suspend reason, the registries own the
// wait queues.
func (c *Context) bindDequeueHook() {
	scheduler.SetDequeueHook(c.ID, func(taskID scheduler.ID, reason scheduler.SuspendReason) {
		switch r := reason.(type) {
		case scheduler.WaitMutexReason:
			c.mutexes.RemoveWaiter(sync2.ID(r.MutexID), taskID)
		case scheduler.WaitChannelRecvReason:
			c.channels.RemoveReceiver(sync2.ChanID(r.ChannelID), taskID)
		case scheduler.WaitChannelSendReason:
			c.channels.RemoveSender(sync2.ChanID(r.ChannelID), taskID)
		}
	})
}

// onSpawn gates SPAWN-opcode task creation against MaxTasks and the
// terminated flag, mirroring the host-side Spawn checks.
func (c *Context) onSpawn() error {
	if atomic.LoadInt32(&c.terminated) != 0 {
		return fmt.Errorf("vmcontext: context terminated")
	}
	if c.limits.MaxTasks > 0 && atomic.LoadInt64(&c.taskCount) >= int64(c.limits.MaxTasks) {
		return fmt.Errorf("vmcontext: task limit %d reached", c.limits.MaxTasks)
	}
	atomic.AddInt64(&c.taskCount, 1)
	return nil
}

// onFatal handles a fatal runtime condition (allocation failure after a
// forced collection): log a best-effort diagnostic and terminate this
// context — not the process. Termination runs on its own goroutine since
// Terminate joins the worker pool and onFatal is called from a worker.
func (c *Context) onFatal(err error) {
	log.Printf("vmcontext: fatal: context %d (%s): %v", c.ID, c.Name, err)
	go c.Terminate()
}

// accountSteps charges executed instructions against the context's
// cumulative budget. Crossing the budget fails the charging Task and
// terminates the whole context (asynchronously — Terminate joins the
// worker pool, so it cannot run on a worker).
func (c *Context) accountSteps(n int64) error {
	if c.limits.MaxTotalSteps <= 0 {
		return nil
	}
	used := atomic.AddInt64(&c.stepsUsed, n)
	if used <= c.limits.MaxTotalSteps {
		return nil
	}
	go c.Terminate() // idempotent; must not run on a worker, Terminate joins the pool
	return fmt.Errorf("vmcontext: cumulative step budget %d exceeded", c.limits.MaxTotalSteps)
}

// Terminate stops the scheduler and marks the context unusable.
// Terminating a parent terminates every child context recursively.
func (c *Context) Terminate() {
	if !atomic.CompareAndSwapInt32(&c.terminated, 0, 1) {
		return
	}
	c.mu.RLock()
	children := append([]*Context(nil), c.children...)
	c.mu.RUnlock()
	for _, child := range children {
		child.Terminate()
	}
	c.sched.Stop()
	scheduler.ClearReleaseMutexHook(c.ID)
	scheduler.ClearDequeueHook(c.ID)
}

// LoadModule verifies every function body's bytecode, then registers mod
// under its own name; the first module loaded becomes the context's entry
// module (used by gc.Collector for pointer bitmap lookups — a context with
// imports spanning more than one module's type table is expected to merge
// them into one compiled unit upstream of this core).
func (c *Context) LoadModule(mod *module.Module) error {
	for i, fn := range mod.Functions {
		if fn.CodeOffset < 0 || fn.CodeOffset+fn.CodeLength > len(mod.Code) {
			return fmt.Errorf("vmcontext: function %d code range out of bounds", i)
		}
		body := mod.Code[fn.CodeOffset : fn.CodeOffset+fn.CodeLength]
		if err := opcode.VerifyCode(body); err != nil {
			return fmt.Errorf("vmcontext: function %d: %w", i, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[mod.Name] = mod
	// Intern every constant-pool string up front and pin the pointers:
	// constant-pool objects are GC roots, so a CONST_STR's interned
	// string can never be swept out from under a later reuse.
	for _, s := range mod.Constants.Strings {
		p := c.heap.InternString([]byte(s))
		c.constRoots = append(c.constRoots, value.FromPointer(p))
	}
	if c.entry == nil {
		c.entry = mod
		c.gc = gc.New(c.heap, mod, c)
		c.gc.SetFinalizerSink(c)
		c.deps.GC = c.gc
	}
	return nil
}

// ModuleByName implements execctx.ModuleRegistry.
func (c *Context) ModuleByName(name string) *module.Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modules[name]
}

// ResolveFunction looks up a function by module name and export name,
// returning the module and its function-table index.
func (c *Context) ResolveFunction(moduleName, fnName string) (*module.Module, int, error) {
	mod := c.ModuleByName(moduleName)
	if mod == nil {
		return nil, 0, fmt.Errorf("vmcontext: no such module %q", moduleName)
	}
	idx, ok := mod.ResolveExport(fnName)
	if !ok {
		idx, ok = mod.FunctionByName(fnName)
	}
	if !ok {
		return nil, 0, fmt.Errorf("vmcontext: no such function %q in module %q", fnName, moduleName)
	}
	return mod, idx, nil
}

// Spawn starts a new top-level Task running moduleName's fnName with args,
// enforcing the maxTasks resource limit.
func (c *Context) Spawn(moduleName, fnName string, args []value.Value) (*scheduler.Task, error) {
	mod, funcIdx, err := c.ResolveFunction(moduleName, fnName)
	if err != nil {
		return nil, err
	}
	if err := c.onSpawn(); err != nil {
		return nil, err
	}

	fn := mod.Functions[funcIdx]
	locals := make([]value.Value, fn.LocalCount)
	copy(locals, args)

	t := c.sched.NewTask(c.ID, c.limits.StepBudget)
	t.PushFrame(scheduler.CallFrame{
		FuncIdx:    funcIdx,
		Locals:     locals,
		Args:       args,
		ModuleName: mod.Name,
	})
	c.sched.Enqueue(t)
	return t, nil
}

// Await blocks the calling goroutine (not a Task — this is the host-side,
// outside-the-scheduler entry point) until t completes.
func (c *Context) Await(t *scheduler.Task) (value.Value, error) {
	for {
		switch t.GetStatus() {
		case scheduler.Completed:
			return t.Result, nil
		case scheduler.Failed:
			return value.Null, fmt.Errorf("vmcontext: task failed: %s", c.describeValue(t.Err))
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// describeValue renders an error value for host-facing messages: runtime
// errors travel as interned strings, so resolve those to their text.
func (c *Context) describeValue(v value.Value) string {
	if v.Tag() == value.TagPointer {
		if s := c.heap.StringAt(v.AsPointer()); s != nil {
			return string(s.Bytes)
		}
	}
	return fmt.Sprintf("%#x", uint64(v))
}

// Stats reports live resource usage for introspection / the stats()
// runtime API.
type Stats struct {
	LiveTasks      int64
	HeapBytes      uint64
	StepsUsed      int64
	TasksByStatus  map[string]int
}

func (c *Context) Stats() Stats {
	byStatus := make(map[string]int)
	for _, t := range c.sched.Snapshot() {
		byStatus[t.GetStatus().String()]++
	}
	return Stats{
		LiveTasks:     atomic.LoadInt64(&c.taskCount),
		HeapBytes:     c.heap.Bytes(),
		StepsUsed:     atomic.LoadInt64(&c.stepsUsed),
		TasksByStatus: byStatus,
	}
}

// Pause brings every worker to a safepoint and holds them there while f
// runs, shared with snapshot's "pause, dump, resume"
// sequence and with GC's own stop-the-world trace.
func (c *Context) Pause(f func()) {
	c.pauser.RunExclusive(f)
}

// PauseAll holds every worker at its next safepoint until ResumeAll —
// the standing pause()/resume() API, as opposed to Pause's scoped
// stop-the-world callback. Idempotent: a second PauseAll while paused is
// a no-op, as is ResumeAll while running.
func (c *Context) PauseAll() {
	if atomic.CompareAndSwapInt32(&c.paused, 0, 1) {
		c.pauser.Pause()
	}
}

// ResumeAll releases a PauseAll.
func (c *Context) ResumeAll() {
	if atomic.CompareAndSwapInt32(&c.paused, 1, 0) {
		c.pauser.Resume()
	}
}

// CallCapability implements execctx.CapabilityCaller: the CALL_HOST
// dispatch path, applying the permission gate before the host function
// runs. A capability injected with an explicit permission requirement is
// denied unless the context holds that bit; capabilities registered with
// no recorded requirement are open.
func (c *Context) CallCapability(name string, args []value.Value) (value.Value, error) {
	c.mu.RLock()
	perms := c.permissions
	c.mu.RUnlock()
	if required, gated := perms.requirementFor(name); gated && !perms.Has(required) {
		return value.Null, fmt.Errorf("vmcontext: permission denied for capability %q", name)
	}
	return c.caps.Call(c.heap, name, args)
}

// SetPermissions replaces the context's permission bits. Narrowing is
// always allowed; any expansion must verify against the sealed token's
// secret, and a child can never end up holding more than its parent's
// grant. Capability requirement records survive the swap.
func (c *Context) SetPermissions(set PermissionSet, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parent != nil && !c.parent.permissions.Covers(set) {
		return fmt.Errorf("vmcontext: permissions exceed parent's grant")
	}
	if !c.permissions.Covers(set) && !c.token.Verify(secret) {
		return fmt.Errorf("vmcontext: expanding permissions requires the sealed grant's secret")
	}
	set.grantedCaps = c.permissions.grantedCaps
	c.permissions = set
	return nil
}

// InjectCapability registers a host function under name, gated by the
// required permission.
func (c *Context) InjectCapability(name string, required Permission, fn capability.HostFunc) {
	c.caps.Register(name, fn)
	c.mu.Lock()
	c.permissions.grantedCaps = append(c.permissions.grantedCaps, capGrant{name: name, required: required})
	c.mu.Unlock()
}

// RunFinalizer implements gc.FinalizerSink: an unreachable object whose
// type declares a finalizer gets a dedicated maintenance Task, owned by
// this context, running the finalizer function with the (resurrected)
// object as its single argument. Called under the collector's
// stop-the-world barrier; the Task only starts once workers resume.
func (c *Context) RunFinalizer(p value.Pointer, funcIdx int) {
	c.mu.RLock()
	mod := c.entry
	c.mu.RUnlock()
	if mod == nil || funcIdx < 0 || funcIdx >= len(mod.Functions) {
		return
	}
	fn := mod.Functions[funcIdx]
	atomic.AddInt64(&c.taskCount, 1) // maintenance work is not gated by MaxTasks
	t := c.sched.NewTask(c.ID, c.limits.StepBudget)
	locals := make([]value.Value, fn.LocalCount)
	args := []value.Value{value.FromPointer(p)}
	copy(locals, args)
	t.PushFrame(scheduler.CallFrame{
		FuncIdx:    funcIdx,
		Locals:     locals,
		Args:       args,
		ModuleName: mod.Name,
	})
	c.sched.Enqueue(t)
}

// Globals backs the module-level global-variable slots shared by every Task
// in this context; it is one of the GC roots.
func (c *Context) GetGlobal(idx int) value.Value {
	c.globalsMu.RLock()
	defer c.globalsMu.RUnlock()
	if idx < 0 || idx >= len(c.globals) {
		return value.Null
	}
	return c.globals[idx]
}

func (c *Context) SetGlobal(idx int, v value.Value) {
	c.globalsMu.Lock()
	defer c.globalsMu.Unlock()
	for idx >= len(c.globals) {
		c.globals = append(c.globals, value.Null)
	}
	c.globals[idx] = v
}

// Heap exposes the context's heap to the snapshot package.
func (c *Context) Heap() *value.Heap { return c.heap }

// Scheduler exposes the context's scheduler to the snapshot package.
func (c *Context) Scheduler() *scheduler.Scheduler { return c.sched }

// Mutexes exposes the context's mutex registry to the snapshot package.
func (c *Context) Mutexes() *sync2.Registry { return c.mutexes }

// Channels exposes the context's channel registry to the snapshot package.
func (c *Context) Channels() *sync2.ChanRegistry { return c.channels }

// Caps exposes the context's host-capability registry so a CLI or embedder
// can register capabilities (e.g. capability.RegisterCrypto) before Start.
func (c *Context) Caps() *capability.Registry { return c.caps }

// Globals returns a copy of the global-slot vector, for serialization.
func (c *Context) Globals() []value.Value {
	c.globalsMu.RLock()
	defer c.globalsMu.RUnlock()
	return append([]value.Value(nil), c.globals...)
}

// RestoreGlobals overwrites the global-slot vector wholesale, used only by
// the snapshot loader before the context's scheduler is started.
func (c *Context) RestoreGlobals(globals []value.Value) {
	c.globalsMu.Lock()
	defer c.globalsMu.Unlock()
	c.globals = globals
}

// EntryModuleName reports the name of the module LoadModule designated as
// entry, or "" if none has been loaded yet.
func (c *Context) EntryModuleName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return ""
	}
	return c.entry.Name
}
