package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/rizqme/raya-sub003/value"
)

// PanicValue lets an execution-context implementation (package execctx)
// carry a runtime-error Value through a Go panic for an opcode that has no
// error return in the ExecutionContext contract (e.g. an out-of-bounds
// ArrayGet). The worker's recover() in runTask unwraps it into the failed
// Task's result instead of losing the error detail.
type PanicValue struct {
	Val value.Value
}

func (PanicValue) Error() string { return "scheduler: task panicked with a runtime error value" }

// worker is one OS thread (goroutine) drawn from the fixed-size pool,
// owning a single deque. Grounded on the toy G/M/P scheduler's per-P
// structure, corrected to park on a broadcast wake channel rather than
// busy-spin.
type worker struct {
	index int
	deque *deque
	sched *Scheduler
}

func newWorker(index int, s *Scheduler) *worker {
	return &worker{index: index, deque: newDeque(), sched: s}
}

// run is the Task execution loop: pop a Task, set it Running, install it
// as current, run the dispatcher until Suspend/Return/Exception, handle
// the outcome, repeat. On user-code panics the worker recovers and fails
// the Task rather than dying: worker threads never die from user-code
// exceptions.
func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-w.sched.ctx.Done():
			return
		default:
		}

		t := w.popNext()
		if t == nil {
			w.park()
			continue
		}

		t.OwnerHint = w.index
		t.SetStatus(Running)
		t.RefillBudget()

		w.runTask(t)
	}
}

func (w *worker) runTask(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(w.index, r)
			var errVal value.Value
			if pv, ok := r.(PanicValue); ok {
				errVal = pv.Val
			}
			w.sched.CompleteTask(t, errVal, true)
		}
	}()

	outcome := w.sched.dispatch(t)
	switch outcome.Kind {
	case StepYielded:
		// Tail of the global queue, not this worker's own deque: the
		// deque's LIFO own-end would hand the budget-exhausted Task
		// straight back, defeating the fairness yield.
		t.SetStatus(Ready)
		w.sched.global.pushBack(t)
		w.sched.broadcastWake()
	case StepSuspended:
		w.sched.Suspend(t, outcome.Reason)
	case StepCompleted:
		w.sched.CompleteTask(t, t.Result, false)
	case StepFailed:
		if outcome.Err != nil {
			log.Printf("scheduler: task %d failed: %v", t.ID, outcome.Err)
		}
		w.sched.CompleteTask(t, t.Err, true)
	}
}

// park waits until new work appears anywhere or the shutdown flag is set,
// per popNext's step 4 ("park ... until woken by an ENQUEUE signal or the
// shutdown flag"). Enqueue's Broadcast on s.wakeCh wakes every parked
// worker immediately; the short timeout is only a backstop against a
// missed wakeup racing a fresh push.
func (w *worker) park() {
	select {
	case <-w.sched.ctx.Done():
	case <-w.sched.currentWakeCh():
	case <-time.After(5 * time.Millisecond):
	}
}
