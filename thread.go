package ksched

import (
	"runtime"
	"slices"
	"time"

	"github.com/joeycumines/go-ksched/internal/arena"
)

const (
	// ExitStatusKilled is the exit status of a thread terminated by SigKill.
	ExitStatusKilled = -int(SigKill)
	// ExitStatusTimedOut is the exit status of a thread terminated for
	// missing its deadline, see [OverrunTerminate].
	ExitStatusTimedOut = -int(ETIMEDOUT)
)

type (
	// ThreadID is a generational thread handle. It is unique amongst live
	// threads, and never resolves once the thread has been freed. The zero
	// value is invalid.
	ThreadID uint64

	// Entry is the entry point of a thread, returning the exit status.
	Entry func(arg any) int

	// InterruptHandler is called to forcibly release a blocked (Wait or
	// Suspended) thread, when it is interrupted by a signal, or exits. It must
	// at least remove the thread from any queue it is in, see
	// [Kernel.Dequeue]. It must not block.
	InterruptHandler func(t *Thread, param any)

	// ThreadAttr configures a new thread. The zero value is valid.
	ThreadAttr struct {
		// Name is informational.
		Name string
		// Priority is the master priority, in [1, priorities). Zero selects
		// the middle priority.
		Priority int
		// Policy is the initial secondary policy, either PolicyFifo (the
		// default) or PolicyRoundRobin. Threads join PolicyEDF with
		// [Kernel.SetSchedParam].
		Policy SchedPolicy
		// StackSize overrides the kernel's default stack size.
		StackSize int
		// SigMask is the initial signal mask.
		SigMask SigSet
		// Detached threads are freed on exit, and cannot be joined.
		Detached bool
	}

	// Thread is a thread descriptor. Fields are only meaningful while the
	// thread's handle resolves, and may only be accessed from kernel context.
	Thread struct {
		k              *Kernel
		entry          Entry
		arg            any
		ctx            ExecContext
		params         any // policy specific parameter block
		private        any
		interruptParam any
		interrupt      InterruptHandler
		queue          *WaitQueue
		sigwait        *sigwaitState
		stack          []byte
		states         []*execState
		pending        []SigInfo
		joins          []*Thread // targets of WaitThread, each holding a reference
		name           string
		join           WaitQueue
		dispatched     time.Time
		readySince     time.Time
		cpu            time.Duration
		id             ThreadID
		mask           SigSet
		priority       int
		exitStatus     int
		refs           int
		running        int // index of the executing state
		state          ThreadState
		policy         SchedPolicy
		policyActive   bool
		noInterrupt    bool
		detached       bool
		reaped         bool
	}

	// execState is an entry in a thread's stack of execution states. The
	// first is the thread's normal flow, and each subsequent entry is a
	// signal handler, running on top of the state below it.
	execState struct {
		handler   func(SigInfo)
		retval    any
		info      SigInfo
		savedMask SigSet
		errno     Errno
	}
)

func (id ThreadID) String() string {
	return arena.Handle(id).String()
}

// ID returns the thread's handle.
func (t *Thread) ID() ThreadID { return t.id }

func (t *Thread) Name() string { return t.name }

func (t *Thread) State() ThreadState { return t.state }

func (t *Thread) Priority() int { return t.priority }

func (t *Thread) Policy() SchedPolicy { return t.policy }

// Private returns the per-thread private slot, see [Kernel.SetPrivate].
func (t *Thread) Private() any { return t.private }

// Errno returns the error slot of the executing state.
func (t *Thread) Errno() Errno { return t.top().errno }

// Retval returns the return value slot of the executing state.
func (t *Thread) Retval() any { return t.top().retval }

// ExitStatus returns the exit status, valid once Passive.
func (t *Thread) ExitStatus() int { return t.exitStatus }

// CPUTime returns the time the thread has spent Active, up to its last
// switch.
func (t *Thread) CPUTime() time.Duration {
	if t.state == StateActive {
		return t.cpu + t.k.clock.Now().Sub(t.dispatched)
	}
	return t.cpu
}

// SignalMask returns the set of blocked signals.
func (t *Thread) SignalMask() SigSet { return t.mask }

// Pending returns a copy of the pending signals.
func (t *Thread) Pending() []SigInfo { return slices.Clone(t.pending) }

// Depth returns the number of execution states, which is 1 unless signal
// handlers are running on top of the thread's normal flow.
func (t *Thread) Depth() int { return len(t.states) }

// Detached reports whether the thread will be freed on exit.
func (t *Thread) Detached() bool { return t.detached }

// QueueName returns the name of the queue the thread is in, or "".
func (t *Thread) QueueName() string {
	if t.queue == nil {
		return ""
	}
	return t.queue.name
}

// IsAlive reports whether the thread has not exited.
func (t *Thread) IsAlive() bool { return t.state != StatePassive }

func (t *Thread) IsReady() bool { return t.state == StateReady }

func (t *Thread) IsSuspended() bool { return t.state == StateSuspended }

func (t *Thread) top() *execState { return t.states[len(t.states)-1] }

// Thread resolves a handle, returning nil if it is stale.
func (k *Kernel) Thread(id ThreadID) *Thread {
	t, _ := k.threads.Get(arena.Handle(id))
	return t
}

// Threads returns every thread that has not been freed, in slot order.
func (k *Kernel) Threads() []*Thread {
	var threads []*Thread
	for _, t := range k.threads.All() {
		threads = append(threads, t)
	}
	return threads
}

// CreateThread creates a thread in the Ready state. If called from a
// running kernel, the caller reschedules, and will be preempted if the new
// thread has a higher priority. Exhausting the thread table or the
// allocator is fatal.
func (k *Kernel) CreateThread(entry Entry, arg any, attr *ThreadAttr) ThreadID {
	switch k.state.Load() {
	case KernelAwake:
		return k.newThread(entry, arg, attr, false).id
	case KernelRunning:
		t := k.newThread(entry, arg, attr, false)
		k.Schedule()
		return t.id
	default:
		panic(ErrKernelHalted)
	}
}

func (k *Kernel) newThread(entry Entry, arg any, attr *ThreadAttr, idle bool) *Thread {
	if entry == nil {
		k.fatalf("create: nil entry")
	}
	if attr == nil {
		attr = new(ThreadAttr)
	}

	t := &Thread{
		k:        k,
		entry:    entry,
		arg:      arg,
		name:     attr.Name,
		priority: attr.Priority,
		policy:   attr.Policy,
		mask:     attr.SigMask &^ SigSetOf(SigKill),
		detached: attr.Detached,
		refs:     1,
		states:   []*execState{{}},
	}
	if !idle {
		if t.priority == 0 {
			t.priority = len(k.ready) / 2
		}
		k.assert(t.priority > 0 && t.priority < len(k.ready), "create: invalid priority %d", t.priority)
		k.assert(t.policy == PolicyFifo || t.policy == PolicyRoundRobin, "create: invalid policy %s", t.policy)
	}

	h, ok := k.threads.Alloc(t)
	k.assert(ok, "create: thread table exhausted (%d threads)", k.threads.Cap())
	t.id = ThreadID(h)
	t.join.name = "join[" + t.id.String() + "]"

	size := attr.StackSize
	if size == 0 {
		size = k.stackSize
	}
	t.stack = k.alloc.Alloc(size)
	k.assert(t.stack != nil, "create: out of memory allocating %d byte stack", size)

	t.ctx = k.arch.NewContext(func() { k.threadMain(t) }, t.stack)

	if err := k.policies[t.policy].ThreadAdd(t, t.priority, nil); err != nil {
		k.fatalf("create: %s: %v", t.policy, err)
	}

	k.moveToReady(t, Last)
	if !idle {
		k.live++
		if k.metrics != nil {
			k.metrics.ThreadsCreated++
		}
	}
	logThread(k.log.Debug(), t).
		Stringer(`policy`, t.policy).
		Log(`thread created`)

	return t
}

// threadMain is the body of every thread context.
func (k *Kernel) threadMain(t *Thread) {
	defer func() {
		if r := recover(); r != nil && r != errUnwinding {
			k.fault(r)
			return
		}
		if !k.halting && k.unwinding == nil && k.active == t && t.state == StatePassive {
			// exited, and t's context is destroyed, so this won't park
			k.schedule()
		}
	}()
	// signals may have been delivered before the first dispatch
	k.runHandlers()
	status := t.entry(t.arg)
	k.exitThread(t, status, true)
}

// Exit terminates the calling thread. It does not return.
func (k *Kernel) Exit(status int) {
	k.exitThread(k.current(), status, true)
}

// ExitThread terminates t, or, if t is running a signal handler and force is
// false, returns from that handler, resuming the state below it. Exiting
// the calling thread does not return.
func (k *Kernel) ExitThread(t *Thread, status int, force bool) {
	cur := k.current()
	k.assert(t != k.idle, "exit: idle thread")
	k.exitThread(t, status, force)
	if t != cur {
		k.Schedule()
	}
}

func (k *Kernel) exitThread(t *Thread, status int, force bool) {
	k.assert(t.state != StatePassive, "exit: thread %s is not alive", t.id)

	if !force && len(t.states) > 1 {
		k.popState(t)
		return
	}

	self := t == k.active

	switch t.state {
	case StateReady:
		k.removeFromReady(t)
	case StateWait, StateSuspended:
		if h := t.interrupt; h != nil {
			t.interrupt = nil
			h(t, t.interruptParam)
		}
		if t.queue != nil {
			if t.queue.ready {
				k.removeFromReady(t)
			} else {
				k.qRemove(t)
			}
		}
	}

	t.state = StatePassive
	t.exitStatus = status
	t.interrupt = nil
	t.interruptParam = nil
	t.sigwait = nil
	t.pending = nil

	k.policyDeactivate(t)
	k.policies[t.policy].ThreadRemove(t)

	for {
		w := k.qPop(&t.join)
		if w == nil {
			break
		}
		w.top().retval = status
		k.wake(w)
	}

	// references held by a joiner that never collected
	for _, j := range t.joins {
		k.unref(j)
	}
	t.joins = nil

	if t != k.idle {
		k.live--
	}
	if k.metrics != nil {
		k.metrics.ThreadsExited++
	}
	logThread(k.log.Debug(), t).
		Int(`status`, status).
		Dur(`cpu`, t.CPUTime()).
		Log(`thread exited`)

	k.alloc.Free(t.stack)
	t.stack = nil

	if t.detached {
		k.unref(t)
	}

	if self {
		k.arch.DestroyContext(t.ctx)
		// an exit from within an alarm callback abandons the interrupt path
		k.inInterrupt = false
		k.reschedule = false
		// unwinds the caller, the switch happens in threadMain
		runtime.Goexit()
	}

	k.unwinding = t
	k.arch.DestroyContext(t.ctx)
	k.unwinding = nil
	if r := k.unwindPanic; r != nil {
		k.unwindPanic = nil
		k.fatalf("exit: thread %s panicked while unwinding: %v", t.id, r)
	}
}

// unref drops a reference to t, freeing it once Passive and unreferenced.
func (k *Kernel) unref(t *Thread) {
	t.refs--
	k.assert(t.refs >= 0, "thread %s: negative refcount", t.id)
	if t.refs == 0 && t.state == StatePassive {
		k.threads.Free(arena.Handle(t.id))
		logThread(k.log.Trace(), t).Log(`thread freed`)
	}
}

// Suspend blocks t (nil for the caller) outside of any queue, until it is
// resumed, or interrupted, in which case h is called. The caller must
// reschedule. Only valid for Active or Ready threads.
func (k *Kernel) Suspend(t *Thread, h InterruptHandler, param any) {
	cur := k.current()
	if t == nil {
		t = cur
	}
	switch t.state {
	case StateReady:
		k.removeFromReady(t)
	case StateActive:
	default:
		k.fatalf("suspend: thread %s is %s", t.id, t.state)
	}
	t.state = StateSuspended
	t.interrupt = h
	t.interruptParam = param
	t.noInterrupt = false
	t.top().errno = 0
}

// Resume makes a Suspended thread Ready. The caller must reschedule.
func (k *Kernel) Resume(t *Thread) {
	k.current()
	k.assert(t.state == StateSuspended, "resume: thread %s is %s", t.id, t.state)
	k.wake(t)
}

// wake makes a blocked thread, that has already been removed from its
// queue, Ready.
func (k *Kernel) wake(t *Thread) {
	t.interrupt = nil
	t.interruptParam = nil
	t.noInterrupt = false
	k.moveToReady(t, Last)
}

// WaitThread blocks waiter on target's join queue, taking a reference to
// target on waiter's behalf, released by waiter calling
// [Kernel.CollectStatus], or when waiter exits. The caller must reschedule.
func (k *Kernel) WaitThread(waiter, target *Thread) error {
	k.current()
	switch {
	case target.state == StatePassive:
		return EALREADY
	case waiter == target:
		return EDEADLK
	case target.detached:
		return EINVAL
	}
	target.refs++
	waiter.joins = append(waiter.joins, target)
	k.Enqueue(waiter, &target.join, true, nil, nil)
	return nil
}

// CollectStatus returns the exit status of a Passive thread, releasing the
// reference the caller took via [Kernel.WaitThread] (if any), and the
// creator's reference (the first time).
func (k *Kernel) CollectStatus(target *Thread) int {
	cur := k.current()
	k.assert(target.state == StatePassive, "collect: thread %s is %s", target.id, target.state)
	status := target.exitStatus
	var drop int
	if !target.detached && !target.reaped {
		target.reaped = true
		drop++
	}
	if i := slices.Index(cur.joins, target); i >= 0 {
		cur.joins = slices.Delete(cur.joins, i, i+1)
		drop++
	}
	for range drop {
		k.unref(target)
	}
	return status
}

// Join waits for the thread to exit, then collects its exit status. Signal
// handlers may run while waiting, after which the wait resumes.
func (k *Kernel) Join(id ThreadID) (int, error) {
	cur := k.current()
	t := k.Thread(id)
	switch {
	case t == nil:
		return 0, ESRCH
	case t == cur:
		return 0, EDEADLK
	case t.detached:
		return 0, EINVAL
	case t.reaped:
		return 0, ESRCH
	}
	if t.state != StatePassive {
		if err := k.WaitThread(cur, t); err != nil {
			return 0, err
		}
		for {
			k.Schedule()
			if t.state == StatePassive {
				break
			}
			// interrupted
			k.Enqueue(cur, &t.join, true, nil, nil)
		}
	}
	return k.CollectStatus(t), nil
}

// Detach marks the thread to be freed on exit, or frees it, if it has
// already exited.
func (k *Kernel) Detach(id ThreadID) error {
	k.current()
	t := k.Thread(id)
	switch {
	case t == nil || t.reaped:
		return ESRCH
	case t.detached:
		return EINVAL
	}
	t.detached = true
	if t.state == StatePassive {
		k.unref(t)
	}
	return nil
}

// SetPriority changes the master priority of t, then reschedules.
func (k *Kernel) SetPriority(t *Thread, priority int) error {
	k.current()
	if priority <= 0 || priority >= len(k.ready) || t == k.idle {
		return EINVAL
	}
	if t.state == StatePassive {
		return EALREADY
	}
	k.setPriority(t, priority)
	k.Schedule()
	return nil
}

func (k *Kernel) setPriority(t *Thread, priority int) {
	if t.priority == priority {
		return
	}
	if t.state == StateReady {
		k.removeFromReady(t)
		t.priority = priority
		k.moveToReady(t, Last)
		return
	}
	t.priority = priority
}

// SetPrivate sets the per-thread private slot, used by synchronization
// primitives to stash state across a block and wake cycle.
func (k *Kernel) SetPrivate(t *Thread, v any) { t.private = v }

// SetErrno sets the error slot of t's executing state.
func (k *Kernel) SetErrno(t *Thread, e Errno) { t.top().errno = e }

// SetRetval sets the return value slot of t's executing state.
func (k *Kernel) SetRetval(t *Thread, v any) { t.top().retval = v }
