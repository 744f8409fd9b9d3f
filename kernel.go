package ksched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/go-ksched/internal/arena"
	"github.com/joeycumines/go-ksched/internal/bitmap"
	"github.com/joeycumines/logiface"
)

// Kernel is a single core kernel: the thread registry, the ready queue
// master scheduler, the secondary policies, and signal delivery. Multiple
// kernels are fully independent.
//
// Threads are created with [Kernel.CreateThread], before or during
// [Kernel.Run]. Unless noted otherwise, every other method must be called
// from a kernel thread, or from an alarm callback.
type Kernel struct {
	clock     clock.Clock
	log       *logiface.Logger[logiface.Event]
	arch      Arch
	alloc     Allocator
	threads   *arena.Arena[*Thread]
	readyMask *bitmap.Bitmap
	metrics   *kernelMetrics
	ctx       context.Context
	err       error
	// host is the context of the goroutine that called Run
	host ExecContext

	// active is the thread holding the CPU, nil only before boot
	active *Thread
	idle   *Thread

	// unwinding is set for the duration of a synchronous teardown of a
	// parked thread's goroutine, see exitThread
	unwinding   *Thread
	unwindPanic any

	ready    []WaitQueue
	alarms   alarmHeap
	policies [numPolicies]Scheduler
	actions  [NumSignals]SigAction

	alarmSeq     uint64
	live         int
	stackSize    int
	timeSlice    time.Duration
	minTimeSlice time.Duration

	state kernelState

	preemption  bool
	inInterrupt bool
	reschedule  bool
	halting     bool
}

// New creates a kernel, which must be started with [Kernel.Run].
func New(opts ...KernelOption) (*Kernel, error) {
	o, err := resolveKernelOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		clock:        o.clock,
		log:          o.logger,
		arch:         o.arch,
		alloc:        o.allocator,
		threads:      arena.New[*Thread](o.maxThreads),
		readyMask:    bitmap.New(o.priorities),
		ready:        make([]WaitQueue, o.priorities),
		stackSize:    o.stackSize,
		timeSlice:    o.timeSlice,
		minTimeSlice: o.minTimeSlice,
		preemption:   o.preemption,
	}

	for i := range k.ready {
		k.ready[i].name = fmt.Sprintf("ready[%d]", i)
		k.ready[i].ready = true
	}

	if o.metrics {
		k.metrics = newKernelMetrics()
	}

	k.policies[PolicyFifo] = new(Fifo)
	k.policies[PolicyRoundRobin] = new(RoundRobin)
	k.policies[PolicyEDF] = new(EDF)
	for _, s := range k.policies {
		s.Init(k)
	}

	return k, nil
}

// Run boots the kernel, and blocks until it halts, returning:
//
//   - nil, once every thread (other than idle) has exited
//   - [ErrDeadlock], if threads remain blocked, but nothing is ready, and no
//     alarm is armed
//   - a [*FatalError], if a kernel invariant was violated, or a thread
//     panicked
//   - ctx.Err(), if ctx is done
//
// The goroutines of any threads that have not exited are unwound before Run
// returns. A kernel may only be run once.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.state.TryTransition(KernelAwake, KernelRunning) {
		if k.state.Load() == KernelRunning {
			return ErrKernelRunning
		}
		return ErrKernelHalted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	k.ctx = ctx

	k.host = k.arch.NewContext(nil, nil)
	k.idle = k.newThread(k.idleMain, nil, &ThreadAttr{Name: `idle`}, true)

	k.log.Info().
		Int(`threads`, k.live).
		Int(`priorities`, len(k.ready)).
		Bool(`preemption`, k.preemption).
		Log(`kernel booting`)

	// parks this goroutine, until a thread halts the kernel
	k.schedule()

	k.state.Store(KernelHalting)
	k.unwind()
	k.state.Store(KernelHalted)

	if k.err != nil {
		k.log.Info().Err(k.err).Log(`kernel halted`)
	} else {
		k.log.Info().Log(`kernel halted`)
	}

	return k.err
}

// State returns the lifecycle state, and is safe to call from any goroutine.
func (k *Kernel) State() KernelState {
	return k.state.Load()
}

// Now returns the current time, per the clock collaborator.
func (k *Kernel) Now() time.Time {
	return k.clock.Now()
}

// Current returns the active thread.
func (k *Kernel) Current() *Thread {
	return k.current()
}

// Work models the calling thread consuming d of CPU time. Alarms fire as they
// fall due, which may preempt the caller, in which case the remaining time
// is consumed once it is resumed.
func (k *Kernel) Work(d time.Duration) {
	k.current()
	for {
		if err := k.ctx.Err(); err != nil {
			k.halt(err)
		}
		step := d
		if when, ok := k.nextAlarm(); ok {
			step = min(step, max(when.Sub(k.clock.Now()), 0))
		}
		k.advance(step)
		d -= step
		k.fireAlarms()
		k.Schedule()
		if d <= 0 {
			return
		}
	}
}

// Tick fires any due alarms, then reschedules.
func (k *Kernel) Tick() {
	k.current()
	k.fireAlarms()
	k.Schedule()
}

// SetPreemption enables or disables preemption, see [WithPreemption].
func (k *Kernel) SetPreemption(enabled bool) {
	k.current()
	k.preemption = enabled
	k.Schedule()
}

// current returns the active thread, and guards against use of the kernel by
// goroutines that are being torn down.
func (k *Kernel) current() *Thread {
	if k.halting || k.unwinding != nil {
		panic(errUnwinding)
	}
	if k.active == nil {
		panic(`ksched: not called from a kernel thread`)
	}
	if k.active.state == StatePassive {
		// running the deferred calls of an exiting thread
		panic(errUnwinding)
	}
	return k.active
}

// advance moves time forward by d, which, for a mock clock, is virtual.
func (k *Kernel) advance(d time.Duration) {
	if d <= 0 {
		return
	}
	if m, ok := k.clock.(*clock.Mock); ok {
		m.Add(d)
		return
	}
	k.clock.Sleep(d)
}

func (k *Kernel) idleMain(any) int {
	for {
		if k.live == 0 {
			k.halt(nil)
		}
		if err := k.ctx.Err(); err != nil {
			k.halt(err)
		}

		when, ok := k.nextAlarm()
		if !ok {
			k.log.Err().
				Int(`blocked`, k.live).
				Log(`deadlock: no runnable threads, and no alarms armed`)
			k.halt(ErrDeadlock)
		}

		if d := when.Sub(k.clock.Now()); d > 0 {
			if _, ok := k.clock.(*clock.Mock); ok {
				k.advance(d)
			} else {
				timer := k.clock.Timer(d)
				select {
				case <-timer.C:
				case <-k.ctx.Done():
					timer.Stop()
					continue
				}
			}
		}

		k.fireAlarms()
		k.schedule()
	}
}

// halt stops the kernel, from the active thread, handing the CPU back to
// Run. It does not return, the caller is unwound along with every other
// thread.
func (k *Kernel) halt(err error) {
	k.err = err
	k.halting = true
	k.arch.Switch(k.active.ctx, k.host)
	panic(`ksched: halted thread resumed`)
}

// unwind tears down every remaining thread goroutine, once halted.
func (k *Kernel) unwind() {
	for _, t := range k.threads.All() {
		if t.ctx != nil {
			k.arch.DestroyContext(t.ctx)
		}
	}
}

// fault handles a panic recovered at the boundary of a thread goroutine.
func (k *Kernel) fault(r any) {
	if k.unwinding != nil {
		if r != errUnwinding && k.unwindPanic == nil {
			k.unwindPanic = r
		}
		return
	}
	if r == errUnwinding || k.halting {
		return
	}
	err, ok := r.(*FatalError)
	if !ok {
		err = &FatalError{Value: r, Stack: debug.Stack()}
		if k.active != nil {
			err.Thread = k.active.id
		}
	}
	logThread(k.log.Crit(), k.active).
		Err(err).
		Log(`fatal error, halting`)
	k.err = err
	k.halting = true
	// the caller is already unwinding, so it isn't parked
	ctx := k.active.ctx
	k.arch.DestroyContext(ctx)
	k.arch.Switch(ctx, k.host)
}
