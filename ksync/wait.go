package ksync

import (
	"time"

	"github.com/joeycumines/go-ksched"
)

// waiter is the state of a blocked thread, stashed in its private slot for
// the duration of the block.
type waiter struct {
	k     *ksched.Kernel
	t     *ksched.Thread
	alarm *ksched.Alarm
	// value is passed between the blocked thread and whichever thread
	// releases it, e.g. a message
	value any
	// done is set by whichever of release, timeout, or interrupt happened
	// first, making the others inert
	done     bool
	released bool
}

// block blocks the caller in q, returning nil if it was released, ETIMEDOUT
// if timeout elapsed first, or EINTR if it was interrupted by a signal. A
// negative timeout waits indefinitely.
func block(k *ksched.Kernel, q *ksched.WaitQueue, timeout time.Duration, value any) (*waiter, error) {
	t := k.Current()
	w := &waiter{k: k, t: t, value: value}
	k.Enqueue(t, q, true, interruptWaiter, w)
	k.SetPrivate(t, w)
	if timeout >= 0 {
		w.alarm = k.NewAlarm(w.expire)
		w.alarm.Arm(timeout)
	}

	k.Schedule()

	k.SetPrivate(t, nil)
	if w.released {
		return w, nil
	}
	if err := t.Errno().Err(); err != nil {
		return w, err
	}
	return w, ksched.EINTR
}

func (w *waiter) expire() {
	if w.done || !w.t.IsAlive() {
		return
	}
	w.done = true
	w.k.Wake(w.t)
	w.k.SetErrno(w.t, ksched.ETIMEDOUT)
	w.k.Schedule()
}

// interruptWaiter is the interrupt handler of every blocked waiter, called
// when it is interrupted by a signal, or exits.
func interruptWaiter(t *ksched.Thread, param any) {
	w := param.(*waiter)
	w.done = true
	w.disarm()
	w.k.Dequeue(t)
}

func (w *waiter) disarm() {
	if w.alarm != nil {
		w.alarm.Disarm()
		w.alarm = nil
	}
}

// release wakes the oldest waiter in q, if any. The caller must reschedule.
func release(k *ksched.Kernel, q *ksched.WaitQueue) *waiter {
	t := k.Release(q)
	if t == nil {
		return nil
	}
	w := t.Private().(*waiter)
	w.done = true
	w.released = true
	w.disarm()
	return w
}

// deadline converts a timeout to an absolute time, for retry loops. The
// zero time means no deadline.
func deadline(k *ksched.Kernel, timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return k.Now().Add(timeout)
}

// remaining returns the timeout left until d, or -1 if d is zero.
func remaining(k *ksched.Kernel, d time.Time) time.Duration {
	if d.IsZero() {
		return -1
	}
	return max(d.Sub(k.Now()), 0)
}
