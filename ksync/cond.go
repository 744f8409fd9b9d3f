package ksync

import (
	"errors"
	"time"

	"github.com/joeycumines/go-ksched"
)

// Cond is a condition variable. Waiters that are signalled while the
// associated mutex is held are moved directly to the mutex's wait queue,
// rather than woken only to block again.
type Cond struct {
	k       *ksched.Kernel
	waiters ksched.WaitQueue
}

func NewCond(k *ksched.Kernel) *Cond {
	c := &Cond{k: k}
	c.waiters.Init("cond")
	return c
}

// Wait atomically unlocks m, which the caller must own, and blocks until
// signalled. The mutex is always reacquired before Wait returns, including
// when the wait is interrupted by a signal (EINTR).
func (c *Cond) Wait(m *Mutex) error {
	return c.wait(m, -1)
}

// TimedWait is [Cond.Wait], returning ETIMEDOUT if not signalled within
// timeout.
func (c *Cond) TimedWait(m *Mutex, timeout time.Duration) error {
	if timeout < 0 {
		return ksched.EINVAL
	}
	return c.wait(m, timeout)
}

func (c *Cond) wait(m *Mutex, timeout time.Duration) error {
	cur := c.k.Current()
	if m.owner != cur {
		return ksched.EPERM
	}
	if m.count != 1 {
		// a recursive mutex can't be released atomically
		return ksched.EDEADLK
	}

	m.handoff()
	_, err := block(c.k, &c.waiters, timeout, m)
	if m.owner == cur {
		return nil
	}

	// timed out, or interrupted
	for {
		lerr := m.Lock()
		if lerr == nil {
			break
		}
		if !errors.Is(lerr, ksched.EINTR) {
			return lerr
		}
	}
	return err
}

// Signal wakes the oldest waiter, if any.
func (c *Cond) Signal() {
	c.k.Current()
	c.wake()
	c.k.Schedule()
}

// Broadcast wakes every waiter, returning the number woken.
func (c *Cond) Broadcast() int {
	c.k.Current()
	var n int
	for c.wake() {
		n++
	}
	c.k.Schedule()
	return n
}

// wake passes the oldest waiter to its mutex.
func (c *Cond) wake() bool {
	ids := c.waiters.Threads()
	if len(ids) == 0 {
		return false
	}
	t := c.k.Thread(ids[0])
	w := t.Private().(*waiter)
	m := w.value.(*Mutex)
	if m.owner == nil {
		release(c.k, &c.waiters)
		m.owner = t
		m.count = 1
		return true
	}
	// requeue, the timeout no longer applies
	w.disarm()
	c.k.Enqueue(t, &m.waiters, true, interruptWaiter, w)
	return true
}

// Waiters returns the number of blocked threads.
func (c *Cond) Waiters() int { return c.waiters.Len() }
