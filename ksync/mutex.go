package ksync

import (
	"errors"
	"time"

	"github.com/joeycumines/go-ksched"
)

// MutexType selects the behavior of a [Mutex] relocked by its owner.
type MutexType uint8

const (
	// MutexErrorCheck mutexes return EDEADLK when relocked by the owner.
	MutexErrorCheck MutexType = iota
	// MutexRecursive mutexes count nested locks by the owner, and must be
	// unlocked the same number of times.
	MutexRecursive
)

func (x MutexType) String() string {
	if x == MutexRecursive {
		return "Recursive"
	}
	return "ErrorCheck"
}

// Mutex is a sleeping mutual exclusion lock. Unlock hands ownership
// directly to the oldest waiter, so a contended lock is never observably
// unlocked. Waiting for a mutex may be interrupted by a signal, in which
// case the handler runs, and the wait resumes.
type Mutex struct {
	k       *ksched.Kernel
	owner   *ksched.Thread
	waiters ksched.WaitQueue
	count   int
	typ     MutexType
}

// NewMutex returns an unlocked mutex.
func NewMutex(k *ksched.Kernel, typ MutexType) *Mutex {
	m := &Mutex{k: k, typ: typ}
	m.waiters.Init("mutex")
	return m
}

// Lock acquires the mutex, blocking while it is held by another thread.
func (m *Mutex) Lock() error {
	return m.lock(-1)
}

// TryLock acquires the mutex if it is free, returning EBUSY otherwise.
func (m *Mutex) TryLock() error {
	return m.lock(0)
}

// TimedLock is [Mutex.Lock], returning ETIMEDOUT if the mutex is not
// acquired within timeout.
func (m *Mutex) TimedLock(timeout time.Duration) error {
	if timeout < 0 {
		return ksched.EINVAL
	}
	err := m.lock(timeout)
	if err == ksched.EBUSY {
		return ksched.ETIMEDOUT
	}
	return err
}

func (m *Mutex) lock(timeout time.Duration) error {
	cur := m.k.Current()
	switch {
	case m.owner == nil:
		m.owner = cur
		m.count = 1
		return nil
	case m.owner == cur:
		if m.typ == MutexRecursive {
			m.count++
			return nil
		}
		return ksched.EDEADLK
	case timeout == 0:
		return ksched.EBUSY
	}

	until := deadline(m.k, timeout)
	for {
		_, err := block(m.k, &m.waiters, timeout, nil)
		if m.owner == cur {
			return nil
		}
		if !errors.Is(err, ksched.EINTR) {
			return err
		}
		if timeout = remaining(m.k, until); timeout == 0 {
			return ksched.ETIMEDOUT
		}
	}
}

// Unlock releases the mutex, or one level of a recursive lock, handing it
// to the oldest waiter. Only the owner may unlock, others get EPERM.
func (m *Mutex) Unlock() error {
	cur := m.k.Current()
	if m.owner != cur {
		return ksched.EPERM
	}
	if m.count--; m.count > 0 {
		return nil
	}
	m.handoff()
	m.k.Schedule()
	return nil
}

// handoff passes ownership to the oldest waiter, or unlocks. The caller must
// reschedule.
func (m *Mutex) handoff() {
	if w := release(m.k, &m.waiters); w != nil {
		m.owner = w.t
		m.count = 1
		return
	}
	m.owner = nil
	m.count = 0
}

// Owner returns the owning thread, or nil.
func (m *Mutex) Owner() *ksched.Thread { return m.owner }

// Waiters returns the number of blocked threads.
func (m *Mutex) Waiters() int { return m.waiters.Len() }
