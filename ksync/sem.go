package ksync

import (
	"time"

	"github.com/joeycumines/go-ksched"
)

// Sem is a counting semaphore.
//
// The initial value may be negative, in which case that many posts are
// consumed before any waiter is released. This differs from POSIX.
type Sem struct {
	k       *ksched.Kernel
	waiters ksched.WaitQueue
	value   int
}

func NewSem(k *ksched.Kernel, value int) *Sem {
	s := &Sem{k: k, value: value}
	s.waiters.Init("sem")
	return s
}

// Wait decrements the semaphore, blocking while it is not positive. An
// interrupted wait returns EINTR, without affecting the value.
func (s *Sem) Wait() error {
	return s.wait(-1)
}

// TryWait decrements the semaphore if it is positive, returning EAGAIN
// otherwise.
func (s *Sem) TryWait() error {
	return s.wait(0)
}

// TimedWait is [Sem.Wait], returning ETIMEDOUT if not decremented within
// timeout.
func (s *Sem) TimedWait(timeout time.Duration) error {
	if timeout < 0 {
		return ksched.EINVAL
	}
	if err := s.wait(0); err != ksched.EAGAIN {
		return err
	}
	if timeout == 0 {
		return ksched.ETIMEDOUT
	}
	return s.wait(timeout)
}

func (s *Sem) wait(timeout time.Duration) error {
	s.k.Current()
	if s.value > 0 {
		s.value--
		return nil
	}
	if timeout == 0 {
		return ksched.EAGAIN
	}
	// a release transfers the unit directly
	_, err := block(s.k, &s.waiters, timeout, nil)
	return err
}

// Post increments the semaphore, or, if a thread is waiting (and the value
// is not negative), transfers the unit to the oldest waiter.
func (s *Sem) Post() {
	s.k.Current()
	switch {
	case s.value < 0:
		s.value++
	case release(s.k, &s.waiters) == nil:
		s.value++
	}
	s.k.Schedule()
}

// Value returns the current value.
func (s *Sem) Value() int { return s.value }

// Waiters returns the number of blocked threads.
func (s *Sem) Waiters() int { return s.waiters.Len() }
