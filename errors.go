package ksched

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Standard errors.
var (
	// ErrDeadlock is returned by [Kernel.Run] when no thread is able to make
	// progress: nothing is ready, no alarm is armed, but threads remain
	// blocked.
	ErrDeadlock = errors.New("ksched: deadlock: threads blocked with no alarm armed")

	// ErrKernelRunning is returned by [Kernel.Run] if the kernel is already
	// running.
	ErrKernelRunning = errors.New("ksched: kernel is already running")

	// ErrKernelHalted is returned by [Kernel.Run] if the kernel has already
	// run to completion. Kernels are not reusable.
	ErrKernelHalted = errors.New("ksched: kernel has halted")

	// errUnwinding is raised (as a panic) by operations attempted while the
	// calling goroutine is being torn down, e.g. from deferred calls of a
	// thread that was force exited. It is recovered at the goroutine boundary.
	errUnwinding = errors.New("ksched: thread is unwinding")
)

// Errno is a caller facing error code, as returned by operations that block,
// or that may be refused.
type Errno int

const (
	// EAGAIN indicates the operation would block, and non-blocking behavior
	// was requested.
	EAGAIN Errno = iota + 1
	// ESRCH indicates no such thread, e.g. a stale [ThreadID].
	ESRCH
	// EALREADY indicates the target thread has already terminated.
	EALREADY
	// EDEADLK indicates the operation would deadlock, e.g. relocking an
	// error checking mutex, or joining oneself.
	EDEADLK
	// EINTR indicates the operation was interrupted by a signal.
	EINTR
	// EINVAL indicates an invalid argument.
	EINVAL
	// ENOTSUP indicates the policy or operation is not supported for this
	// combination of arguments.
	ENOTSUP
	// ETIMEDOUT indicates a timeout, or a missed deadline.
	ETIMEDOUT
	// EPERM indicates the caller does not own the resource.
	EPERM
	// EBUSY indicates the resource is held, for try variants.
	EBUSY
	// ENOSPC indicates a queue or descriptor table is full.
	ENOSPC
)

var errnoText = [...]string{
	EAGAIN:    "resource temporarily unavailable",
	ESRCH:     "no such thread",
	EALREADY:  "thread already terminated",
	EDEADLK:   "resource deadlock avoided",
	EINTR:     "interrupted by signal",
	EINVAL:    "invalid argument",
	ENOTSUP:   "operation not supported",
	ETIMEDOUT: "timed out",
	EPERM:     "operation not permitted",
	EBUSY:     "resource busy",
	ENOSPC:    "no space left",
}

var errnoName = [...]string{
	EAGAIN:    "EAGAIN",
	ESRCH:     "ESRCH",
	EALREADY:  "EALREADY",
	EDEADLK:   "EDEADLK",
	EINTR:     "EINTR",
	EINVAL:    "EINVAL",
	ENOTSUP:   "ENOTSUP",
	ETIMEDOUT: "ETIMEDOUT",
	EPERM:     "EPERM",
	EBUSY:     "EBUSY",
	ENOSPC:    "ENOSPC",
}

func (e Errno) Error() string {
	if e > 0 && int(e) < len(errnoText) {
		return "ksched: " + errnoText[e]
	}
	return fmt.Sprintf("ksched: errno %d", int(e))
}

// Name returns the symbolic name, e.g. "EINTR".
func (e Errno) Name() string {
	if e > 0 && int(e) < len(errnoName) {
		return errnoName[e]
	}
	if e == 0 {
		return "OK"
	}
	return fmt.Sprintf("E%d", int(e))
}

// Err returns nil for the zero value, and e otherwise.
func (e Errno) Err() error {
	if e == 0 {
		return nil
	}
	return e
}

// FatalError reports a violated kernel invariant, or a panic raised by a
// kernel thread. It halts the kernel, and is returned by [Kernel.Run].
type FatalError struct {
	// Value is the panic value, if the error originated from a panic.
	Value any
	// Message describes the violated invariant.
	Message string
	// Stack is the stack of the goroutine that raised the error.
	Stack []byte
	// Thread is the thread that was active, or zero.
	Thread ThreadID
}

func (e *FatalError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ksched: fatal: thread %s: %s", e.Thread, e.Message)
	}
	return fmt.Sprintf("ksched: fatal: thread %s: panic: %v", e.Thread, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *FatalError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// fatalf raises a fatal error, which unwinds the calling kernel thread and
// halts the kernel.
func (k *Kernel) fatalf(format string, args ...any) {
	err := &FatalError{
		Message: fmt.Sprintf(format, args...),
		Stack:   debug.Stack(),
	}
	if k.active != nil {
		err.Thread = k.active.id
	}
	panic(err)
}

// assert raises a fatal error if cond is false.
func (k *Kernel) assert(cond bool, format string, args ...any) {
	if !cond {
		k.fatalf(format, args...)
	}
}
