// Package ksync implements the kernel's blocking synchronization
// primitives: [Mutex], [Cond], [Sem], [MsgQueue], and [Nanosleep].
//
// Every primitive follows the same shape. The caller is enqueued in a
// [ksched.WaitQueue] (interruptibly, with an optional timeout alarm), then
// reschedules. It resumes once released by the complementary operation,
// once the timeout elapses, or once interrupted by a signal, and these
// outcomes are mutually exclusive. Release from any queue is FIFO.
//
// All methods must be called from threads of the kernel that owns the
// primitive. Methods that release waiters may also be called from alarm
// callbacks.
package ksync
