// Package ksched implements the thread scheduling and concurrency core of a
// small, single core kernel, hosted on the Go runtime.
//
// A [Kernel] owns every thread descriptor, a per-priority ready queue set
// (with a two level bitmap for O(1) selection of the highest priority), a set
// of secondary scheduling policies ([Fifo], Round-Robin, and
// Earliest-Deadline-First), the generic interruptible blocking queue protocol
// ([WaitQueue]), and asynchronous signal delivery.
//
// Each kernel thread is backed by a goroutine, but exactly one of them holds
// the CPU at any instant. Kernel state is only ever touched by the goroutine
// of the active thread (or by the host goroutine, before [Kernel.Run]), which
// is the same serialization a uniprocessor kernel gets from disabling
// interrupts. Time is supplied by a [clock.Clock], and alarms fire at kernel
// entry points, most notably [Kernel.Work], which models a thread consuming
// CPU time. Using a [clock.Mock] makes a simulation fully deterministic.
//
// Operations that act on the calling thread must only be invoked from kernel
// threads (the goroutines started by the kernel). Violated structural
// invariants are fatal, halting the kernel, and are returned from
// [Kernel.Run] as a [*FatalError]. Caller facing failures are reported as
// [Errno] values.
//
// Synchronization primitives built on this package live in the ksync
// sub-package.
package ksched
