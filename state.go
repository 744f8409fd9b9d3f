package ksched

import (
	"sync/atomic"
)

// KernelState is the lifecycle state of a [Kernel].
//
// State machine:
//
//	KernelAwake → KernelRunning   [Run()]
//	KernelRunning → KernelHalting [all threads exited, deadlock, fatal error, ctx done]
//	KernelHalting → KernelHalted  [thread goroutines unwound]
//	KernelHalted → (terminal)
type KernelState uint32

const (
	// KernelAwake indicates the kernel has been created but not started.
	KernelAwake KernelState = iota
	// KernelRunning indicates Run is in progress.
	KernelRunning
	// KernelHalting indicates the kernel has stopped scheduling, and Run is
	// unwinding the remaining thread goroutines.
	KernelHalting
	// KernelHalted indicates Run has returned.
	KernelHalted
)

func (s KernelState) String() string {
	switch s {
	case KernelAwake:
		return "Awake"
	case KernelRunning:
		return "Running"
	case KernelHalting:
		return "Halting"
	case KernelHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// kernelState is the atomic lifecycle state, safe to read from any goroutine.
type kernelState struct {
	v atomic.Uint32
}

func (s *kernelState) Load() KernelState {
	return KernelState(s.v.Load())
}

func (s *kernelState) Store(state KernelState) {
	s.v.Store(uint32(state))
}

// TryTransition atomically transitions from one state to another, returning
// true on success.
func (s *kernelState) TryTransition(from, to KernelState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// ThreadState is the state of a single thread.
//
//	        create
//	          │
//	          ▼
//	 ┌────► Ready ◄────────────┐
//	 │        │ schedule       │ release / interrupt / resume
//	 │        ▼                │
//	 └──── Active ──────► Wait | Suspended
//	preempt   │
//	          ▼ exit (from any state)
//	       Passive
type ThreadState uint8

const (
	// StateReady indicates the thread is eligible to run, and is in the ready
	// queue for its priority.
	StateReady ThreadState = iota
	// StateActive indicates the thread is executing.
	StateActive
	// StateWait indicates the thread is blocked in a [WaitQueue].
	StateWait
	// StateSuspended indicates the thread is blocked outside of any queue,
	// with an attached interrupt handler.
	StateSuspended
	// StatePassive indicates the thread has terminated, and the descriptor is
	// retained only until its exit status is collected.
	StatePassive
)

func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateActive:
		return "Active"
	case StateWait:
		return "Wait"
	case StateSuspended:
		return "Suspended"
	case StatePassive:
		return "Passive"
	default:
		return "Unknown"
	}
}

// Position selects which end of a ready queue a thread is inserted at.
type Position uint8

const (
	// Last appends, preserving arrival order.
	Last Position = iota
	// First prepends, used to resume a preempted thread ahead of its peers.
	First
)

func (p Position) String() string {
	if p == First {
		return "First"
	}
	return "Last"
}
