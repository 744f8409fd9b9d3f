// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ksched

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/go-ksched/internal/bitmap"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultPriorities is the default number of priority levels. Priority 0
	// is reserved for the idle thread.
	DefaultPriorities = 32
	// DefaultMaxThreads is the default capacity of the thread table,
	// including the idle thread.
	DefaultMaxThreads = 256
	// DefaultStackSize is the default stack size, in bytes.
	DefaultStackSize = 16 << 10
	// DefaultTimeSlice is the default Round-Robin time slice.
	DefaultTimeSlice = 10 * time.Millisecond
	// DefaultMinTimeSlice is the default Round-Robin threshold, at or below
	// which a remaining slice is considered too small to be useful.
	DefaultMinTimeSlice = time.Millisecond
)

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	clock        clock.Clock
	logger       *logiface.Logger[logiface.Event]
	arch         Arch
	allocator    Allocator
	priorities   int
	maxThreads   int
	stackSize    int
	timeSlice    time.Duration
	minTimeSlice time.Duration
	preemption   bool
	metrics      bool
}

// KernelOption configures a Kernel instance.
type KernelOption interface {
	applyKernel(*kernelOptions) error
}

// kernelOptionImpl implements KernelOption.
type kernelOptionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (x *kernelOptionImpl) applyKernel(opts *kernelOptions) error {
	return x.applyKernelFunc(opts)
}

// WithClock sets the clock collaborator. Defaults to the real clock. A
// [clock.Mock] makes time virtual, advanced only by [Kernel.Work] and the
// idle thread.
func WithClock(c clock.Clock) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if c == nil {
			return fmt.Errorf("ksched: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger (the default) disables
// logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithArch sets the execution context collaborator. Defaults to
// [NewGoroutineArch].
func WithArch(arch Arch) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if arch == nil {
			return fmt.Errorf("ksched: nil arch")
		}
		opts.arch = arch
		return nil
	}}
}

// WithAllocator sets the memory collaborator, used for thread stacks.
// Defaults to an unbounded [HeapAllocator].
func WithAllocator(allocator Allocator) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if allocator == nil {
			return fmt.Errorf("ksched: nil allocator")
		}
		opts.allocator = allocator
		return nil
	}}
}

// WithPriorities sets the number of priority levels, [0, n). Priority 0 is
// reserved for the idle thread.
func WithPriorities(n int) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 2 || n > bitmap.MaxSize {
			return fmt.Errorf("ksched: invalid priorities: %d", n)
		}
		opts.priorities = n
		return nil
	}}
}

// WithMaxThreads sets the capacity of the thread table, including the idle
// thread. Exhausting it is fatal.
func WithMaxThreads(n int) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 2 || n >= bitmap.MaxSize {
			return fmt.Errorf("ksched: invalid max threads: %d", n)
		}
		opts.maxThreads = n
		return nil
	}}
}

// WithStackSize sets the default stack size, for threads that don't specify
// one.
func WithStackSize(n int) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 0 {
			return fmt.Errorf("ksched: invalid stack size: %d", n)
		}
		opts.stackSize = n
		return nil
	}}
}

// WithTimeSlice sets the Round-Robin time slice.
func WithTimeSlice(d time.Duration) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if d <= 0 {
			return fmt.Errorf("ksched: invalid time slice: %s", d)
		}
		opts.timeSlice = d
		return nil
	}}
}

// WithMinTimeSlice sets the Round-Robin threshold, at or below which a
// remaining slice is replenished, rather than resumed.
func WithMinTimeSlice(d time.Duration) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if d < 0 {
			return fmt.Errorf("ksched: invalid min time slice: %s", d)
		}
		opts.minTimeSlice = d
		return nil
	}}
}

// WithPreemption enables (the default) or disables preemption. With
// preemption disabled, the active thread runs until it blocks, yields, or
// exits.
func WithPreemption(enabled bool) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.preemption = enabled
		return nil
	}}
}

// WithMetrics enables metrics collection, see [Kernel.Metrics].
func WithMetrics(enabled bool) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.metrics = enabled
		return nil
	}}
}

// WithConfig applies a file based configuration. Zero fields are ignored.
func WithConfig(cfg *Config) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if cfg == nil {
			return nil
		}
		return cfg.apply(opts)
	}}
}

// resolveKernelOptions applies KernelOption instances to kernelOptions.
func resolveKernelOptions(opts []KernelOption) (*kernelOptions, error) {
	cfg := &kernelOptions{
		priorities:   DefaultPriorities,
		maxThreads:   DefaultMaxThreads,
		stackSize:    DefaultStackSize,
		timeSlice:    DefaultTimeSlice,
		minTimeSlice: DefaultMinTimeSlice,
		preemption:   true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.minTimeSlice >= cfg.timeSlice {
		return nil, fmt.Errorf("ksched: min time slice %s must be less than time slice %s", cfg.minTimeSlice, cfg.timeSlice)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.arch == nil {
		cfg.arch = NewGoroutineArch()
	}
	if cfg.allocator == nil {
		cfg.allocator = NewHeapAllocator(0)
	}
	return cfg, nil
}
