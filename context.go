package ksched

import (
	"runtime"
)

type (
	// ExecContext is an opaque execution context, owned by an [Arch]. The
	// kernel never inspects it.
	ExecContext any

	// Arch is the execution context collaborator, responsible for building,
	// switching between, and destroying thread contexts.
	//
	// NewContext with a nil entry returns a context for the caller itself,
	// which is how the goroutine calling Run parks while the kernel runs.
	//
	// Switch must resume (or start) to, then suspend the caller in from.
	// Either may be nil: a nil from means the caller has no context to save,
	// and a nil to means nothing is resumed. If from has been destroyed,
	// Switch returns immediately after resuming to, and the caller must not
	// touch the kernel again.
	//
	// DestroyContext releases a context. Destroying a suspended context must
	// unwind it before returning. Destroying the caller's own context only
	// marks it, the caller is expected to unwind itself.
	Arch interface {
		NewContext(entry func(), stack []byte) ExecContext
		Switch(from, to ExecContext)
		DestroyContext(c ExecContext)
	}

	// goroutineArch is the default Arch, backing each context with a
	// goroutine, and handing off a single permit to run between them.
	goroutineArch struct {
		current *goroutineContext
	}

	goroutineContext struct {
		entry     func()
		wake      chan struct{}
		kill      chan struct{}
		exited    chan struct{}
		started   bool
		destroyed bool
	}
)

// NewGoroutineArch returns the default [Arch] implementation, where every
// context is a goroutine, parked unless it holds the CPU. The stack argument
// to NewContext is accepted for accounting only.
func NewGoroutineArch() Arch {
	return new(goroutineArch)
}

func (x *goroutineArch) NewContext(entry func(), _ []byte) ExecContext {
	c := &goroutineContext{
		entry:  entry,
		wake:   make(chan struct{}, 1),
		kill:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if entry == nil {
		c.started = true
		x.current = c
	}
	return c
}

func (x *goroutineArch) Switch(from, to ExecContext) {
	// from may be destroyed by to, as soon as it runs
	var parked *goroutineContext
	if from != nil {
		if c := from.(*goroutineContext); !c.destroyed {
			parked = c
		}
	}
	if to != nil {
		c := to.(*goroutineContext)
		x.current = c
		if c.started {
			c.wake <- struct{}{}
		} else {
			c.started = true
			go c.run()
		}
	}
	if parked != nil {
		parked.park()
	}
}

func (x *goroutineArch) DestroyContext(ec ExecContext) {
	c := ec.(*goroutineContext)
	if c.destroyed {
		return
	}
	c.destroyed = true
	if !c.started || c == x.current {
		return
	}
	close(c.kill)
	<-c.exited
}

func (c *goroutineContext) run() {
	defer close(c.exited)
	c.entry()
}

func (c *goroutineContext) park() {
	select {
	case <-c.wake:
	case <-c.kill:
		runtime.Goexit()
	}
}
