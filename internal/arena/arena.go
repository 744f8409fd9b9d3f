// Package arena implements a fixed capacity slot arena, addressed by
// generational handles.
//
// Slot 0 is reserved, so the zero Handle is never valid. Freed slots are
// reused lowest first, and each reuse bumps the slot's generation, so a stale
// handle fails lookup instead of aliasing the new occupant.
package arena

import (
	"fmt"
	"iter"

	"github.com/joeycumines/go-ksched/internal/bitmap"
)

type (
	// Handle identifies a live value. The low 32 bits are the slot, the high
	// 32 bits are the generation.
	Handle uint64

	Arena[T any] struct {
		slots []slot[T]
		free  *bitmap.Bitmap // bit i set iff slot i is free
		len   int
	}

	slot[T any] struct {
		val  T
		gen  uint32
		live bool
	}
)

// New allocates an arena able to hold capacity values.
func New[T any](capacity int) *Arena[T] {
	if capacity <= 0 || capacity+1 > bitmap.MaxSize {
		panic(`arena: invalid capacity`)
	}
	a := &Arena[T]{
		slots: make([]slot[T], capacity+1),
		free:  bitmap.New(capacity + 1),
	}
	for i := 1; i <= capacity; i++ {
		a.slots[i].gen = 1
		a.free.Set(i)
	}
	return a
}

func makeHandle(slot int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(slot)))
}

// Slot returns the slot index, which is unique amongst live handles.
func (h Handle) Slot() int { return int(uint32(h)) }

// Generation returns the generation of the slot, at the time of allocation.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf(`%d.%d`, h.Slot(), h.Generation())
}

// Cap returns the capacity.
func (a *Arena[T]) Cap() int { return len(a.slots) - 1 }

// Len returns the number of live values.
func (a *Arena[T]) Len() int { return a.len }

// Alloc stores val in the lowest free slot, returning false if the arena is
// full.
func (a *Arena[T]) Alloc(val T) (Handle, bool) {
	i := a.free.Lowest()
	if i <= 0 {
		return 0, false
	}
	a.free.Clear(i)
	s := &a.slots[i]
	s.val = val
	s.live = true
	a.len++
	return makeHandle(i, s.gen), true
}

// Get returns the value for h, or false if h is zero, stale, or out of range.
func (a *Arena[T]) Get(h Handle) (val T, ok bool) {
	if s := a.lookup(h); s != nil {
		return s.val, true
	}
	return
}

// Free releases the slot for h, returning false if h was not live.
func (a *Arena[T]) Free(h Handle) bool {
	s := a.lookup(h)
	if s == nil {
		return false
	}
	var zero T
	s.val = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free.Set(h.Slot())
	a.len--
	return true
}

// All iterates over live values, in slot order.
func (a *Arena[T]) All() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		for i := 1; i < len(a.slots); i++ {
			s := &a.slots[i]
			if s.live && !yield(makeHandle(i, s.gen), s.val) {
				return
			}
		}
	}
}

func (a *Arena[T]) lookup(h Handle) *slot[T] {
	i := h.Slot()
	if i <= 0 || i >= len(a.slots) {
		return nil
	}
	s := &a.slots[i]
	if !s.live || s.gen != h.Generation() {
		return nil
	}
	return s
}
