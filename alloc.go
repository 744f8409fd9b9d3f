package ksched

type (
	// Allocator is the memory collaborator, used for thread stacks.
	// Alloc returns nil on exhaustion, which the kernel treats as fatal.
	Allocator interface {
		Alloc(size int) []byte
		Free(b []byte)
	}

	// HeapAllocator is a bounded [Allocator], modelling a statically
	// provisioned kernel heap.
	HeapAllocator struct {
		limit int
		used  int
		peak  int
	}
)

var _ Allocator = (*HeapAllocator)(nil)

// NewHeapAllocator returns an allocator that refuses to hand out more than
// limit bytes at once. A limit of 0 is unbounded.
func NewHeapAllocator(limit int) *HeapAllocator {
	if limit < 0 {
		panic(`ksched: invalid heap limit`)
	}
	return &HeapAllocator{limit: limit}
}

func (x *HeapAllocator) Alloc(size int) []byte {
	if size < 0 || (x.limit > 0 && x.used+size > x.limit) {
		return nil
	}
	x.used += size
	x.peak = max(x.peak, x.used)
	return make([]byte, size)
}

func (x *HeapAllocator) Free(b []byte) {
	x.used -= cap(b)
	if x.used < 0 {
		panic(`ksched: heap allocator: double free`)
	}
}

// Used returns the number of bytes currently allocated.
func (x *HeapAllocator) Used() int { return x.used }

// Peak returns the high water mark of Used.
func (x *HeapAllocator) Peak() int { return x.peak }
