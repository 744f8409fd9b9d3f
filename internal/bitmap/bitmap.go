// Package bitmap implements a fixed size, two level bitmap, supporting O(1)
// (in the number of machine words) discovery of the highest or lowest set bit.
//
// The first level is a single summary word, where bit w is set iff word w of
// the second level is non-zero, limiting the size to 64*64 bits.
package bitmap

import (
	"math/bits"
)

const (
	wordBits = 64

	// MaxSize is the largest supported bitmap size.
	MaxSize = wordBits * wordBits
)

type Bitmap struct {
	words   []uint64
	summary uint64
	size    int
}

// New allocates a bitmap of the given size, panicking if size is not within
// (0, MaxSize].
func New(size int) *Bitmap {
	if size <= 0 || size > MaxSize {
		panic(`bitmap: invalid size`)
	}
	return &Bitmap{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Len returns the number of bits.
func (x *Bitmap) Len() int { return x.size }

func (x *Bitmap) Set(i int) {
	x.check(i)
	w := i / wordBits
	x.words[w] |= 1 << uint(i%wordBits)
	x.summary |= 1 << uint(w)
}

func (x *Bitmap) Clear(i int) {
	x.check(i)
	w := i / wordBits
	x.words[w] &^= 1 << uint(i%wordBits)
	if x.words[w] == 0 {
		x.summary &^= 1 << uint(w)
	}
}

func (x *Bitmap) Test(i int) bool {
	x.check(i)
	return x.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// Empty reports whether no bits are set.
func (x *Bitmap) Empty() bool { return x.summary == 0 }

// Highest returns the index of the most significant set bit, or -1.
func (x *Bitmap) Highest() int {
	if x.summary == 0 {
		return -1
	}
	w := bits.Len64(x.summary) - 1
	return w*wordBits + bits.Len64(x.words[w]) - 1
}

// Lowest returns the index of the least significant set bit, or -1.
func (x *Bitmap) Lowest() int {
	if x.summary == 0 {
		return -1
	}
	w := bits.TrailingZeros64(x.summary)
	return w*wordBits + bits.TrailingZeros64(x.words[w])
}

func (x *Bitmap) check(i int) {
	if i < 0 || i >= x.size {
		panic(`bitmap: index out of range`)
	}
}
