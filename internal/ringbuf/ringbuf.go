// Package ringbuf implements the power-of-two ring-buffer arena shared
// by a channel's descriptor and data rings (spec §3, §4.1, §9 "Shared
// ring buffers vs. ownership"). Elements are addressed by monotonically
// growing 64-bit indices masked to the ring size; the buffer itself
// holds no read/write cursors of its own — those live in the owning
// Channel, which is the single place access is serialized.
package ringbuf

import "fmt"

// View is a fixed-size, power-of-two ring buffer over a pre-allocated
// slice. It never reallocates: Size is fixed at construction, matching
// the DMA engine's notion of a descriptor/data ring of a fixed byte
// span.
type View[T any] struct {
	buf        []T
	sizeExp    uint
	size       uint64
	mask       uint64
}

// New wraps buf (whose length must be a power of two) as a ring
// buffer view. The view does not own buf's backing storage; buf is
// typically a slice into a shared-memory arena (see internal/shm).
func New[T any](buf []T) *View[T] {
	n := len(buf)
	if n == 0 || n&(n-1) != 0 {
		panic(fmt.Sprintf("ringbuf: size %d is not a power of two", n))
	}
	exp := 0
	for (1 << exp) < n {
		exp++
	}
	return &View[T]{
		buf:     buf,
		sizeExp: uint(exp),
		size:    uint64(n),
		mask:    uint64(n - 1),
	}
}

// At returns a pointer to the element at virtual index n.
func (v *View[T]) At(n uint64) *T {
	return &v.buf[n&v.mask]
}

// Get returns the element at virtual index n.
func (v *View[T]) Get(n uint64) T {
	return v.buf[n&v.mask]
}

// Set stores val at virtual index n.
func (v *View[T]) Set(n uint64, val T) {
	v.buf[n&v.mask] = val
}

// Size returns the number of addressable slots.
func (v *View[T]) Size() uint64 { return v.size }

// SizeExponent returns log2(Size()).
func (v *View[T]) SizeExponent() uint { return v.sizeExp }

// Mask returns the index bit-mask (Size()-1).
func (v *View[T]) Mask() uint64 { return v.mask }

// PhysicalIndex returns the backing-slice index that virtual index n
// maps to; used by callers computing shared-memory offsets/handles.
func (v *View[T]) PhysicalIndex(n uint64) uint64 {
	return n & v.mask
}

// Contiguous reports whether the virtual range [first, last) maps to a
// single contiguous run in the backing slice (true), or wraps around
// the end of the ring (false). last is exclusive and must satisfy
// last >= first and last-first <= Size().
func (v *View[T]) Contiguous(first, last uint64) bool {
	if first == last {
		return true
	}
	return v.PhysicalIndex(first) <= v.PhysicalIndex(last-1)
}

// Slices returns one slice (contiguous case) or two slices (wrapped
// case) covering the virtual range [first, last).
func (v *View[T]) Slices(first, last uint64) [][]T {
	if first == last {
		return nil
	}
	pf := v.PhysicalIndex(first)
	pl := v.PhysicalIndex(last - 1) + 1 // exclusive physical end
	if pf < pl {
		return [][]T{v.buf[pf:pl]}
	}
	// wrapped: [pf, Size) then [0, pl)
	return [][]T{v.buf[pf:], v.buf[:pl]}
}
