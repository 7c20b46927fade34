// Package ringbuf implements a fixed-capacity, frame-indexed circular
// buffer. It backs both the input queue's entry log and the snapshot
// store, per spec.md §4.3.
package ringbuf

import (
	"fmt"

	"github.com/kstaniek/lockstep/internal/frame"
	"github.com/kstaniek/lockstep/internal/sessionerr"
)

// Buffer is a fixed-capacity ring of values of type T, indexed by frame
// modulo capacity. A slot records which frame last wrote it so stale reads
// can be detected.
type Buffer[T any] struct {
	slots    []T
	occupied []bool
	frames   []frame.Frame
	size     int
}

// New creates a Buffer with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	b := &Buffer[T]{
		slots:    make([]T, capacity),
		occupied: make([]bool, capacity),
		frames:   make([]frame.Frame, capacity),
	}
	for i := range b.frames {
		b.frames[i] = frame.NullFrame
	}
	return b
}

func (b *Buffer[T]) index(f frame.Frame) int {
	cap := len(b.slots)
	m := int64(f) % int64(cap)
	if m < 0 {
		m += int64(cap)
	}
	return int(m)
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.slots) }

// Save writes value at the slot for frame f, overwriting whatever
// previously occupied frame f mod capacity.
func (b *Buffer[T]) Save(f frame.Frame, value T) {
	idx := b.index(f)
	if !b.occupied[idx] {
		b.size++
	}
	b.slots[idx] = value
	b.occupied[idx] = true
	b.frames[idx] = f
}

// Load returns the value stored for frame f. If the slot's stored frame
// does not equal f (never written, or overwritten by a later frame that
// aliases the same slot), it fails with ErrStaleFrame.
func (b *Buffer[T]) Load(f frame.Frame) (T, error) {
	idx := b.index(f)
	var zero T
	if !b.occupied[idx] || b.frames[idx] != f {
		return zero, fmt.Errorf("ringbuf load frame %s: %w", f, sessionerr.ErrStaleFrame)
	}
	return b.slots[idx], nil
}

// Has reports whether a live value is stored for frame f.
func (b *Buffer[T]) Has(f frame.Frame) bool {
	idx := b.index(f)
	return b.occupied[idx] && b.frames[idx] == f
}

// Size returns the number of occupied slots (never exceeds Cap()).
func (b *Buffer[T]) Size() int { return b.size }

// Discard clears the slot for frame f if it is still the one occupying it,
// freeing it for reuse without waiting for a future Save to alias it.
func (b *Buffer[T]) Discard(f frame.Frame) {
	idx := b.index(f)
	if b.occupied[idx] && b.frames[idx] == f {
		var zero T
		b.slots[idx] = zero
		b.occupied[idx] = false
		b.frames[idx] = frame.NullFrame
		b.size--
	}
}
