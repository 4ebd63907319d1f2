// Package ringbuf provides a fixed-capacity circular buffer.
//
// Appends never reallocate once the backing slice has reached capacity: the
// write head wraps around and overwrites the oldest entry. Reads return
// entries oldest first.
//
// A RingBuffer is not safe for concurrent use. Its owner is expected to
// serialize access (see internal/session).
package ringbuf

// RingBuffer is a generic FIFO buffer that evicts its oldest entry on overflow.
type RingBuffer[T any] struct {
	entries  []T
	capacity int

	head       int   // index where the next write goes
	totalAdded int64 // appends since construction or the last Clear
}

// New creates a ring buffer holding at most capacity entries.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one entry, overwriting the oldest if the buffer is full.
func (rb *RingBuffer[T]) Append(item T) {
	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, item)
	} else {
		rb.entries[rb.head] = item
	}
	rb.head = (rb.head + 1) % rb.capacity
	rb.totalAdded++
}

// Items returns a copy of the retained entries in arrival order.
func (rb *RingBuffer[T]) Items() []T {
	if len(rb.entries) == 0 {
		return nil
	}

	result := make([]T, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		copy(result, rb.entries)
		return result
	}

	// Full: head points at the oldest entry.
	n := copy(result, rb.entries[rb.head:])
	copy(result[n:], rb.entries[:rb.head])
	return result
}

// Each calls fn for every retained entry, oldest first, without copying.
func (rb *RingBuffer[T]) Each(fn func(T)) {
	if len(rb.entries) < rb.capacity {
		for _, e := range rb.entries {
			fn(e)
		}
		return
	}
	for i := 0; i < rb.capacity; i++ {
		fn(rb.entries[(rb.head+i)%rb.capacity])
	}
}

// Last returns the most recently appended entry.
func (rb *RingBuffer[T]) Last() (T, bool) {
	var zero T
	if len(rb.entries) == 0 {
		return zero, false
	}
	idx := (rb.head - 1 + rb.capacity) % rb.capacity
	if len(rb.entries) < rb.capacity {
		idx = len(rb.entries) - 1
	}
	return rb.entries[idx], true
}

// First returns the oldest retained entry.
func (rb *RingBuffer[T]) First() (T, bool) {
	var zero T
	if len(rb.entries) == 0 {
		return zero, false
	}
	if len(rb.entries) < rb.capacity {
		return rb.entries[0], true
	}
	return rb.entries[rb.head], true
}

// Clear removes all entries. Capacity is retained.
func (rb *RingBuffer[T]) Clear() {
	// Zero the slots so evicted values can be collected.
	var zero T
	for i := range rb.entries {
		rb.entries[i] = zero
	}
	rb.entries = rb.entries[:0]
	rb.head = 0
	rb.totalAdded = 0
}

// Len returns the number of retained entries.
func (rb *RingBuffer[T]) Len() int {
	return len(rb.entries)
}

// Cap returns the fixed capacity.
func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

// TotalAdded returns how many entries were appended since the last Clear.
func (rb *RingBuffer[T]) TotalAdded() int64 {
	return rb.totalAdded
}

// Evicted returns how many entries were overwritten since the last Clear.
func (rb *RingBuffer[T]) Evicted() int64 {
	return rb.totalAdded - int64(len(rb.entries))
}
