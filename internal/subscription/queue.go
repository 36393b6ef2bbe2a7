package subscription

import (
	"sync"
)

// Queue is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full, up to a fixed limit. Once at the limit, Send refuses new items
// instead of blocking the producer.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	totalDropped  int64
	resizeCount   int
}

// NewQueue creates a queue with the given initial capacity that holds at
// most limit items. A limit below the initial capacity is raised to it.
func NewQueue[T any](initialCapacity, limit int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < initialCapacity {
		limit = initialCapacity
	}
	q := &Queue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send adds an item to the queue, growing it if at 70% capacity.
// Returns false if the queue is closed or holds limit items.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count >= q.limit {
		q.totalDropped++
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.limit {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++

	q.cond.Signal()
	return true
}

// Receive removes and returns the oldest item. Blocks until an item is
// available or the queue is closed. Returns false if closed and empty.
func (q *Queue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// TryReceive attempts to receive without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// DrainTo removes up to max items (all if max <= 0) in FIFO order.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.pop()
	}
	return result
}

// Close closes the queue. After closing, Send returns false.
// Receivers get the remaining items, then the closed signal.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current capacity.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      q.capacity,
		Limit:         q.limit,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		TotalDropped:  q.totalDropped,
		ResizeCount:   q.resizeCount,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	TotalDropped  int64
	ResizeCount   int
}

// pop removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) pop() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++
	return item
}

// grow doubles the capacity, capped at limit. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.limit {
		newCapacity = q.limit
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
