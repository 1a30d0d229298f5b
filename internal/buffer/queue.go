// Package buffer provides the bounded frame queue used while a session's
// upstream link is still being established.
package buffer

import (
	"errors"
	"sync"
)

// ErrFull is returned by Push when the queue is at capacity.
var ErrFull = errors.New("queue full")

// Queue is a thread-safe bounded FIFO of frames. Unlike a ring buffer it
// never evicts: when full, new frames are refused and the caller decides
// what to tell the sender.
type Queue struct {
	frames   [][]byte
	capacity int
	dropped  int
	mu       sync.Mutex
}

// NewQueue creates a Queue holding at most capacity frames.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		frames:   make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a copy of frame, or returns ErrFull.
func (q *Queue) Push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) >= q.capacity {
		q.dropped++
		return ErrFull
	}

	owned := make([]byte, len(frame))
	copy(owned, frame)
	q.frames = append(q.frames, owned)
	return nil
}

// Drain returns every queued frame in arrival order and empties the queue.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil
	}
	out := q.frames
	q.frames = make([][]byte, 0, q.capacity)
	return out
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.frames)
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return q.capacity
}

// Dropped returns how many frames Push has refused since creation.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}
