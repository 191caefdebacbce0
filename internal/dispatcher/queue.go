package dispatcher

import (
	"fmt"
	"sync"
)

// lockedQueue is an unbounded FIFO safe for concurrent use.
type lockedQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *lockedQueue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *lockedQueue[T]) Dequeue() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *lockedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *lockedQueue[T]) IsEmpty() bool { return q.Len() == 0 }

// circularQueue is the bounded input queue of the optimizing dispatcher. Entry i of the queue
// lives at index (i + shift) % capacity of the array.
type circularQueue struct {
	mu     sync.Mutex
	jobs   []*Job
	length int
	shift  int
}

func newCircularQueue(capacity int) *circularQueue {
	if capacity <= 0 {
		panic(fmt.Sprintf("BUG: input queue capacity %d", capacity))
	}
	return &circularQueue{jobs: make([]*Job, capacity)}
}

// index returns the array index of entry i. The caller holds mu.
func (q *circularQueue) index(i int) int {
	return (i + q.shift) % len(q.jobs)
}

func (q *circularQueue) Capacity() int { return len(q.jobs) }

func (q *circularQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Push appends job and returns false if the queue is full.
func (q *circularQueue) Push(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == len(q.jobs) {
		return false
	}
	q.jobs[q.index(q.length)] = job
	q.length++
	return true
}

// Pop removes the oldest entry, or returns nil if the queue is empty.
func (q *circularQueue) Pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == 0 {
		return nil
	}
	i := q.index(0)
	job := q.jobs[i]
	q.jobs[i] = nil
	q.shift = q.index(1)
	q.length--
	return job
}
