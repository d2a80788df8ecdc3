// Package queue implements the in-memory priority queue that orders
// pending jobs for workers. Higher-priority jobs are served first;
// within equal priority, FIFO by enqueue sequence. The queue holds
// lightweight references only — the record store remains the source of
// truth for job state, and claiming is guarded there.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pressline/syndicate/id"
)

// Ref is a lightweight reference to a pending job.
type Ref struct {
	JobID     id.JobID
	Type      string
	Priority  int
	CreatedAt time.Time
}

// item wraps a Ref with the monotonic sequence used for FIFO tie-breaks.
type item struct {
	ref Ref
	seq uint64
}

// Queue is a thread-safe priority queue of pending job references.
type Queue struct {
	mu    sync.Mutex
	items refHeap
	seq   uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue adds a job reference.
func (q *Queue) Enqueue(ref Ref) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	heap.Push(&q.items, item{ref: ref, seq: q.seq})
}

// DequeueNext removes and returns the highest-priority reference.
// Returns false when the queue is empty.
func (q *Queue) DequeueNext() (Ref, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return Ref{}, false
	}
	it := heap.Pop(&q.items).(item)
	return it.ref, true
}

// DequeueNextOfType removes and returns the highest-priority reference
// whose Type matches. Ordering among matching refs is preserved.
// Returns false when no matching reference is queued.
func (q *Queue) DequeueNextOfType(jobType string) (Ref, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The backing array is only heap-ordered, so every match must be
	// compared before removing one.
	best := -1
	for i, it := range q.items {
		if it.ref.Type != jobType {
			continue
		}
		if best == -1 || q.items.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return Ref{}, false
	}
	it := q.items[best]
	heap.Remove(&q.items, best)
	return it.ref, true
}

// Remove drops the reference for jobID, if queued. Used when a pending
// job is cancelled before a worker picks it up.
func (q *Queue) Remove(jobID id.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.ref.JobID.String() == jobID.String() {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Len returns the number of queued references.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// refHeap implements heap.Interface: priority DESC, then seq ASC.
type refHeap []item

func (h refHeap) Len() int { return len(h) }

func (h refHeap) Less(i, j int) bool {
	if h[i].ref.Priority != h[j].ref.Priority {
		return h[i].ref.Priority > h[j].ref.Priority
	}
	return h[i].seq < h[j].seq
}

func (h refHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *refHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *refHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
