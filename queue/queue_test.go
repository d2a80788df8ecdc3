package queue

import (
	"testing"
	"time"

	"github.com/pressline/syndicate/id"
)

func ref(jobType string, priority int) Ref {
	return Ref{
		JobID:     id.NewJobID(),
		Type:      jobType,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func TestQueue_Empty(t *testing.T) {
	t.Parallel()

	q := New()
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("DequeueNext on empty queue should return false")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_HigherPriorityFirst(t *testing.T) {
	t.Parallel()

	q := New()
	low := ref("publish", 0)
	high := ref("publish", 10)
	mid := ref("publish", 5)

	q.Enqueue(low)
	q.Enqueue(high)
	q.Enqueue(mid)

	want := []Ref{high, mid, low}
	for i, w := range want {
		got, ok := q.DequeueNext()
		if !ok {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if got.JobID.String() != w.JobID.String() {
			t.Errorf("dequeue %d: got priority %d, want %d", i, got.Priority, w.Priority)
		}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := New()
	refs := make([]Ref, 5)
	for i := range refs {
		refs[i] = ref("publish", 3)
		q.Enqueue(refs[i])
	}

	for i, w := range refs {
		got, ok := q.DequeueNext()
		if !ok {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if got.JobID.String() != w.JobID.String() {
			t.Errorf("dequeue %d: FIFO order violated", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Type-scoped draining
// ---------------------------------------------------------------------------

func TestQueue_DequeueNextOfType(t *testing.T) {
	t.Parallel()

	q := New()
	publish := ref("publish", 0)
	export := ref("export", 9)

	q.Enqueue(publish)
	q.Enqueue(export)

	got, ok := q.DequeueNextOfType("publish")
	if !ok {
		t.Fatal("expected a publish ref")
	}
	if got.JobID.String() != publish.JobID.String() {
		t.Error("DequeueNextOfType returned the wrong ref")
	}

	if _, ok := q.DequeueNextOfType("publish"); ok {
		t.Error("no publish refs should remain")
	}

	// The export ref is untouched.
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_DequeueNextOfType_PriorityOrder(t *testing.T) {
	t.Parallel()

	q := New()
	low := ref("export", 1)
	high := ref("export", 8)
	q.Enqueue(low)
	q.Enqueue(high)
	q.Enqueue(ref("publish", 100))

	got, ok := q.DequeueNextOfType("export")
	if !ok {
		t.Fatal("expected an export ref")
	}
	if got.JobID.String() != high.JobID.String() {
		t.Error("type-scoped dequeue should still honor priority order")
	}
}

func TestQueue_DequeueNextOfType_FIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := New()
	first := ref("export", 5)
	second := ref("export", 5)
	q.Enqueue(ref("publish", 9))
	q.Enqueue(first)
	q.Enqueue(second)

	got, ok := q.DequeueNextOfType("export")
	if !ok {
		t.Fatal("expected an export ref")
	}
	if got.JobID.String() != first.JobID.String() {
		t.Error("equal-priority refs should drain in enqueue order")
	}
}

// ---------------------------------------------------------------------------
// Removal
// ---------------------------------------------------------------------------

func TestQueue_Remove(t *testing.T) {
	t.Parallel()

	q := New()
	keep := ref("publish", 2)
	drop := ref("publish", 7)
	q.Enqueue(keep)
	q.Enqueue(drop)

	if !q.Remove(drop.JobID) {
		t.Fatal("Remove should report true for a queued ref")
	}
	if q.Remove(drop.JobID) {
		t.Error("Remove should report false for an absent ref")
	}

	got, ok := q.DequeueNext()
	if !ok || got.JobID.String() != keep.JobID.String() {
		t.Error("remaining ref should be the one not removed")
	}
}
