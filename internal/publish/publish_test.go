package publish

import (
	"testing"
	"time"
)

func newRecord(handle uint32) *Record {
	return NewRecord(Request{RequestHeader: RequestHeader{RequestHandle: handle}}, nil, func(Request, Response) {}, time.Time{})
}

func TestQueueEnqueueEvictsOldestOverCapacity(t *testing.T) {
	q := NewQueue(2)
	if q.Enqueue(newRecord(1)) != nil {
		t.Fatal("expected no eviction on first insert")
	}
	if q.Enqueue(newRecord(2)) != nil {
		t.Fatal("expected no eviction at capacity")
	}
	evicted := q.Enqueue(newRecord(3))
	if evicted == nil || evicted.Request.RequestHeader.RequestHandle != 1 {
		t.Fatalf("expected record 1 evicted, got %+v", evicted)
	}
	if q.Len() != 2 {
		t.Fatalf("expected queue length 2, got %d", q.Len())
	}
}

func TestQueueAppendDoesNotEvict(t *testing.T) {
	q := NewQueue(1)
	q.Append(newRecord(1))
	q.Append(newRecord(2))
	if q.Len() != 2 {
		t.Fatalf("expected Append to ignore capacity, got length %d", q.Len())
	}
	if q.EvictOldest() == nil {
		t.Fatal("expected EvictOldest to evict once over capacity")
	}
	if q.Len() != 1 {
		t.Fatalf("expected length 1 after eviction, got %d", q.Len())
	}
	if q.EvictOldest() != nil {
		t.Fatal("expected no further eviction once back within capacity")
	}
}

func TestQueuePurgeTimedOut(t *testing.T) {
	q := NewQueue(10)
	now := time.Now()
	r := NewRecord(Request{RequestHeader: RequestHeader{RequestHandle: 1, TimeoutHint: 100}}, nil, func(Request, Response) {}, now)
	q.Append(r)

	expired := q.PurgeTimedOut(now.Add(200 * time.Millisecond))
	if len(expired) != 1 || expired[0] != r {
		t.Fatalf("expected record to be purged as timed out, got %v", expired)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after purge, got %d", q.Len())
	}
}

func TestQueueCancelAll(t *testing.T) {
	q := NewQueue(10)
	q.Append(newRecord(1))
	q.Append(newRecord(2))

	cancelled := q.CancelAll()
	if len(cancelled) != 2 {
		t.Fatalf("expected both records cancelled, got %d", len(cancelled))
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after CancelAll, got %d", q.Len())
	}
}
