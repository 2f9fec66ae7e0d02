// Package publish implements the OPC UA Publish request/response wire shapes and the bounded
// FIFO queue of pending requests a PublishEngine answers them from.
package publish

import (
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/notification"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/subscription"
)

// RequestHeader carries the two fields the engine cares about from a decoded service request
// header; everything else (authentication token, audit entry, additional headers) belongs to
// the session/secure-channel layer and never reaches this package.
type RequestHeader struct {
	RequestHandle uint32
	TimeoutHint   uint32 // milliseconds; 0 means no timeout
}

// ResponseHeader mirrors RequestHeader's request handle back to the caller alongside the
// overall service result for the response.
type ResponseHeader struct {
	RequestHandle uint32
	ServiceResult statuscode.StatusCode
}

// SubscriptionAcknowledgement is one (subscriptionId, sequenceNumber) pair a client attaches
// to a PublishRequest to free a previously retained notification.
type SubscriptionAcknowledgement struct {
	SubscriptionID subscription.SubscriptionId
	SequenceNumber uint32
}

// Request is the decoded shape of an OPC UA PublishRequest.
type Request struct {
	RequestHeader                RequestHeader
	SubscriptionAcknowledgements []SubscriptionAcknowledgement
}

// Response is the decoded shape of an OPC UA PublishResponse. NotificationMessage is nil for
// a pure keep-alive or status-only response.
type Response struct {
	ResponseHeader           ResponseHeader
	SubscriptionID           subscription.SubscriptionId
	AvailableSequenceNumbers []uint32
	MoreNotifications        bool
	NotificationMessage      *notification.Message
	Results                  []statuscode.StatusCode
}

// Callback is the one-shot continuation every pending Publish request is completed with,
// exactly once, per §7's error-handling contract.
type Callback func(Request, Response)

// Record is what the engine actually queues: the decoded request, the acknowledgement results
// already computed at admission time (§4.4 step 1), the pending callback, and timeout
// bookkeeping.
type Record struct {
	Request    Request
	AckResults []statuscode.StatusCode
	Callback   Callback
	ReceivedAt time.Time
	Deadline   time.Time // zero value means no deadline
}

// NewRecord derives a Record's timeout deadline from its request's timeoutHint, per §4.3: a
// zero or absent hint disables the timeout entirely.
func NewRecord(req Request, ackResults []statuscode.StatusCode, cb Callback, now time.Time) *Record {
	r := &Record{
		Request:    req,
		AckResults: ackResults,
		Callback:   cb,
		ReceivedAt: now,
	}
	if req.RequestHeader.TimeoutHint > 0 {
		r.Deadline = now.Add(time.Duration(req.RequestHeader.TimeoutHint) * time.Millisecond)
	}
	return r
}

// HasDeadline reports whether the record carries a timeout at all.
func (r *Record) HasDeadline() bool {
	return !r.Deadline.IsZero()
}

// Queue is a fixed-capacity FIFO of pending Publish requests with timeout tracking (§4.3). It
// is, like every other engine-owned structure, only ever touched from the engine's single
// owning goroutine (§5) and so needs no locking of its own.
type Queue struct {
	capacity int
	records  []*Record
}

// NewQueue constructs a Queue bounded to capacity pending records.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends record to the tail. If the queue now holds more than capacity records, the
// oldest (head) record is evicted and returned so the caller can answer it with
// BadTooManyPublishRequests; otherwise it returns nil.
func (q *Queue) Enqueue(record *Record) *Record {
	q.records = append(q.records, record)
	if len(q.records) > q.capacity {
		evicted := q.records[0]
		q.records = q.records[1:]
		return evicted
	}
	return nil
}

// Append adds record to the tail without enforcing the capacity bound. The engine uses this
// instead of Enqueue on the admission path (§4.4 step 6) because the too-many-requests check
// must run only after fairness dispatch has had a chance to drain the queue back down —
// evicting eagerly on append would punish a request that fairness was about to serve anyway.
func (q *Queue) Append(record *Record) {
	q.records = append(q.records, record)
}

// EvictOldest removes and returns the head record if the queue currently holds more than
// capacity, or nil if it is within bounds. Pairs with Append on the admission path.
func (q *Queue) EvictOldest() *Record {
	if len(q.records) <= q.capacity {
		return nil
	}
	head := q.records[0]
	q.records = q.records[1:]
	return head
}

// Dequeue removes and returns the head record, or nil if the queue is empty.
func (q *Queue) Dequeue() *Record {
	if len(q.records) == 0 {
		return nil
	}
	head := q.records[0]
	q.records = q.records[1:]
	return head
}

// PurgeTimedOut removes and returns every record whose deadline is set and has passed as of
// now. Order of the returned slice matches queue order.
func (q *Queue) PurgeTimedOut(now time.Time) []*Record {
	var timedOut []*Record
	kept := q.records[:0:0]
	for _, r := range q.records {
		if r.HasDeadline() && r.Deadline.Before(now) {
			timedOut = append(timedOut, r)
			continue
		}
		kept = append(kept, r)
	}
	q.records = kept
	return timedOut
}

// CancelAll drains the queue entirely, returning every record it held so the caller can answer
// each with a status code of its choosing (BadSessionClosed, BadSecureChannelClosed, ...).
func (q *Queue) CancelAll() []*Record {
	drained := q.records
	q.records = nil
	return drained
}

// Len reports how many records are currently queued.
func (q *Queue) Len() int {
	return len(q.records)
}
