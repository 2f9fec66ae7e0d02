package notification

import (
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
)

// retained is one entry kept in the ring until it is acknowledged or evicted.
type retained struct {
	seq     uint32
	message Message
}

// Ring is a bounded, insertion-ordered sequence of notifications retained for republish.
// It owns sequence number assignment for its subscription: numbers start at 1 and wrap per
// the OPC UA rule that 0 is skipped. A Ring is owned exclusively by one subscription, which
// in turn is only ever touched from the engine's single owning goroutine (§5) — it has no
// locking of its own.
type Ring struct {
	capacity int
	entries  []retained

	lastIssued   uint32 // highest sequence number ever assigned, 0 before the first one
	ackedThrough uint32 // highest sequence number ever acknowledged or evicted
	overflowed   bool
}

// NewRing constructs a Ring bounded to hold at least capacity entries. The spec requires
// capacity >= maxNotificationsPerPublish * maxRepublishDepth; callers are responsible for
// passing a capacity that already reflects that product.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity}
}

// nextSeq computes the sequence number that follows last, skipping 0 on wraparound.
func nextSeq(last uint32) uint32 {
	n := last + 1
	if n == 0 {
		n = 1
	}
	return n
}

// AssignAndStore assigns the next sequence number to data, retains the resulting message,
// and returns it. If the ring is already at capacity the oldest retained entry is evicted
// and the ring is marked overflowed; ConsumeOverflow reports (and clears) that condition so
// the caller can fold a StatusChangeNotification(BadOutOfMemory) into its next emission.
func (r *Ring) AssignAndStore(now time.Time, data []interface{}) Message {
	seq := nextSeq(r.lastIssued)
	r.lastIssued = seq

	msg := Message{SequenceNumber: seq, PublishTime: now, NotificationData: data}
	r.entries = append(r.entries, retained{seq: seq, message: msg})

	if len(r.entries) > r.capacity {
		evicted := r.entries[0]
		r.entries = r.entries[1:]
		r.ackedThrough = evicted.seq
		r.overflowed = true
	}

	return msg
}

// ConsumeOverflow reports whether a retained notification was evicted since the last call,
// resetting the flag. It is advisory: it never blocks AssignAndStore or Ack.
func (r *Ring) ConsumeOverflow() bool {
	overflowed := r.overflowed
	r.overflowed = false
	return overflowed
}

// seqBefore reports whether a precedes b under OPC UA's wraparound sequence ordering.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// Ack acknowledges every retained entry with sequence number <= seq (cumulative ack), per
// §4.1: the ring accepts cumulative semantics whenever the exact entry still exists.
func (r *Ring) Ack(seq uint32) statuscode.StatusCode {
	if seq == 0 {
		return statuscode.StatusBadSequenceNumberInvalid
	}
	if r.lastIssued == 0 || seqBefore(r.lastIssued, seq) {
		// never issued this far
		return statuscode.StatusBadSequenceNumberInvalid
	}

	idx := -1
	for i, e := range r.entries {
		if e.seq == seq {
			idx = i
			break
		}
	}
	if idx == -1 {
		// within the issued range but not retained: already acked or evicted.
		return statuscode.StatusBadSequenceNumberUnknown
	}

	r.entries = r.entries[idx+1:]
	r.ackedThrough = seq
	return statuscode.StatusGood
}

// PopOldest removes and returns the oldest retained message, or (Message{}, false) if the
// ring is empty. Used by the engine's closed-drain path (§4.4) to hand a closed subscription's
// outstanding notifications to future Publish requests without waiting for an acknowledgement
// that will never arrive.
func (r *Ring) PopOldest() (Message, bool) {
	if len(r.entries) == 0 {
		return Message{}, false
	}
	e := r.entries[0]
	r.entries = r.entries[1:]
	r.ackedThrough = e.seq
	return e.message, true
}

// Available returns a snapshot of currently retained sequence numbers, in order.
func (r *Ring) Available() []uint32 {
	out := make([]uint32, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.seq
	}
	return out
}

// Len reports how many notifications are currently retained.
func (r *Ring) Len() int {
	return len(r.entries)
}
