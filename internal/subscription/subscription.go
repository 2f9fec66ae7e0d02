// Package subscription implements the per-subscription state machine described in §4.2: the
// Creating/Normal/Late/KeepAlive/Closed lifecycle, the publishing-interval/keep-alive/lifetime
// counters that drive it, and the retained-notification bookkeeping a subscription needs to
// answer the engine's questions about what it has to send.
package subscription

import (
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/notification"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
)

// MinPublishingInterval is the floor below which a requested publishing interval is clamped,
// mirroring the engine's general refusal to let a client starve itself with an interval too
// small for the tick source to honor.
const MinPublishingInterval = 50 * time.Millisecond

// SubscriptionId identifies a subscription, unique within the server for its lifetime.
type SubscriptionId uint32

// State is one position in the subscription lifecycle state machine.
type State int

const (
	StateCreating State = iota
	StateNormal
	StateLate
	StateKeepAlive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StateNormal:
		return "Normal"
	case StateLate:
		return "Late"
	case StateKeepAlive:
		return "KeepAlive"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Producer is whatever owns the subscription's monitored items. The subscription asks it,
// once per publishing-interval tick, whether it has anything queued; producing the actual
// notification data (sampling, filtering, encoding) is entirely the producer's concern.
type Producer interface {
	HasPendingNotifications() bool
	ProduceNotification(now time.Time) []interface{}
	ResendInitialValues()
	MonitoredItemCount() int
}

// EngineLink is the slice of PublishEngine a Subscription needs to deliver through: handing a
// notification or keep-alive to whichever PublishResponse is available, or stashing it if none
// is. It is set by Attach and cleared by Detach; a Subscription never reaches back into the
// engine for anything else.
type EngineLink interface {
	SendNotificationMessage(id SubscriptionId, msg notification.Message, force bool) error
	SendKeepAliveResponse(id SubscriptionId) bool
}

// Subscription is one server-side subscription: its lifecycle state, its counters, and its
// retained-notification ring. It is never touched concurrently — like the rest of the engine,
// it is owned exclusively by the single goroutine driving PublishEngine (§5).
type Subscription struct {
	id                 SubscriptionId
	priority           byte
	publishingEnabled  bool
	publishingInterval time.Duration
	maxKeepAliveCount  uint32
	maxLifetimeCount   uint32

	state       State
	messageSent bool

	timeToExpiration uint32
	timeToKeepAlive  uint32

	timer    *Timer
	retained *notification.Ring
	producer Producer

	publishEngine EngineLink
}

// New constructs a Subscription in the Creating state. maxLifetimeCount is clamped up to at
// least 3*maxKeepAliveCount per §4.2's invariant; ringCapacity should already reflect
// maxNotificationsPerPublish * maxRepublishDepth.
func New(id SubscriptionId, priority byte, publishingInterval time.Duration, maxKeepAliveCount, maxLifetimeCount uint32, publishingEnabled bool, ringCapacity int, producer Producer) *Subscription {
	if publishingInterval < MinPublishingInterval {
		publishingInterval = MinPublishingInterval
	}
	if maxKeepAliveCount == 0 {
		maxKeepAliveCount = 1
	}
	if min := 3 * maxKeepAliveCount; maxLifetimeCount < min {
		maxLifetimeCount = min
	}

	return &Subscription{
		id:                 id,
		priority:           priority,
		publishingEnabled:  publishingEnabled,
		publishingInterval: publishingInterval,
		maxKeepAliveCount:  maxKeepAliveCount,
		maxLifetimeCount:   maxLifetimeCount,
		state:              StateCreating,
		timeToExpiration:   maxLifetimeCount,
		timeToKeepAlive:    maxKeepAliveCount,
		timer:              NewTimer(publishingInterval),
		retained:           notification.NewRing(ringCapacity),
		producer:           producer,
	}
}

func (s *Subscription) ID() SubscriptionId       { return s.id }
func (s *Subscription) Priority() byte           { return s.priority }
func (s *Subscription) State() State             { return s.state }
func (s *Subscription) MessageSent() bool        { return s.messageSent }
func (s *Subscription) PublishingEnabled() bool  { return s.publishingEnabled }
func (s *Subscription) SetPublishingEnabled(v bool) { s.publishingEnabled = v }
func (s *Subscription) TimeToExpiration() uint32 { return s.timeToExpiration }
func (s *Subscription) TimeToKeepAlive() uint32  { return s.timeToKeepAlive }

// MonitoredItemCount reports how many monitored items the producer currently owns, for the
// administrative snapshot surface (§4.9). Zero if the subscription has no producer attached.
func (s *Subscription) MonitoredItemCount() int {
	if s.producer == nil {
		return 0
	}
	return s.producer.MonitoredItemCount()
}

// HasPendingNotifications reports whether the subscription has anything to deliver right now,
// either already retained (awaiting republish) or freshly queued by its producer.
func (s *Subscription) HasPendingNotifications() bool {
	if s.retained.Len() > 0 {
		return true
	}
	return s.publishingEnabled && s.producer != nil && s.producer.HasPendingNotifications()
}

// AcknowledgeNotification applies a client's SubscriptionAcknowledgement.
func (s *Subscription) AcknowledgeNotification(seq uint32) statuscode.StatusCode {
	return s.retained.Ack(seq)
}

// AvailableSequenceNumbers lists sequence numbers still retained for republish.
func (s *Subscription) AvailableSequenceNumbers() []uint32 {
	return s.retained.Available()
}

// RetainedCount reports how many notifications are still retained for republish, independent
// of whether the subscription's producer has anything new to say. The engine consults this
// on the closed-drain path (§4.4), where a subscription has no producer left to ask.
func (s *Subscription) RetainedCount() int {
	return s.retained.Len()
}

// DrainOldestRetained hands the oldest retained notification to the caller and forgets it.
// Only the engine's closed-drain path calls this: a closed subscription's retained
// notifications are delivered on a best-effort basis, not held open for a future acknowledgement.
func (s *Subscription) DrainOldestRetained() (notification.Message, bool) {
	return s.retained.PopOldest()
}

// ResetLifeTimeCounter restores the lifetime counter to its configured maximum, as happens on
// subscription transfer (§4.5) and whenever a PublishResponse is successfully delivered.
func (s *Subscription) ResetLifeTimeCounter() {
	s.timeToExpiration = s.maxLifetimeCount
}

func (s *Subscription) resetKeepAlive() {
	s.timeToKeepAlive = s.maxKeepAliveCount
}

// ResendInitialValues asks the producer to requeue a full snapshot of its monitored items, as
// happens on TransferSubscriptions with sendInitialValues set.
func (s *Subscription) ResendInitialValues() {
	if s.producer != nil {
		s.producer.ResendInitialValues()
	}
}

// Attach binds the subscription to the engine that now owns it. Only the engine should call
// this, on AddSubscription and on the destination side of a transfer.
func (s *Subscription) Attach(e EngineLink) {
	s.publishEngine = e
}

// Detach releases the subscription's back-reference to the engine. It panics if called by
// anything other than the engine currently attached — a programmer error, not a runtime one.
func (s *Subscription) Detach(e EngineLink) {
	if s.publishEngine != e {
		panic("subscription: detach called by an engine that does not own this subscription")
	}
	s.publishEngine = nil
}

// NotifyTransfer emits a StatusChangeNotification(GoodSubscriptionTransferred) to the source
// engine's queue, per §4.5 step 1. It must be called while still attached to the source engine,
// before Detach.
func (s *Subscription) NotifyTransfer(now time.Time) {
	if s.publishEngine == nil {
		return
	}
	msg := s.retained.AssignAndStore(now, []interface{}{
		notification.StatusChangeNotification{Status: statuscode.StatusGoodSubscriptionTransferred},
	})
	_ = s.publishEngine.SendNotificationMessage(s.id, msg, true)
}

// Advance folds elapsed wall-clock time into the subscription's publishing-interval timer and
// runs the state machine once per whole tick that elapses. It returns true the tick the
// subscription's lifetime counter reaches zero, at which point state is Closed and the caller
// (the engine) is responsible for draining and removing it.
func (s *Subscription) Advance(now time.Time, elapsed time.Duration) bool {
	ticks := s.timer.Advance(elapsed)
	for i := 0; i < ticks; i++ {
		if s.state == StateClosed {
			return true
		}
		if s.timeToExpiration > 0 {
			s.timeToExpiration--
		}
		if s.timeToExpiration == 0 {
			s.state = StateClosed
			return true
		}
		s.ProcessSubscription(now)
	}
	return false
}

// ProcessSubscription is the single production attempt a subscription makes: try to emit real
// data, and if there is none, run the keep-alive/lateness logic in §4.2's state table. The
// engine calls this both from the regular per-tick loop (via Advance) and, for subscriptions
// stuck in Late, from its publish-request fairness pass (§4.4) whenever one becomes available.
func (s *Subscription) ProcessSubscription(now time.Time) {
	if s.state == StateClosed {
		return
	}

	if s.publishingEnabled && s.producer != nil && s.producer.HasPendingNotifications() {
		data := s.producer.ProduceNotification(now)
		if s.retained.ConsumeOverflow() {
			data = append(data, notification.StatusChangeNotification{Status: statuscode.StatusBadOutOfMemory})
		}
		msg := s.retained.AssignAndStore(now, data)
		s.messageSent = true
		s.resetKeepAlive()
		s.state = StateNormal
		if s.publishEngine != nil {
			_ = s.publishEngine.SendNotificationMessage(s.id, msg, true)
		}
		return
	}

	switch s.state {
	case StateCreating:
		if s.timeToKeepAlive > 0 {
			s.timeToKeepAlive--
		}
		if s.timeToKeepAlive == 0 {
			s.state = StateKeepAlive
			s.resetKeepAlive()
			if s.sendKeepAlive() {
				s.state = StateNormal
			}
		}
	case StateNormal:
		if s.timeToKeepAlive > 0 {
			s.timeToKeepAlive--
		}
		if s.timeToKeepAlive == 0 {
			s.state = StateKeepAlive
			s.resetKeepAlive()
			if s.sendKeepAlive() {
				s.state = StateNormal
			}
		}
	case StateKeepAlive:
		if s.sendKeepAlive() {
			s.state = StateNormal
			s.resetKeepAlive()
			return
		}
		if s.timeToKeepAlive > 0 {
			s.timeToKeepAlive--
		}
		if s.timeToKeepAlive == 0 {
			s.state = StateLate
		}
	case StateLate:
		if s.sendKeepAlive() {
			s.state = StateNormal
			s.resetKeepAlive()
		}
	}
}

func (s *Subscription) sendKeepAlive() bool {
	if s.publishEngine == nil {
		return false
	}
	return s.publishEngine.SendKeepAliveResponse(s.id)
}
