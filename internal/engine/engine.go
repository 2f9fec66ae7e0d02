// Package engine implements the PublishEngine multiplexer (§4.4): it owns a process's
// subscriptions, pairs pending Publish requests against the notifications they produce,
// enforces fairness and resource bounds, and carries subscriptions through transfer,
// session close, and channel renegotiation.
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/clock"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/diagnostics"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/logger"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/notification"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/publish"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/subscription"
)

// stashedResponse is a PublishResponse produced when no request was waiting for it (§3
// invariant 1); it sits here until a future Publish request arrives to carry it out.
type stashedResponse struct {
	subscriptionID subscription.SubscriptionId
	response       publish.Response
}

// PublishEngine is the core multiplexer described in §4.4. Every public method assumes it is
// called from the single goroutine that owns this value (§5); mu.TryLock is an always-on
// assertion that catches a second goroutine calling in concurrently, not a real lock for
// contention — the teacher enforces its own connection-manager singleton the same defensive
// way, with sync.Once instead of TryLock.
type PublishEngine struct {
	mu sync.Mutex

	clk   clock.Clock
	trace *diagnostics.Trace

	subscriptions map[subscription.SubscriptionId]*subscription.Subscription
	pending       *publish.Queue
	stashed       []stashedResponse
	closedDrain   []*subscription.Subscription

	isSessionClosed bool
	lastTick        time.Time
}

var _ subscription.EngineLink = (*PublishEngine)(nil)

// New constructs an empty PublishEngine bounded to maxPublishRequestInQueue pending requests
// (§6's configuration surface), driven by clk for every deadline and tick comparison.
func New(maxPublishRequestInQueue int, clk clock.Clock) *PublishEngine {
	return &PublishEngine{
		clk:           clk,
		trace:         diagnostics.NewTrace(256, 5*time.Minute),
		subscriptions: make(map[subscription.SubscriptionId]*subscription.Subscription),
		pending:       publish.NewQueue(maxPublishRequestInQueue),
		lastTick:      clk.Now(),
	}
}

func (e *PublishEngine) guard() func() {
	if !e.mu.TryLock() {
		panic("engine: concurrent call detected; PublishEngine must be driven from a single goroutine")
	}
	return e.mu.Unlock
}

// AddSubscription attaches sub to this engine (§4.4's add_subscription): it becomes eligible
// for fairness dispatch and its back-reference now points here.
func (e *PublishEngine) AddSubscription(sub *subscription.Subscription) {
	defer e.guard()()
	sub.Attach(e)
	e.subscriptions[sub.ID()] = sub
	logger.DebugF("subscription %d attached", sub.ID())
}

// DetachSubscription removes sub from the map without running the closed-drain logic, for a
// caller that is moving it intact elsewhere or tearing it down itself (Transfer performs the
// same removal inline rather than through this method).
func (e *PublishEngine) DetachSubscription(sub *subscription.Subscription) {
	defer e.guard()()
	delete(e.subscriptions, sub.ID())
	sub.Detach(e)
}

// OnCloseSubscription removes sub from the engine (§4.4): if it still holds retained
// notifications it is parked on the closed-drain list until a future Publish request claims
// them, otherwise it is discarded outright.
func (e *PublishEngine) OnCloseSubscription(sub *subscription.Subscription) {
	defer e.guard()()
	delete(e.subscriptions, sub.ID())
	sub.Detach(e)
	e.parkOrDiscard(sub)
	logger.DebugF("subscription %d closed", sub.ID())
}

// parkOrDiscard is the shared tail of OnCloseSubscription and the lifetime-expiry path inside
// Tick: both remove sub from the live map first, then decide whether it still owes the client
// retained notifications.
func (e *PublishEngine) parkOrDiscard(sub *subscription.Subscription) {
	if sub.RetainedCount() > 0 {
		e.closedDrain = append(e.closedDrain, sub)
	}
	if len(e.subscriptions) == 0 {
		e.drainClosedAndCancelRemaining()
	}
}

// drainClosedAndCancelRemaining runs when the last subscription has just left the engine: it
// hands out retained notifications to waiting Publish requests for as long as both exist,
// then answers everything still queued with BadNoSubscription.
func (e *PublishEngine) drainClosedAndCancelRemaining() {
	for e.closedDrainHeadHasPending() && e.pending.Len() > 0 {
		if !e.drainClosedStep() {
			break
		}
	}
	for _, r := range e.pending.CancelAll() {
		e.respondError(r, statuscode.StatusBadNoSubscription)
	}
}

// OnSessionClose cancels every pending Publish request with BadSessionClosed and marks the
// engine so that every future request is rejected the same way until shutdown, except that a
// request arriving while a stashed response exists still receives that response.
func (e *PublishEngine) OnSessionClose() {
	defer e.guard()()
	for _, r := range e.pending.CancelAll() {
		e.respondError(r, statuscode.StatusBadSessionClosed)
	}
	e.isSessionClosed = true
	logger.Info("session closed, cancelling pending publish requests")
}

// CancelPendingPublishRequestBeforeChannelChange cancels every pending request with
// BadSecureChannelClosed, used when a secure channel is renegotiated under the same session.
func (e *PublishEngine) CancelPendingPublishRequestBeforeChannelChange() {
	defer e.guard()()
	for _, r := range e.pending.CancelAll() {
		e.respondError(r, statuscode.StatusBadSecureChannelClosed)
	}
}

// Shutdown discards both queues and the closed-drain list. It panics if any subscription is
// still attached — a programmer-contract violation per §7, not a runtime condition the caller
// should expect to recover from.
func (e *PublishEngine) Shutdown() {
	defer e.guard()()
	if len(e.subscriptions) != 0 {
		panic("engine: shutdown called with subscriptions still attached")
	}
	e.pending.CancelAll()
	e.stashed = nil
	e.closedDrain = nil
}

// OnPublishRequest is the engine's main entry point (§4.4): it applies acknowledgements,
// then answers the request from a stash, a closed-drain hand-off, an immediate rejection, or
// the pending queue, in that order.
func (e *PublishEngine) OnPublishRequest(req publish.Request, cb publish.Callback) {
	defer e.guard()()

	now := e.clk.Now()
	ackResults := e.processAcknowledgements(req.SubscriptionAcknowledgements)
	record := publish.NewRecord(req, ackResults, cb, now)

	if len(e.stashed) > 0 {
		if e.pending.Len() > 0 {
			// §9 design note: the source asserts this never happens. We don't trust the
			// assertion blindly — log it and keep answering correctly, FIFO order is still
			// intact because the stash is only ever populated when the queue was empty.
			logger.Warn("publish engine: stashed response present alongside a non-empty pending queue")
		}
		st := e.stashed[0]
		e.stashed = e.stashed[1:]
		resp := st.response
		resp.Results = ackResults
		if sub, ok := e.subscriptions[st.subscriptionID]; ok {
			// The acks just applied above may have freed ring entries; the stashed response's
			// availableSequenceNumbers snapshot predates that, so it must be retaken now,
			// otherwise a request acking seq k could still see k listed as available (§8).
			resp.AvailableSequenceNumbers = sub.AvailableSequenceNumbers()
			sub.ResetLifeTimeCounter()
		}
		e.deliver(record, resp, statuscode.StatusGood)
		return
	}

	if e.isSessionClosed {
		e.respondError(record, statuscode.StatusBadSessionClosed)
		return
	}

	if len(e.subscriptions) == 0 {
		if e.closedDrainHeadHasPending() {
			e.pending.Append(record)
			e.drainClosedStep()
			return
		}
		e.respondError(record, statuscode.StatusBadNoSubscription)
		return
	}

	e.pending.Append(record)
	e.feedLate(now)
	e.feedClosedDrain()
	if evicted := e.pending.EvictOldest(); evicted != nil {
		e.respondError(evicted, statuscode.StatusBadTooManyPublishRequests)
	}
}

// processAcknowledgements applies every (subscriptionId, sequenceNumber) pair a client
// attached to a Publish request, per §4.4 step 1, and collects one StatusCode per ack.
func (e *PublishEngine) processAcknowledgements(acks []publish.SubscriptionAcknowledgement) []statuscode.StatusCode {
	if len(acks) == 0 {
		return nil
	}
	results := make([]statuscode.StatusCode, len(acks))
	for i, a := range acks {
		sub, ok := e.subscriptions[a.SubscriptionID]
		if !ok {
			results[i] = statuscode.StatusBadSubscriptionIdInvalid
			continue
		}
		results[i] = sub.AcknowledgeNotification(a.SequenceNumber)
	}
	return results
}

// feedLate runs the §4.4 step 6a fairness pass: subscriptions that have never delivered a
// notification are served ahead of everyone else, ordered by whoever is closest to expiring;
// failing that, Late subscriptions are served by descending priority, tie-broken by ascending
// time-to-expiration.
func (e *PublishEngine) feedLate(now time.Time) {
	var neverDelivered, late []*subscription.Subscription
	for _, s := range e.subscriptions {
		if s.State() != subscription.StateLate {
			continue
		}
		if !s.MessageSent() {
			neverDelivered = append(neverDelivered, s)
		}
		if s.PublishingEnabled() {
			late = append(late, s)
		}
	}

	var chosen *subscription.Subscription
	if len(neverDelivered) > 0 {
		sort.Slice(neverDelivered, func(i, j int) bool {
			a, b := neverDelivered[i], neverDelivered[j]
			if a.TimeToExpiration() != b.TimeToExpiration() {
				return a.TimeToExpiration() < b.TimeToExpiration()
			}
			return a.ID() < b.ID()
		})
		chosen = neverDelivered[0]
	} else if len(late) > 0 {
		sort.Slice(late, func(i, j int) bool {
			a, b := late[i], late[j]
			if a.Priority() != b.Priority() {
				return a.Priority() > b.Priority()
			}
			if a.TimeToExpiration() != b.TimeToExpiration() {
				return a.TimeToExpiration() < b.TimeToExpiration()
			}
			return a.ID() < b.ID()
		})
		chosen = late[0]
	}

	if chosen != nil {
		chosen.ProcessSubscription(now)
	}
}

// feedClosedDrain runs the §4.4 step 6b pass: if the closed-drain list's head still owes the
// client a retained notification, hand exactly one to the queue's oldest waiting request.
func (e *PublishEngine) feedClosedDrain() {
	e.drainClosedStep()
}

// closedDrainHeadHasPending drops any fully-drained subscriptions off the front of the
// closed-drain list and reports whether what remains still has something to deliver.
func (e *PublishEngine) closedDrainHeadHasPending() bool {
	for len(e.closedDrain) > 0 && e.closedDrain[0].RetainedCount() == 0 {
		e.closedDrain = e.closedDrain[1:]
	}
	return len(e.closedDrain) > 0
}

// drainClosedStep hands the closed-drain head's oldest retained notification to the oldest
// waiting Publish request, if both exist. It reports whether a hand-off happened.
func (e *PublishEngine) drainClosedStep() bool {
	if !e.closedDrainHeadHasPending() {
		return false
	}
	record := e.pending.Dequeue()
	if record == nil {
		return false
	}
	sub := e.closedDrain[0]
	msg, ok := sub.DrainOldestRetained()
	if !ok {
		e.pending.Append(record)
		return false
	}
	resp := publish.Response{
		SubscriptionID:           sub.ID(),
		AvailableSequenceNumbers: sub.AvailableSequenceNumbers(),
		NotificationMessage:      &msg,
	}
	e.deliver(record, resp, statuscode.StatusGood)
	if sub.RetainedCount() == 0 {
		e.closedDrain = e.closedDrain[1:]
	}
	return true
}

// SendNotificationMessage is a Subscription's sole channel back into the engine (§4.4): it
// either pairs msg with the oldest waiting Publish request immediately, or, if none is
// waiting and force is set, stashes the response for a future request to carry out. With
// nothing waiting and force not set it returns errSendWithoutPendingOrForce.
func (e *PublishEngine) SendNotificationMessage(id subscription.SubscriptionId, msg notification.Message, force bool) error {
	if e.pending.Len() == 0 && !force {
		return errSendWithoutPendingOrForce
	}
	var avail []uint32
	if sub, ok := e.subscriptions[id]; ok {
		avail = sub.AvailableSequenceNumbers()
	}
	resp := publish.Response{
		SubscriptionID:           id,
		AvailableSequenceNumbers: avail,
		NotificationMessage:      &msg,
	}
	e.dispatchOrStash(id, resp)
	return nil
}

// SendKeepAliveResponse is the empty-notification convenience path (§4.4): it behaves exactly
// like SendNotificationMessage with no notification data, and reports false (instead of
// stashing) when no request is waiting, so the caller stays in KeepAlive.
func (e *PublishEngine) SendKeepAliveResponse(id subscription.SubscriptionId) bool {
	record := e.pending.Dequeue()
	if record == nil {
		return false
	}
	var avail []uint32
	sub, ok := e.subscriptions[id]
	if ok {
		avail = sub.AvailableSequenceNumbers()
	}
	resp := publish.Response{
		SubscriptionID:           id,
		AvailableSequenceNumbers: avail,
	}
	e.deliver(record, resp, statuscode.StatusGood)
	if ok {
		sub.ResetLifeTimeCounter()
	}
	return true
}

// dispatchOrStash pairs resp with the oldest waiting Publish request if one exists, otherwise
// appends it to the stashed-response FIFO. Invariant 1 (§3) guarantees the pending queue was
// empty at this point whenever the stash ends up non-empty.
func (e *PublishEngine) dispatchOrStash(id subscription.SubscriptionId, resp publish.Response) {
	if record := e.pending.Dequeue(); record != nil {
		e.deliver(record, resp, statuscode.StatusGood)
		if sub, ok := e.subscriptions[id]; ok {
			sub.ResetLifeTimeCounter()
		}
		return
	}
	e.stashed = append(e.stashed, stashedResponse{subscriptionID: id, response: resp})
}

// Tick advances every attached subscription by the time elapsed since the previous Tick,
// purges any Publish request whose timeoutHint has elapsed, and moves any subscription whose
// lifetime just expired onto the closed-drain path.
func (e *PublishEngine) Tick() {
	defer e.guard()()

	now := e.clk.Now()
	elapsed := now.Sub(e.lastTick)
	e.lastTick = now

	for _, r := range e.pending.PurgeTimedOut(now) {
		e.respondError(r, statuscode.StatusBadTimeout)
	}

	for id, sub := range e.subscriptions {
		if sub.Advance(now, elapsed) {
			delete(e.subscriptions, id)
			sub.Detach(e)
			e.parkOrDiscard(sub)
			logger.DebugF("subscription %d expired (lifetime counter reached zero)", id)
		}
	}
}

// Transfer hot-migrates sub from e (the source engine) to dest (§4.5): the source sees the
// transfer through a StatusChangeNotification on its next outbound response for sub, then sub
// is detached from e and attached to dest with its lifetime counter reset.
func (e *PublishEngine) Transfer(sub *subscription.Subscription, dest *PublishEngine, sendInitialValues bool) {
	defer e.guard()()

	now := e.clk.Now()
	sub.NotifyTransfer(now)
	delete(e.subscriptions, sub.ID())
	sub.Detach(e)

	dest.AddSubscription(sub)
	sub.ResetLifeTimeCounter()
	if sendInitialValues {
		sub.ResendInitialValues()
	}
	logger.DebugF("subscription %d transferred", sub.ID())
}

// TransferAll moves every subscription currently attached to e onto dest, preserving
// subscription-id order, leaving e with none attached.
func (e *PublishEngine) TransferAll(dest *PublishEngine) {
	ids := make([]subscription.SubscriptionId, 0, len(e.subscriptions))
	for id := range e.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e.Transfer(e.subscriptions[id], dest, false)
	}
}

// deliver stamps resp's response header from record's request handle and code, defaults its
// ack results from the record if the caller hasn't already set them, records the exchange in
// the diagnostics trace, then invokes the one-shot callback exactly once.
func (e *PublishEngine) deliver(record *publish.Record, resp publish.Response, code statuscode.StatusCode) {
	resp.ResponseHeader = publish.ResponseHeader{
		RequestHandle: record.Request.RequestHeader.RequestHandle,
		ServiceResult: code,
	}
	if resp.Results == nil {
		resp.Results = record.AckResults
	}
	e.trace.Record(record.Request.RequestHeader.RequestHandle, code)
	record.Callback(record.Request, resp)
}

func (e *PublishEngine) respondError(record *publish.Record, code statuscode.StatusCode) {
	e.deliver(record, publish.Response{}, code)
}
