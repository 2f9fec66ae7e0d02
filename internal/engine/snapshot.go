package engine

import "github.com/life-stream-dev/opcua-pubsub-engine/internal/subscription"

// Snapshot is the engine's read-only administrative surface (§4.9): no component in this
// codebase requires a wire format for it, it exists purely for logging and health checks.
type Snapshot struct {
	SubscriptionCount       int
	PendingPublishRequests  int
	PendingPublishResponses int
	ClosedDraining          int
	IsSessionClosed         bool
}

// SubscriptionSnapshot mirrors the read-only properties §6 lists for a Subscription.
type SubscriptionSnapshot struct {
	ID                 subscription.SubscriptionId
	Priority           byte
	State              subscription.State
	PublishingEnabled  bool
	MessageSent        bool
	TimeToExpiration   uint32
	TimeToKeepAlive    uint32
	MonitoredItemCount int
	RetainedCount      int
}

// Snapshot reports the engine's current live state.
func (e *PublishEngine) Snapshot() Snapshot {
	defer e.guard()()
	return Snapshot{
		SubscriptionCount:       len(e.subscriptions),
		PendingPublishRequests:  e.pending.Len(),
		PendingPublishResponses: len(e.stashed),
		ClosedDraining:          len(e.closedDrain),
		IsSessionClosed:         e.isSessionClosed,
	}
}

// SubscriptionSnapshot reports the current state of one attached subscription, or
// (SubscriptionSnapshot{}, false) if no subscription with that id is attached.
func (e *PublishEngine) SubscriptionSnapshot(id subscription.SubscriptionId) (SubscriptionSnapshot, bool) {
	defer e.guard()()
	sub, ok := e.subscriptions[id]
	if !ok {
		return SubscriptionSnapshot{}, false
	}
	return SubscriptionSnapshot{
		ID:                 sub.ID(),
		Priority:           sub.Priority(),
		State:              sub.State(),
		PublishingEnabled:  sub.PublishingEnabled(),
		MessageSent:        sub.MessageSent(),
		TimeToExpiration:   sub.TimeToExpiration(),
		TimeToKeepAlive:    sub.TimeToKeepAlive(),
		MonitoredItemCount: sub.MonitoredItemCount(),
		RetainedCount:      sub.RetainedCount(),
	}, true
}
