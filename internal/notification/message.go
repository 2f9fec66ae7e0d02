// Package notification implements the retained-notification ring every Subscription owns:
// sequence number assignment, republish retention, and bounded-size overflow handling.
package notification

import (
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
)

// Message is a single notification batch attributed to one subscription. It is immutable
// once produced by the ring.
type Message struct {
	SequenceNumber   uint32
	PublishTime      time.Time
	NotificationData []interface{}
}

// StatusChangeNotification is injected into a Message's NotificationData when the
// subscription needs to tell the client something out of band — most notably that the
// retention ring overflowed and a notification was lost before it could be republished.
type StatusChangeNotification struct {
	Status statuscode.StatusCode
}
