package engine

import "errors"

// errSendWithoutPendingOrForce is returned by SendNotificationMessage when a Subscription
// calls it with nothing waiting and force unset — a programmer-contract violation on the
// Subscription side of the EngineLink contract (§6), since ProcessSubscription is only
// supposed to reach this branch when it has something genuinely urgent to force through.
var errSendWithoutPendingOrForce = errors.New("engine: send_notification_message requires a pending request or force=true")
