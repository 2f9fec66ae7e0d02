// Package diagnostics holds the engine's advisory-only trace cache (§4.8): a bounded,
// TTL-evicting record of which StatusCode the engine last answered a given request handle
// with, used solely to flag duplicate Publish requests in the logs. It never gates
// admission, acknowledgement, or delivery — removing it changes nothing about correctness.
package diagnostics

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/logger"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
)

// Trace is the bounded request-handle cache described in §4.8, grounded on the teacher's
// expirable.LRU-backed node cache in internal/subscription/database_operation.go.
type Trace struct {
	cache *lru.LRU[uint32, statuscode.StatusCode]
}

// NewTrace constructs a Trace holding at most size entries, each evicted after ttl even if
// never replaced.
func NewTrace(size int, ttl time.Duration) *Trace {
	if size < 1 {
		size = 1
	}
	return &Trace{cache: lru.NewLRU[uint32, statuscode.StatusCode](size, nil, ttl)}
}

// Record notes the result the engine just answered requestHandle with. If the same handle
// was already seen inside the TTL window, it logs a Warn — almost always a sign of a client
// retrying a Publish request it should have let the server's republish path handle instead.
func (t *Trace) Record(requestHandle uint32, result statuscode.StatusCode) {
	if t == nil {
		return
	}
	if prev, ok := t.cache.Get(requestHandle); ok {
		logger.WarnF("duplicate publish request handle %d seen again (previously answered %v, now answering %v)", requestHandle, prev, result)
	}
	t.cache.Add(requestHandle, result)
}
