package diagnostics

import (
	"testing"
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/statuscode"
)

func TestTraceRecordDoesNotPanicOnNilReceiver(t *testing.T) {
	var tr *Trace
	tr.Record(1, statuscode.StatusGood)
}

func TestTraceRecordRemembersLastResultPerHandle(t *testing.T) {
	tr := NewTrace(4, time.Minute)
	tr.Record(1, statuscode.StatusGood)
	tr.Record(1, statuscode.StatusBadTimeout)

	if got, ok := tr.cache.Get(1); !ok || got != statuscode.StatusBadTimeout {
		t.Fatalf("expected latest result BadTimeout cached for handle 1, got %v ok=%v", got, ok)
	}
}

func TestTraceEvictsLeastRecentlyAddedOverCapacity(t *testing.T) {
	tr := NewTrace(2, time.Minute)
	tr.Record(1, statuscode.StatusGood)
	tr.Record(2, statuscode.StatusGood)
	tr.Record(3, statuscode.StatusGood)

	if _, ok := tr.cache.Get(1); ok {
		t.Fatal("expected handle 1 to have been evicted once capacity was exceeded")
	}
	if _, ok := tr.cache.Get(3); !ok {
		t.Fatal("expected most recently recorded handle to still be cached")
	}
}
