package dispatcher

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatcherRunsSubmittedWorkOnItsOwnGoroutine(t *testing.T) {
	d := New(4)
	defer d.Stop()

	var n int32
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		d.Submit(func() {
			atomic.AddInt32(&n, 1)
			done <- struct{}{}
		})
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for submitted work to run")
		}
	}
	if atomic.LoadInt32(&n) != 3 {
		t.Fatalf("expected all 3 submissions to run, got %d", n)
	}
}

func TestDispatcherSubmitWaitBlocksUntilDone(t *testing.T) {
	d := New(1)
	defer d.Stop()

	var ran bool
	d.SubmitWait(func() { ran = true })
	if !ran {
		t.Fatal("expected SubmitWait to block until the closure ran")
	}
}
