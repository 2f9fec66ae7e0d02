// Package dispatcher implements the single-worker execution context every PublishEngine
// operation is required to run on (§5): a tick source, decoded Publish requests, and sample
// feeds all submit closures here instead of calling engine methods directly from whatever
// goroutine they happen to run on. The dispatcher drains its channel on one owned goroutine,
// the same shape as the teacher's logger.AsyncHandler draining its write channel on
// startWorker.
package dispatcher

import "sync"

// Dispatcher serializes access to whatever it fronts — normally one PublishEngine — by
// running every submitted function on a single owned goroutine.
type Dispatcher struct {
	ch   chan func()
	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a Dispatcher whose submission channel holds up to buffer pending closures before
// Submit blocks.
func New(buffer int) *Dispatcher {
	if buffer < 0 {
		buffer = 0
	}
	d := &Dispatcher{
		ch:   make(chan func(), buffer),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.ch:
			fn()
		case <-d.done:
			return
		}
	}
}

// Submit enqueues fn to run on the dispatcher's owned goroutine and returns immediately.
func (d *Dispatcher) Submit(fn func()) {
	d.ch <- fn
}

// SubmitWait enqueues fn and blocks until it has finished running, for callers (like the tick
// loop) that need to know an operation has completed before moving on.
func (d *Dispatcher) SubmitWait(fn func()) {
	waiter := make(chan struct{})
	d.ch <- func() {
		fn()
		close(waiter)
	}
	<-waiter
}

// Stop signals the owned goroutine to exit and waits for it to do so. Closures still sitting
// in the channel when Stop is called may or may not run before the goroutine exits; any left
// in the channel after that are discarded, never run.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}
