// Package clock wraps benbjohnson/clock so every deadline and tick in the engine runs
// against an injectable monotonic clock instead of calling time.Now() directly. Production
// code gets the real clock; tests drive a mock clock forward explicitly, which is how this
// codebase resolves the wall-clock-jump hazard around Publish-request timeouts.
package clock

import (
	"github.com/benbjohnson/clock"
)

// Clock is the full benbjohnson/clock.Clock interface, re-exported so callers only ever
// import this package and never benbjohnson/clock directly.
type Clock = clock.Clock

// Real returns the production clock, backed by the real wall/monotonic clock.
func Real() Clock {
	return clock.New()
}

// NewMock returns a mock clock for deterministic tests: it does not advance on its own,
// tests call Add/Set to move it forward.
func NewMock() *clock.Mock {
	return clock.NewMock()
}
