// Package session tracks which abstract delivery channel a Subscription's owning client is
// currently reachable on. It generalizes the teacher's connection.ConnectionManager (a
// net.Conn-keyed registry behind a sync.Map singleton) to an outbound-delivery abstraction that
// doesn't assume the transport is a raw socket: §4.10 calls this the surface a real secure
// channel binding would replace the demo implementation of.
package session

import (
	"errors"
	"sync"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/logger"
)

// ErrSessionNotFound is returned when a lookup or delivery targets a session id that the
// Manager has no record of (closed, never opened, or evicted after a transfer).
var ErrSessionNotFound = errors.New("session: not found")

// Session is the abstract delivery channel a session id currently resolves to. Deliver is
// supplied by whatever transport owns the id; the demo wiring in cmd/opcua-pubsub-engine uses
// a function that only logs the payload size, a real binding would plug in a secure-channel
// write here instead.
type Session struct {
	ID      string
	Deliver func(data []byte) error
}

// Manager is the process-wide registry of live sessions, mirroring the teacher's
// ConnectionManager: a sync.Map behind a lazily-initialized singleton.
type Manager struct {
	sessions sync.Map
}

var (
	instance *Manager
	once     sync.Once
)

// GetManager returns the process-wide Manager, creating it on first use.
func GetManager() *Manager {
	once.Do(func() {
		instance = &Manager{}
	})
	return instance
}

// Add registers sess under its own ID, replacing any prior session with the same ID.
func (m *Manager) Add(sess *Session) {
	m.sessions.Store(sess.ID, sess)
	logger.InfoF("session %s registered", sess.ID)
}

// Remove forgets the session with the given id, if any.
func (m *Manager) Remove(id string) {
	m.sessions.Delete(id)
	logger.InfoF("session %s closed", id)
}

// Get returns the session registered under id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}
