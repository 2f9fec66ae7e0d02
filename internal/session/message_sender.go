package session

import "github.com/life-stream-dev/opcua-pubsub-engine/internal/logger"

// MessageSender delivers an encoded PublishResponse to whichever session id currently owns it.
type MessageSender interface {
	SendMessage(sessionID string, data []byte) error
}

// DefaultMessageSender looks the session up in the process-wide Manager and calls its Deliver
// function, returning ErrSessionNotFound instead of silently dropping the response when the
// session is gone.
type DefaultMessageSender struct{}

// NewMessageSender constructs the default MessageSender.
func NewMessageSender() MessageSender {
	return &DefaultMessageSender{}
}

// SendMessage implements MessageSender.
func (s *DefaultMessageSender) SendMessage(sessionID string, data []byte) error {
	sess, ok := GetManager().Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if err := sess.Deliver(data); err != nil {
		logger.ErrorF("[%s] failed to deliver %d bytes: %v", sessionID, len(data), err)
		return err
	}
	logger.DebugF("[%s] delivered %d bytes", sessionID, len(data))
	return nil
}
