package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session handling. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrClosed             = errors.New("session: closed")
	ErrTransportClosed    = errors.New("session: transport closed")
	ErrProtocol           = errors.New("session: protocol violation")
	ErrRequestIDExhausted = errors.New("session: request id ceiling reached")
	ErrGoAway             = errors.New("session: server sent goaway")
)

// SubscribeFailedError is returned when the server rejects a SUBSCRIBE.
// It is per-request and does not close the session.
type SubscribeFailedError struct {
	Code   uint64
	Reason string
}

func (e *SubscribeFailedError) Error() string {
	return fmt.Sprintf("session: subscribe failed: %s (code %d)", e.Reason, e.Code)
}
