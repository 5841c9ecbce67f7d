// Package transport defines the QUIC session surface the MoQ session layer
// consumes, plus a native-QUIC dialer built on quic-go. A WebTransport
// implementation of the same interfaces can be plugged in where the player
// must traverse an HTTP/3 origin; the session layer does not care which
// carried the streams.
package transport

import (
	"context"
	"io"
)

// SessionErrorCode is the application error code used when closing a
// session or cancelling a stream.
type SessionErrorCode uint64

// Session is a single QUIC (or WebTransport) connection to a MoQ origin.
type Session interface {
	// OpenStreamSync opens the bidirectional control stream.
	OpenStreamSync(ctx context.Context) (Stream, error)

	// AcceptUniStream blocks until the peer opens a unidirectional stream.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// CloseWithError closes the session with an application error code.
	CloseWithError(code SessionErrorCode, msg string) error

	// Context is cancelled when the session is closed by either side.
	Context() context.Context
}

// Stream is a bidirectional stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ReceiveStream is an incoming unidirectional stream.
type ReceiveStream interface {
	io.Reader

	// CancelRead discards the remainder of the stream.
	CancelRead(code SessionErrorCode)
}
