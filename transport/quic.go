package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN token for MoQ Transport over native QUIC. When dialing native QUIC
// the stream key travels in the PATH setup parameter instead of a URL.
const alpnMoQ = "moqt"

const defaultIdleTimeout = 30 * time.Second

// DialConfig configures a native-QUIC dial.
type DialConfig struct {
	// TLS is the client TLS configuration. NextProtos is overridden with
	// the MoQ ALPN. Use certs.Pin to trust a self-signed origin by
	// fingerprint.
	TLS *tls.Config

	// IdleTimeout bounds how long the connection survives without traffic.
	// Zero means 30 seconds.
	IdleTimeout time.Duration
}

// Dial opens a native-QUIC MoQ connection to addr ("host:port").
func Dial(ctx context.Context, addr string, cfg DialConfig) (Session, error) {
	tlsConf := cfg.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{alpnMoQ}

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout: idle,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &quicSession{conn: conn}, nil
}

// quicSession adapts a quic-go connection to the Session interface.
type quicSession struct {
	conn quic.Connection
}

func (s *quicSession) OpenStreamSync(ctx context.Context) (Stream, error) {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *quicSession) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	stream, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{stream}, nil
}

func (s *quicSession) CloseWithError(code SessionErrorCode, msg string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (s *quicSession) Context() context.Context {
	return s.conn.Context()
}

type quicReceiveStream struct {
	quic.ReceiveStream
}

func (s *quicReceiveStream) CancelRead(code SessionErrorCode) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}
