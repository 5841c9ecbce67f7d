package moq

import (
	"bufio"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// StreamReader is a pull-style reader over a chunked byte stream (a QUIC
// receive stream yields slices of unspecified size). It accumulates chunks
// internally and exposes exact-length reads and varint reads. Payload bytes
// are copied exactly once, into the slice ReadExact returns.
//
// A clean end-of-stream before the first byte of an element surfaces as
// io.EOF; end-of-stream in the middle of an element surfaces as
// io.ErrUnexpectedEOF.
type StreamReader struct {
	br *bufio.Reader
}

// NewStreamReader wraps r. The same reader type serves the control stream
// and every media data stream.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{br: bufio.NewReader(r)}
}

// Read implements io.Reader over the buffered stream.
func (s *StreamReader) Read(p []byte) (int, error) {
	return s.br.Read(p)
}

// ReadVarint reads a single MoQ variable-length integer.
func (s *StreamReader) ReadVarint() (uint64, error) {
	if _, err := s.br.Peek(1); err != nil {
		return 0, err
	}
	v, err := quicvarint.Read(s.br)
	if err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return v, nil
}

// ReadByte reads a single byte.
func (s *StreamReader) ReadByte() (byte, error) {
	return s.br.ReadByte()
}

// ReadExact reads exactly n bytes, blocking until they arrive or the
// stream ends. n == 0 returns an empty non-nil slice.
func (s *StreamReader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PeekVarint decodes the next varint without consuming it. io.EOF means
// the stream ended cleanly; io.ErrUnexpectedEOF means the varint is
// incomplete and the caller should retry with more bytes.
func (s *StreamReader) PeekVarint() (uint64, error) {
	first, err := s.br.Peek(1)
	if err != nil {
		return 0, err
	}
	need := 1 << (first[0] >> 6)
	buf, err := s.br.Peek(need)
	if err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	v, _, err := quicvarint.Parse(buf)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// AtEnd reports whether the stream has cleanly ended, without consuming
// anything. Used by object loops to distinguish end-of-stream from a
// truncated object.
func (s *StreamReader) AtEnd() bool {
	_, err := s.br.Peek(1)
	return err == io.EOF
}
