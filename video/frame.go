// Package video implements the player's video pipeline between the
// session demux and the presentation loop: the keyframe-gated decode
// queue in front of the decoder, and the timestamp-indexed frame store
// the render scheduler selects from.
package video

// Frame is a decoded video frame handle. Handles are move-only: exactly
// one owner at a time, and the final owner releases the underlying
// resource with Close. The frame store and the scheduler transfer
// ownership on insert/take; nothing retains a raw reference.
type Frame interface {
	// Timestamp is the presentation timestamp in microseconds.
	Timestamp() int64

	// Duration is the display duration in microseconds.
	Duration() int64

	// Width and Height are the display dimensions.
	Width() int
	Height() int

	// Close releases the underlying decoder/GPU resource. Must be called
	// exactly once, by the final owner.
	Close()
}

// DecoderConfig carries the parameters needed to (re)configure a decoder.
type DecoderConfig struct {
	Codec       string // RFC 6381 codec string, e.g. "avc1.64001f"
	Description []byte // decoder configuration record
	Width       int
	Height      int
}

// Chunk is one encoded video access unit submitted for decode.
type Chunk struct {
	Payload   []byte
	Timestamp int64 // microseconds
	Keyframe  bool
}

// Decoder is the opaque decode service the gate drives. Implementations
// deliver decoded frames and errors through callbacks supplied at
// construction; both may be invoked from a decoder-owned thread.
type Decoder interface {
	// Configure prepares the decoder. The gate calls it again after a
	// successful Reset to reapply the same configuration, and calls it on
	// the replacement decoder when Reset fails.
	Configure(cfg DecoderConfig) error

	// Decode submits a chunk. Output order follows submission order.
	Decode(chunk Chunk) error

	// QueueSize reports the number of submitted chunks not yet decoded.
	QueueSize() int

	// Reset drops all pending chunks and reinitializes the decoder
	// context in place, keeping the last configuration.
	Reset() error

	// Close releases the decoder.
	Close()
}
