package moq

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MoQ stream type constants (draft-ietf-moq-transport-15).
const (
	// StreamTypeSubgroupSIDExt indicates a subgroup stream with an explicit
	// Subgroup ID in the header and per-object extension headers.
	StreamTypeSubgroupSIDExt uint64 = 0x0d
)

// LOC header extension IDs (draft-ietf-moq-loc-01).
const (
	LOCExtCaptureTimestamp  uint64 = 2  // even: varint value = microseconds
	LOCExtVideoFrameMarking uint64 = 4  // even: varint value = RFC 9626 flags
	LOCExtVideoConfig       uint64 = 13 // odd: length-prefixed byte string
)

// RFC 9626 Video Frame Marking flags (non-scalable).
const (
	VFMKeyframe    uint64 = 0xE0 // S=1, E=1, I=1 (independent/keyframe)
	VFMNonKeyframe uint64 = 0xC0 // S=1, E=1, I=0 (dependent/delta)
)

// Sanity ceilings on wire-declared lengths. A peer announcing more is
// malformed; without these a bogus varint length would drive a giant
// allocation before the read ever fails.
const (
	maxExtensionsLen = 1 << 16
	maxPayloadLen    = 1 << 24
)

// SubgroupHeader is the fixed header at the start of every media data
// stream: stream_type, track_alias, group_id, subgroup_id, priority.
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Priority   byte
}

// Extensions holds the decoded LOC extension headers of one object.
type Extensions struct {
	CaptureTimestamp int64 // microseconds on the media timeline
	HasTimestamp     bool
	IsKeyframe       bool
	HasFrameMarking  bool
	CodecConfig      []byte // decoder configuration record, keyframes only
}

// Object is a single object read from a subgroup stream.
type Object struct {
	ObjectID uint64
	Ext      Extensions
	Payload  []byte
}

// ReadSubgroupHeader reads and validates the stream header of an incoming
// unidirectional data stream.
func ReadSubgroupHeader(r *StreamReader) (SubgroupHeader, error) {
	var h SubgroupHeader

	streamType, err := r.ReadVarint()
	if err != nil {
		return h, fmt.Errorf("read stream type: %w", err)
	}
	if streamType != StreamTypeSubgroupSIDExt {
		return h, fmt.Errorf("%w: unexpected stream type 0x%x", ErrMalformed, streamType)
	}

	if h.TrackAlias, err = r.ReadVarint(); err != nil {
		return h, &ParseError{Field: "track_alias", Err: err}
	}
	if h.GroupID, err = r.ReadVarint(); err != nil {
		return h, &ParseError{Field: "group_id", Err: err}
	}
	if h.SubgroupID, err = r.ReadVarint(); err != nil {
		return h, &ParseError{Field: "subgroup_id", Err: err}
	}
	if h.Priority, err = r.ReadByte(); err != nil {
		return h, &ParseError{Field: "priority", Err: err}
	}
	return h, nil
}

// AppendSubgroupHeader appends the wire form of h to buf.
func AppendSubgroupHeader(buf []byte, h SubgroupHeader) []byte {
	buf = quicvarint.Append(buf, StreamTypeSubgroupSIDExt)
	buf = quicvarint.Append(buf, h.TrackAlias)
	buf = quicvarint.Append(buf, h.GroupID)
	buf = quicvarint.Append(buf, h.SubgroupID)
	return append(buf, h.Priority)
}

// ReadObject reads the next object from a subgroup stream. A clean
// end-of-stream at an object boundary returns io.EOF; truncation inside an
// object returns io.ErrUnexpectedEOF wrapped in a ParseError.
func ReadObject(r *StreamReader) (Object, error) {
	var o Object

	objectID, err := r.ReadVarint()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return o, io.EOF
		}
		return o, &ParseError{Field: "object_id", Err: err}
	}
	o.ObjectID = objectID

	extLen, err := r.ReadVarint()
	if err != nil {
		return o, &ParseError{Field: "extensions_length", Err: midStream(err)}
	}
	if extLen > maxExtensionsLen {
		return o, fmt.Errorf("%w: extensions length %d", ErrMalformed, extLen)
	}
	extBytes, err := r.ReadExact(int(extLen))
	if err != nil {
		return o, &ParseError{Field: "extensions", Err: midStream(err)}
	}
	if o.Ext, err = ParseExtensions(extBytes); err != nil {
		return o, err
	}

	payloadLen, err := r.ReadVarint()
	if err != nil {
		return o, &ParseError{Field: "payload_length", Err: midStream(err)}
	}
	if payloadLen > maxPayloadLen {
		return o, fmt.Errorf("%w: payload length %d", ErrMalformed, payloadLen)
	}
	if o.Payload, err = r.ReadExact(int(payloadLen)); err != nil {
		return o, &ParseError{Field: "payload", Err: midStream(err)}
	}

	return o, nil
}

// AppendObject appends the wire form of o to buf.
func AppendObject(buf []byte, o Object) []byte {
	exts := AppendExtensions(nil, o.Ext)
	buf = quicvarint.Append(buf, o.ObjectID)
	buf = quicvarint.Append(buf, uint64(len(exts)))
	buf = append(buf, exts...)
	buf = quicvarint.Append(buf, uint64(len(o.Payload)))
	return append(buf, o.Payload...)
}

// ParseExtensions decodes a LOC extension header block. Unknown extension
// IDs are skipped per the key parity rule: even IDs carry varint values,
// odd IDs carry length-prefixed byte strings.
func ParseExtensions(data []byte) (Extensions, error) {
	var ext Extensions
	r := newBufReader(data)

	for r.pos < len(r.data) {
		id, err := r.readVarint()
		if err != nil {
			return ext, &ParseError{Field: "extension_id", Err: err}
		}

		if id%2 == 0 {
			val, err := r.readVarint()
			if err != nil {
				return ext, &ParseError{Field: "extension_value", Err: err}
			}
			switch id {
			case LOCExtCaptureTimestamp:
				ext.CaptureTimestamp = int64(val)
				ext.HasTimestamp = true
			case LOCExtVideoFrameMarking:
				ext.HasFrameMarking = true
				ext.IsKeyframe = val&0x20 != 0 // I bit
			}
		} else {
			val, err := r.readVarIntBytes()
			if err != nil {
				return ext, &ParseError{Field: "extension_bytes", Err: err}
			}
			if id == LOCExtVideoConfig {
				ext.CodecConfig = val
			}
		}
	}

	return ext, nil
}

// AppendExtensions appends the wire form of ext to buf.
func AppendExtensions(buf []byte, ext Extensions) []byte {
	if ext.HasTimestamp {
		buf = quicvarint.Append(buf, LOCExtCaptureTimestamp)
		buf = quicvarint.Append(buf, uint64(ext.CaptureTimestamp))
	}
	if ext.HasFrameMarking {
		buf = quicvarint.Append(buf, LOCExtVideoFrameMarking)
		if ext.IsKeyframe {
			buf = quicvarint.Append(buf, VFMKeyframe)
		} else {
			buf = quicvarint.Append(buf, VFMNonKeyframe)
		}
	}
	if ext.CodecConfig != nil {
		buf = quicvarint.Append(buf, LOCExtVideoConfig)
		buf = quicvarint.Append(buf, uint64(len(ext.CodecConfig)))
		buf = append(buf, ext.CodecConfig...)
	}
	return buf
}

// midStream maps a clean EOF seen in the middle of an element to
// io.ErrUnexpectedEOF so truncation is distinguishable from a normal
// stream end.
func midStream(err error) error {
	if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
