// Package media defines the track and object types that flow through the
// glass player pipeline, from session demux through decode and render.
package media

import "fmt"

// Channel buffer sizes for a handoff between the session's data readers
// (producers) and the decode pipelines (consumers). Sized to absorb
// delivery jitter without excessive memory: ~2 seconds of video, ~2.5s of
// audio. The packages of this module deliver objects through callbacks
// and do not reference these constants.
const (
	VideoBufferSize   = 60
	AudioBufferSize   = 120
	CaptionBufferSize = 30
)

// TrackKind classifies a catalog track.
type TrackKind int

const (
	KindVideo TrackKind = iota
	KindAudio
	KindCaption
	KindStats
)

func (k TrackKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindCaption:
		return "caption"
	case KindStats:
		return "stats"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Track describes a single catalog track. Tracks are immutable for the
// lifetime of a session.
type Track struct {
	Name       string
	Kind       TrackKind
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	TrackIndex int    // zero-based index among audio tracks
	InitData   []byte // decoder configuration record, if the catalog carries one
}

// Object is a single encoded media object demuxed from a subgroup stream.
type Object struct {
	TrackAlias  uint64
	GroupID     uint64
	ObjectID    uint64
	Timestamp   int64 // capture timestamp, microseconds on the media timeline
	IsKeyframe  bool  // video only
	CodecConfig []byte
	Payload     []byte
}
