// Package stats decodes the per-second JSON health snapshots delivered on
// the stats track, and aggregates the player's own pipeline counters for
// the status surface.
package stats

import (
	"encoding/json"
	"fmt"
)

// VideoStats holds point-in-time video metrics reported by the origin.
type VideoStats struct {
	Codec         string  `json:"codec"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	TotalFrames   int64   `json:"totalFrames"`
	KeyFrames     int64   `json:"keyFrames"`
	DeltaFrames   int64   `json:"deltaFrames"`
	CurrentGOPLen int     `json:"currentGOPLen"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	FrameRate     float64 `json:"frameRate"`
	PTSErrors     int64   `json:"ptsErrors"`
	TotalBytes    int64   `json:"totalBytes"`
	Timecode      string  `json:"timecode,omitempty"`
}

// AudioTrackStats holds per-track audio metrics reported by the origin.
type AudioTrackStats struct {
	TrackIndex  int     `json:"trackIndex"`
	Codec       string  `json:"codec"`
	SampleRate  int     `json:"sampleRate"`
	Channels    int     `json:"channels"`
	Frames      int64   `json:"frames"`
	BitrateKbps float64 `json:"bitrateKbps"`
	PTSErrors   int64   `json:"ptsErrors"`
	TotalBytes  int64   `json:"totalBytes"`
}

// CaptionStats tracks closed-caption activity across all channels.
type CaptionStats struct {
	ActiveChannels []int `json:"activeChannels"`
	TotalFrames    int64 `json:"totalFrames"`
}

// SCTE35Event is a splice event the origin observed in the ingest.
type SCTE35Event struct {
	PTS                int64   `json:"pts"`
	CommandType        string  `json:"commandType"`
	CommandTypeID      uint32  `json:"commandTypeId"`
	EventID            uint32  `json:"eventId,omitempty"`
	SegmentationType   string  `json:"segmentationType,omitempty"`
	SegmentationTypeID uint32  `json:"segmentationTypeId,omitempty"`
	Duration           float64 `json:"duration,omitempty"`
	OutOfNetwork       bool    `json:"outOfNetwork,omitempty"`
	Immediate          bool    `json:"immediate,omitempty"`
	Description        string  `json:"description"`
	ReceivedAt         int64   `json:"receivedAt"`
}

// SCTE35Stats summarizes splice event activity for a stream.
type SCTE35Stats struct {
	TotalEvents int64         `json:"totalEvents"`
	Recent      []SCTE35Event `json:"recent,omitempty"`
}

// ViewerStats is the origin's echo of this viewer's delivery metrics.
type ViewerStats struct {
	ID             string `json:"id"`
	VideoSent      int64  `json:"videoSent"`
	AudioSent      int64  `json:"audioSent"`
	CaptionSent    int64  `json:"captionSent"`
	VideoDropped   int64  `json:"videoDropped"`
	AudioDropped   int64  `json:"audioDropped"`
	CaptionDropped int64  `json:"captionDropped"`
	BytesSent      int64  `json:"bytesSent"`
	LastVideoTsMS  int64  `json:"lastVideoTsMs,omitempty"`
	LastAudioTsMS  int64  `json:"lastAudioTsMs,omitempty"`
}

// StreamSnapshot is the top-level per-second stats payload.
type StreamSnapshot struct {
	Timestamp   int64             `json:"ts"`
	UptimeMs    int64             `json:"uptimeMs"`
	Protocol    string            `json:"protocol"`
	IngestBytes int64             `json:"ingestBytes"`
	IngestKbps  float64           `json:"ingestKbps"`
	Video       VideoStats        `json:"video"`
	Audio       []AudioTrackStats `json:"audio"`
	Captions    CaptionStats      `json:"captions"`
	SCTE35      SCTE35Stats       `json:"scte35"`
	ViewerCount int               `json:"viewerCount"`
}

// Message is one object on the stats track.
type Message struct {
	Type        string         `json:"type"`
	Stats       StreamSnapshot `json:"stats"`
	ViewerStats *ViewerStats   `json:"viewerStats,omitempty"`
}

// ParseMessage decodes a stats track object. Malformed payloads return an
// error; the caller drops them silently and counts the drop.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("stats: decode: %w", err)
	}
	return &m, nil
}

// PlayerStats is the player's own per-tick health surface: local pipeline
// counters, never raw protocol details.
type PlayerStats struct {
	VideoPTS          int64 // last presented frame timestamp, µs
	AudioPTS          int64 // published playback clock, µs (-1 when unavailable)
	QueueLen          int   // frames queued for presentation
	QueueLenUS        int64 // queued duration, µs
	FramesDiscarded   int64 // frame-store evictions + scheduler skips
	FramesDropped     int64 // decode-gate drops (gating, backpressure)
	InsertedSilenceUS int64 // audio underrun fill, µs
	VideoPTSJumps     int64
	AudioPTSJumps     int64
	AudioEpochResets  int64
	DecoderErrors     int64
	MalformedStats    int64
	MalformedCaptions int64
}
