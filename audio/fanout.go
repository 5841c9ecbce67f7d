package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zsiec/glass/media"
)

// Input PTS supervision thresholds. A backward jump past the epoch
// threshold latches a pipeline re-anchor; smaller jumps are counted as
// diagnostics only.
const (
	epochResetThresholdUS = 30_000_000 // 30s backward = epoch reset
	inputJumpThresholdUS  = 100_000    // 100ms absolute = diagnostic
)

// maxQuantumFrames bounds the per-quantum frame count Process accepts, so
// the non-primary scratch buffers can be preallocated.
const maxQuantumFrames = 4096

// Decoder is the opaque per-track audio decode service. Decoded planar
// PCM is delivered through the callback supplied at construction.
type Decoder interface {
	Decode(payload []byte, pts int64) error
	Close()
}

// DecoderFactory builds one decoder per track. onPCM receives planar
// float32 output at the shared context sample rate; onError receives
// decoder failures. Both may be invoked from a decoder-owned thread.
type DecoderFactory func(track media.Track, onPCM func(planar [][]float32, pts int64), onError func(err error)) (Decoder, error)

// Subscriber is the slice of the session the fanout uses to implement
// global mute without wasting bandwidth.
type Subscriber interface {
	SubscribeAudio(ctx context.Context, want []int) error
}

// FanoutStats is a snapshot of the fanout's health counters.
type FanoutStats struct {
	EpochResets   int64
	InputJumps    int64
	RingFullDrops int64
}

// FanoutConfig configures the per-track audio pipeline set.
type FanoutConfig struct {
	// Tracks is the catalog track list; non-audio entries are ignored.
	Tracks []media.Track

	// Factory builds each track's decoder. All decoders share one output
	// sample rate (the audio context rate).
	Factory DecoderFactory

	// Subscriber, when set, carries the global-mute subscribe diff.
	Subscriber Subscriber

	Logger *slog.Logger
}

// processSet is the immutable pipe snapshot the real-time thread walks.
type processSet struct {
	primary *pipe
	others  []*pipe
}

// pipe is one track's decoder → ring lane.
type pipe struct {
	track    media.Track
	dec      Decoder
	ring     *Ring
	consumer *Consumer
	scratch  [][]float32 // non-primary Process target, metering only

	// producer-side state, touched only from the decode callback path
	lastInputPTS int64
	haveInput    bool
	epochLatch   bool
	anchored     bool
}

// Fanout owns one decoder and one ring per audio track. Exactly one track
// is primary: its ring PTS is the exported playback clock. Muted tracks
// keep decoding at gain 0 so unmuting is instantaneous and metering stays
// live; global mute instead unsubscribes every audio track.
type Fanout struct {
	log     *slog.Logger
	factory DecoderFactory
	sub     Subscriber

	mu         sync.Mutex
	pipes      map[int]*pipe
	primary    int
	globalMute bool

	// procSet is the lock-free snapshot Process reads; rebuilt under mu
	// whenever the pipe set or the primary changes. The real-time thread
	// never takes the mutex.
	procSet atomic.Pointer[processSet]

	epochResets   atomic.Int64
	inputJumps    atomic.Int64
	ringFullDrops atomic.Int64
}

// NewFanout instantiates a decoder and ring per audio track. The lowest
// track index starts as primary at unity gain; the others are muted.
func NewFanout(cfg FanoutConfig) (*Fanout, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	f := &Fanout{
		log:     log.With("component", "audio-fanout"),
		factory: cfg.Factory,
		sub:     cfg.Subscriber,
		pipes:   make(map[int]*pipe),
		primary: -1,
	}

	for _, track := range cfg.Tracks {
		if track.Kind != media.KindAudio {
			continue
		}
		if err := f.addTrack(track); err != nil {
			f.Close()
			return nil, err
		}
	}

	if f.primary >= 0 {
		f.pipes[f.primary].consumer.SetGain(1.0)
	}
	return f, nil
}

func (f *Fanout) addTrack(track media.Track) error {
	ring := NewRing(track.SampleRate, track.Channels)
	p := &pipe{
		track:    track,
		ring:     ring,
		consumer: NewConsumer(ring),
		scratch:  make([][]float32, ring.Channels()),
	}
	for ch := range p.scratch {
		p.scratch[ch] = make([]float32, maxQuantumFrames)
	}
	p.consumer.SetGain(0) // unmuted below if primary

	dec, err := f.factory(track,
		func(planar [][]float32, pts int64) { f.onPCM(p, planar, pts) },
		func(err error) { f.log.Warn("audio decode error", "track", track.TrackIndex, "error", err) },
	)
	if err != nil {
		return fmt.Errorf("audio decoder for track %d: %w", track.TrackIndex, err)
	}
	p.dec = dec

	f.mu.Lock()
	f.pipes[track.TrackIndex] = p
	if f.primary < 0 || track.TrackIndex < f.primary {
		f.primary = track.TrackIndex
	}
	f.rebuildProcessSetLocked()
	f.mu.Unlock()
	return nil
}

func (f *Fanout) rebuildProcessSetLocked() {
	set := &processSet{}
	for idx, p := range f.pipes {
		if idx == f.primary {
			set.primary = p
		} else {
			set.others = append(set.others, p)
		}
	}
	f.procSet.Store(set)
}

// Push routes one encoded object to its track's decoder, applying input
// PTS supervision first: a >30s backward jump latches an epoch reset, a
// >100ms jump is counted as a diagnostic.
func (f *Fanout) Push(obj media.Object, trackIndex int) {
	f.mu.Lock()
	p := f.pipes[trackIndex]
	f.mu.Unlock()
	if p == nil {
		return
	}

	if p.haveInput {
		delta := obj.Timestamp - p.lastInputPTS
		if delta < -epochResetThresholdUS {
			p.epochLatch = true
			f.epochResets.Add(1)
		} else if delta > inputJumpThresholdUS || delta < -inputJumpThresholdUS {
			f.inputJumps.Add(1)
		}
	}
	p.lastInputPTS = obj.Timestamp
	p.haveInput = true

	if err := p.dec.Decode(obj.Payload, obj.Timestamp); err != nil {
		f.log.Warn("audio decode submit failed", "track", trackIndex, "error", err)
	}
}

// onPCM writes decoded samples into the track's ring. The first output
// after start or after an epoch latch re-anchors the playback clock
// atomically with a ring clear.
func (f *Fanout) onPCM(p *pipe, planar [][]float32, pts int64) {
	if len(planar) == 0 {
		return
	}

	if p.epochLatch || !p.anchored {
		p.ring.Clear()
		p.consumer.SetPTS(pts, 0)
		p.epochLatch = false
		p.anchored = true
	}

	frames := len(planar[0])
	if written := p.ring.Write(planar); written < frames {
		f.ringFullDrops.Add(int64(frames - written))
	}
}

// Process fills one audio quantum from the primary track and drains the
// muted tracks into scratch so their meters and clocks stay live. Called
// from the real-time audio callback.
func (f *Fanout) Process(out [][]float32) {
	frames := 0
	if len(out) > 0 {
		frames = len(out[0])
	}
	if frames > maxQuantumFrames {
		frames = maxQuantumFrames
	}

	set := f.procSet.Load()
	if set == nil {
		return
	}

	if set.primary != nil {
		set.primary.consumer.Process(out)
	}
	for _, p := range set.others {
		target := p.scratch
		for ch := range target {
			target[ch] = target[ch][:frames]
		}
		p.consumer.Process(target)
	}
}

// SetPlaying toggles consumption on every track.
func (f *Fanout) SetPlaying(playing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pipes {
		p.ring.SetPlaying(playing)
	}
}

// Mute sets a track's gain to zero (or back to unity) without touching
// its subscription: the decoder keeps running so unmute is instantaneous.
func (f *Fanout) Mute(trackIndex int, muted bool) {
	f.mu.Lock()
	p := f.pipes[trackIndex]
	f.mu.Unlock()
	if p == nil {
		return
	}
	if muted {
		p.consumer.SetGain(0)
	} else {
		p.consumer.SetGain(1.0)
	}
}

// SetPrimary selects the track whose ring PTS is the exported playback
// clock.
func (f *Fanout) SetPrimary(trackIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pipes[trackIndex]; ok {
		f.primary = trackIndex
		f.rebuildProcessSetLocked()
	}
}

// Primary returns the current primary track index, -1 with no tracks.
func (f *Fanout) Primary() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primary
}

// PlaybackPTS exposes the primary track's published clock.
func (f *Fanout) PlaybackPTS() (int64, bool) {
	f.mu.Lock()
	p := f.pipes[f.primary]
	f.mu.Unlock()
	if p == nil {
		return -1, false
	}
	return p.ring.PlaybackPTS()
}

// Ring returns a track's ring, for metering. Nil for unknown tracks.
func (f *Fanout) Ring(trackIndex int) *Ring {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.pipes[trackIndex]; p != nil {
		return p.ring
	}
	return nil
}

// InsertedSilenceUS sums underrun fill across all tracks.
func (f *Fanout) InsertedSilenceUS() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, p := range f.pipes {
		total += p.ring.InsertedSilenceUS()
	}
	return total
}

// SetGlobalMute switches between full audio unsubscribe (bandwidth off)
// and resubscribing the primary track. Idempotent via the session's
// subscribe diff.
func (f *Fanout) SetGlobalMute(ctx context.Context, muted bool) error {
	f.mu.Lock()
	f.globalMute = muted
	primary := f.primary
	f.mu.Unlock()

	if f.sub == nil {
		return nil
	}
	if muted {
		return f.sub.SubscribeAudio(ctx, nil)
	}
	if primary < 0 {
		return nil
	}
	return f.sub.SubscribeAudio(ctx, []int{primary})
}

// TrackIndices returns the configured audio track indices in order.
func (f *Fanout) TrackIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	indices := make([]int, 0, len(f.pipes))
	for idx := range f.pipes {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// Stats returns the fanout's health counters.
func (f *Fanout) Stats() FanoutStats {
	return FanoutStats{
		EpochResets:   f.epochResets.Load(),
		InputJumps:    f.inputJumps.Load(),
		RingFullDrops: f.ringFullDrops.Load(),
	}
}

// Close shuts down every decoder.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pipes {
		if p.dec != nil {
			p.dec.Close()
		}
	}
}
