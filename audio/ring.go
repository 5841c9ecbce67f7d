// Package audio implements the player's audio pipeline: per-track SPSC
// sample rings shared with a real-time consumer that performs
// adaptive-rate drift compensation and publishes the playback clock, and
// the per-track decode fanout that feeds them.
package audio

import "sync/atomic"

// MaxChannels bounds the per-channel level lanes in the ring state block.
const MaxChannels = 8

// ringSeconds sizes each channel ring: 4 seconds of samples absorbs
// delivery bursts while keeping drift compensation in its linear range.
const ringSeconds = 4

// Ring is a lock-free single-producer/single-consumer sample ring with an
// atomic state block. Exactly one producer (the decode callback) mutates
// the write index; exactly one consumer (the audio thread) mutates the
// read index, the published PTS, the silence counter, and the level
// lanes. Every other reader sees a consistent snapshot via atomic loads.
//
// All state-block fields except the 64-bit silence counter are 32-bit
// lanes; the published PTS is split as
// pts_hi·10⁶ + pts_lo so the pair maps onto shared-memory layouts.
type Ring struct {
	size       uint32
	channels   int
	sampleRate int
	data       [][]float32

	readIdx  atomic.Uint32
	writeIdx atomic.Uint32
	playing  atomic.Uint32

	insertedSilence atomic.Uint64 // microseconds of underrun fill

	ptsHi    atomic.Uint32 // seconds, two's complement
	ptsLo    atomic.Uint32 // microsecond remainder, [0, 1e6)
	ptsValid atomic.Uint32

	peak [MaxChannels]atomic.Uint32 // ×10⁶
	rms  [MaxChannels]atomic.Uint32 // ×10⁶
}

// NewRing allocates a ring holding ringSeconds of planar float32 audio.
func NewRing(sampleRate, channels int) *Ring {
	if channels > MaxChannels {
		channels = MaxChannels
	}
	size := uint32(sampleRate * ringSeconds)
	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = make([]float32, size)
	}
	return &Ring{
		size:       size,
		channels:   channels,
		sampleRate: sampleRate,
		data:       data,
	}
}

// Size returns the ring capacity in samples per channel. Usable capacity
// is Size−1: one slot separates a full ring from an empty one.
func (r *Ring) Size() uint32 { return r.size }

// Channels returns the channel count.
func (r *Ring) Channels() int { return r.channels }

// SampleRate returns the sample rate.
func (r *Ring) SampleRate() int { return r.sampleRate }

// used computes the occupied slots for a consistent (read, write) snapshot.
func (r *Ring) used(read, write uint32) uint32 {
	return (write + r.size - read) % r.size
}

// Used returns the currently buffered sample count per channel.
func (r *Ring) Used() uint32 {
	return r.used(r.readIdx.Load(), r.writeIdx.Load())
}

// Write copies up to len(planar[ch]) samples per channel into the ring,
// wrapping across the seam with two copies, and publishes the new write
// index. It returns the samples written per channel, which is less than
// the frame size when the ring is near full; the caller drops and counts
// the remainder.
func (r *Ring) Write(planar [][]float32) int {
	if len(planar) == 0 {
		return 0
	}
	frames := len(planar[0])

	read := r.readIdx.Load()
	write := r.writeIdx.Load()
	free := int(r.size - 1 - r.used(read, write))

	n := frames
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	for ch := 0; ch < r.channels && ch < len(planar); ch++ {
		first := int(r.size - write)
		if first > n {
			first = n
		}
		copy(r.data[ch][write:], planar[ch][:first])
		if n > first {
			copy(r.data[ch], planar[ch][first:n])
		}
	}

	r.writeIdx.Store((write + uint32(n)) % r.size)
	return n
}

// Clear resets both indices, discarding all buffered samples. Only called
// from the producer side, sequenced before a SetPTS re-anchor.
func (r *Ring) Clear() {
	r.readIdx.Store(0)
	r.writeIdx.Store(0)
}

// SetPlaying toggles the consumer between silence and consumption.
func (r *Ring) SetPlaying(playing bool) {
	if playing {
		r.playing.Store(1)
	} else {
		r.playing.Store(0)
	}
}

// Playing reports whether the consumer is consuming.
func (r *Ring) Playing() bool { return r.playing.Load() != 0 }

// InsertedSilenceUS returns the cumulative underrun fill in microseconds.
func (r *Ring) InsertedSilenceUS() int64 {
	return int64(r.insertedSilence.Load())
}

// storePTS publishes pts (microseconds) into the split hi/lo lanes.
func (r *Ring) storePTS(pts int64) {
	hi := pts / 1_000_000
	lo := pts - hi*1_000_000
	if lo < 0 {
		hi--
		lo += 1_000_000
	}
	r.ptsLo.Store(uint32(lo))
	r.ptsHi.Store(uint32(int32(hi)))
	r.ptsValid.Store(1)
}

// PlaybackPTS returns the published playback clock in microseconds. ok is
// false until the consumer first publishes a clock, either on a SetPTS
// re-anchor or on a quantum that consumed samples. The hi lane is
// re-read to guard against tearing across the pair.
func (r *Ring) PlaybackPTS() (int64, bool) {
	if r.ptsValid.Load() == 0 {
		return -1, false
	}
	for {
		hi1 := r.ptsHi.Load()
		lo := r.ptsLo.Load()
		hi2 := r.ptsHi.Load()
		if hi1 == hi2 {
			return int64(int32(hi1))*1_000_000 + int64(lo), true
		}
	}
}

// Peak returns the last quantum's peak absolute sample for a channel.
func (r *Ring) Peak(ch int) float64 {
	if ch < 0 || ch >= r.channels {
		return 0
	}
	return float64(r.peak[ch].Load()) / 1e6
}

// RMS returns the last quantum's RMS level for a channel.
func (r *Ring) RMS(ch int) float64 {
	if ch < 0 || ch >= r.channels {
		return 0
	}
	return float64(r.rms[ch].Load()) / 1e6
}
