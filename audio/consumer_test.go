package audio

import (
	"math"
	"testing"
)

// newQuantum allocates a planar output buffer.
func newQuantum(channels, frames int) [][]float32 {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	return out
}

// fillRing writes n samples of a ramp into every channel.
func fillRing(r *Ring, n int, start float32) {
	r.Write(planarRamp(r.Channels(), n, start))
}

func TestProcessNotPlaying(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 2)
	c := NewConsumer(r)
	fillRing(r, 500, 1)

	out := newQuantum(2, 100)
	out[0][0] = 42 // must be overwritten with silence
	c.Process(out)

	if out[0][0] != 0 {
		t.Fatal("output not silenced")
	}
	if r.Used() != 500 {
		t.Fatal("consumed while not playing")
	}
	if _, ok := r.PlaybackPTS(); ok {
		t.Fatal("pts published while not playing")
	}
}

func TestUnderrunInsertsSilence(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 2)
	c := NewConsumer(r)
	r.SetPlaying(true)

	// Anchor the clock with an empty ring: the published PTS is the base.
	c.SetPTS(0, 0)
	out := newQuantum(2, 100)
	c.Process(out)

	ptsBefore, ok := r.PlaybackPTS()
	if !ok {
		t.Fatal("pts not published")
	}

	// An underrun quantum outputs silence, advances the silence
	// counter by frames·10⁶/rate, and leaves the published PTS unchanged.
	out[0][0] = 42
	c.Process(out)
	if out[0][0] != 0 {
		t.Fatal("underrun output not silenced")
	}
	if got, want := r.InsertedSilenceUS(), int64(200*1_000_000/1000); got != want {
		t.Fatalf("inserted silence = %dµs, want %d", got, want)
	}
	ptsAfter, _ := r.PlaybackPTS()
	if ptsAfter != ptsBefore {
		t.Fatalf("pts moved during underrun: %d → %d", ptsBefore, ptsAfter)
	}

	c.Process(out)
	if got, want := r.InsertedSilenceUS(), int64(300*1_000_000/1000); got != want {
		t.Fatalf("inserted silence = %dµs, want %d", got, want)
	}
}

func TestProcessCopiesBitExact(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 2)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(0, 0)

	// Dead zone (600–1500ms): unity speed, exact copy, exact advance.
	fillRing(r, 1000, 7)
	out := newQuantum(2, 100)
	c.Process(out)

	for ch := 0; ch < 2; ch++ {
		for i := 0; i < 100; i++ {
			if out[ch][i] != 7+float32(i) {
				t.Fatalf("ch%d[%d] = %v, want %v", ch, i, out[ch][i], 7+float32(i))
			}
		}
	}
	if got := r.readIdx.Load(); got != 100 {
		t.Fatalf("read idx = %d, want 100", got)
	}
	pts, _ := r.PlaybackPTS()
	if want := int64(100 * 1_000_000 / 1000); pts != want {
		t.Fatalf("pts = %d, want %d", pts, want)
	}
}

func TestDriftSlowdownWhenLow(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 1)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(0, 0)

	// 150ms buffered → speed = 0.98 + 0.02·(150/600) = 0.985 →
	// advance = floor(98.5) = 98 with 0.5 carried.
	fillRing(r, 150, 0)
	out := newQuantum(1, 100)
	c.Process(out)

	if got := r.readIdx.Load(); got != 98 {
		t.Fatalf("read idx = %d, want 98", got)
	}
	// The output still copies min(frames, used) = 100 samples: the
	// pointer-rate repeat happens at the quantum boundary, not inside it.
	if out[0][99] != 99 {
		t.Fatalf("out[99] = %v, want 99", out[0][99])
	}
	if math.Abs(c.frac-0.5) > 1e-9 {
		t.Fatalf("frac = %v, want 0.5", c.frac)
	}
}

func TestDriftSpeedupWhenHigh(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 1)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(0, 0)

	// 3000ms buffered → ramp fully applied → speed 1.02 → advance 102.
	fillRing(r, 3000, 0)
	out := newQuantum(1, 100)
	c.Process(out)
	if got := r.readIdx.Load(); got != 102 {
		t.Fatalf("read idx = %d, want 102", got)
	}

	// Still above the high-water mark: another 102.
	c.Process(out)
	if got := r.readIdx.Load(); got != 204 {
		t.Fatalf("read idx = %d, want 204", got)
	}
	pts, _ := r.PlaybackPTS()
	if want := int64(204 * 1_000_000 / 1000); pts != want {
		t.Fatalf("pts = %d, want %d", pts, want)
	}
}

func TestAdvanceClampedByUsed(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 1)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(0, 0)

	fillRing(r, 40, 5)
	out := newQuantum(1, 100)
	c.Process(out)

	if got := r.Used(); got != 0 {
		t.Fatalf("used = %d, want 0", got)
	}
	// Copied samples, then zero fill.
	if out[0][39] != 5+39 {
		t.Fatalf("out[39] = %v", out[0][39])
	}
	if out[0][40] != 0 || out[0][99] != 0 {
		t.Fatal("tail not zero-filled")
	}
}

func TestPTSMonotonicAcrossQuanta(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 1)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(1_000_000, 0)

	out := newQuantum(1, 100)
	last := int64(-1 << 62)
	for i := 0; i < 20; i++ {
		if i%3 != 2 { // starve every third quantum
			fillRing(r, 100, 0)
		}
		c.Process(out)
		pts, ok := r.PlaybackPTS()
		if !ok {
			t.Fatal("pts not published")
		}
		// Monotonically non-decreasing without an explicit SetPTS.
		if pts < last {
			t.Fatalf("pts went backward: %d after %d", pts, last)
		}
		last = pts
	}
}

func TestSetPTSReanchors(t *testing.T) {
	t.Parallel()
	r := NewRing(48000, 2)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(60_100_000, 0)

	fillRing(r, 48000, 0) // 1s buffered: dead zone, unity speed
	out := newQuantum(2, 128)
	c.Process(out)

	before, _ := r.PlaybackPTS()
	if before <= 60_100_000 {
		t.Fatalf("pts = %d, want > 60100000", before)
	}

	// Epoch reset: ring cleared, clock re-anchored at the new timeline.
	r.Clear()
	c.SetPTS(100_000, 0)
	c.Process(out) // underrun quantum, but the reset must land first

	pts, ok := r.PlaybackPTS()
	if !ok || pts != 100_000 {
		t.Fatalf("pts = %d (ok=%v), want 100000", pts, ok)
	}

	fillRing(r, 48000, 0)
	c.Process(out)
	pts2, _ := r.PlaybackPTS()
	if want := int64(100_000 + 128*1_000_000/48000); pts2 != want {
		t.Fatalf("pts = %d, want %d", pts2, want)
	}
}

func TestSampleOffsetAnchoring(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 1)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(2_000_000, 500)

	fillRing(r, 1000, 0) // dead zone: unity speed
	out := newQuantum(1, 100)
	c.Process(out)

	pts, _ := r.PlaybackPTS()
	if want := int64(2_000_000 + (500+100)*1_000_000/1000); pts != want {
		t.Fatalf("pts = %d, want %d", pts, want)
	}
}

func TestLevels(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 2)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(0, 0)

	frames := 100
	planar := make([][]float32, 2)
	planar[0] = make([]float32, frames)
	planar[1] = make([]float32, frames)
	for i := 0; i < frames; i++ {
		planar[0][i] = 0.5
		if i%2 == 0 {
			planar[1][i] = 1
		} else {
			planar[1][i] = -1
		}
	}
	r.Write(planar)

	out := newQuantum(2, frames)
	c.Process(out)

	if got := r.Peak(0); math.Abs(got-0.5) > 1e-5 {
		t.Fatalf("peak ch0 = %v, want 0.5", got)
	}
	if got := r.RMS(0); math.Abs(got-0.5) > 1e-5 {
		t.Fatalf("rms ch0 = %v, want 0.5", got)
	}
	if got := r.Peak(1); math.Abs(got-1.0) > 1e-5 {
		t.Fatalf("peak ch1 = %v, want 1.0", got)
	}
	if got := r.RMS(1); math.Abs(got-1.0) > 1e-5 {
		t.Fatalf("rms ch1 = %v, want 1.0", got)
	}
}

func TestGainAppliedMutedStillConsumes(t *testing.T) {
	t.Parallel()
	r := NewRing(1000, 1)
	c := NewConsumer(r)
	r.SetPlaying(true)
	c.SetPTS(0, 0)
	c.SetGain(0)

	fillRing(r, 1000, 3)
	out := newQuantum(1, 100)
	c.Process(out)

	if out[0][0] != 0 {
		t.Fatal("muted output not zero")
	}
	// Consumption and the clock keep running while muted.
	if got := r.readIdx.Load(); got != 100 {
		t.Fatalf("read idx = %d, want 100", got)
	}
	if pts, ok := r.PlaybackPTS(); !ok || pts == 0 {
		t.Fatalf("pts = %d (ok=%v)", pts, ok)
	}
}
