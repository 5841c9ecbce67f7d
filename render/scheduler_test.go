package render

import (
	"testing"
	"time"

	"github.com/zsiec/glass/video"
)

type testFrame struct {
	ts     int64
	w, h   int
	closed int
}

func (f *testFrame) Timestamp() int64 { return f.ts }
func (f *testFrame) Duration() int64  { return 33_333 }
func (f *testFrame) Width() int       { return f.w }
func (f *testFrame) Height() int      { return f.h }
func (f *testFrame) Close()           { f.closed++ }

func frameAt(ts int64) *testFrame { return &testFrame{ts: ts, w: 1280, h: 720} }

type testClock struct {
	pts int64
	ok  bool
}

func (c *testClock) PlaybackPTS() (int64, bool) { return c.pts, c.ok }

// harness bundles a scheduler with a manual wall clock and present capture.
type harness struct {
	store     *video.Store
	clock     *testClock
	sched     *Scheduler
	now       time.Time
	presented []video.Frame
}

func newHarness(withClock bool) *harness {
	h := &harness{
		store: video.NewStore(),
		now:   time.Unix(1000, 0),
	}
	var clock Clock
	if withClock {
		h.clock = &testClock{}
		clock = h.clock
	}
	h.sched = NewScheduler(SchedulerConfig{
		Store:   h.store,
		Clock:   clock,
		Present: func(f video.Frame) { h.presented = append(h.presented, f) },
		Now:     func() time.Time { return h.now },
	})
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// fillStore inserts n frames spaced 33.333ms starting at base.
func (h *harness) fillStore(base int64, n int) []*testFrame {
	frames := make([]*testFrame, n)
	for i := range frames {
		frames[i] = frameAt(base + int64(i)*33_333)
		h.store.Insert(frames[i])
	}
	return frames
}

func TestAudioPacedSelection(t *testing.T) {
	t.Parallel()
	h := newHarness(true)
	frames := h.fillStore(0, 10)
	h.clock.pts, h.clock.ok = frames[3].ts+10, true

	st := h.sched.Tick()
	if st.Mode != ModeAudio || !st.Presented {
		t.Fatalf("stats = %+v", st)
	}
	if st.VideoPTS != frames[3].ts {
		t.Fatalf("video pts = %d, want %d", st.VideoPTS, frames[3].ts)
	}
	if len(h.presented) != 1 || h.presented[0] != frames[3] {
		t.Fatal("wrong frame presented")
	}
	// Older frames were released, newer ones retained.
	if frames[0].closed != 1 || frames[2].closed != 1 {
		t.Fatal("stale frames not released")
	}
	if frames[4].closed != 0 {
		t.Fatal("future frame released")
	}
}

func TestPreviousFrameReleasedOnDraw(t *testing.T) {
	t.Parallel()
	h := newHarness(true)
	frames := h.fillStore(0, 4)

	h.clock.pts, h.clock.ok = frames[0].ts, true
	h.sched.Tick()
	h.clock.pts = frames[1].ts
	h.advance(33 * time.Millisecond)
	h.sched.Tick()

	if frames[0].closed != 1 {
		t.Fatal("previously drawn frame not released")
	}
	if frames[1].closed != 0 {
		t.Fatal("current frame released early")
	}

	h.sched.Close()
	if frames[1].closed != 1 {
		t.Fatal("Close did not release the held frame")
	}
}

func TestCatchUpTakesNextUnconditionally(t *testing.T) {
	t.Parallel()
	h := newHarness(true)
	frames := h.fillStore(0, 10)

	h.clock.pts, h.clock.ok = frames[0].ts, true
	h.sched.Tick()

	// Audio runs ahead by 200ms (< recovery gap): step one frame.
	h.clock.pts = frames[0].ts + 200_000
	h.advance(10 * time.Millisecond)
	st := h.sched.Tick()
	if !st.Presented || st.VideoPTS != frames[1].ts {
		t.Fatalf("stats = %+v, want next frame %d", st, frames[1].ts)
	}
}

func TestRecoveryAcrossHugeGap(t *testing.T) {
	t.Parallel()
	h := newHarness(true)
	frames := h.fillStore(0, 5)

	h.clock.pts, h.clock.ok = frames[0].ts, true
	h.sched.Tick()

	// A 40s gap steps frames unconditionally instead of stalling on the
	// timestamp search.
	h.clock.pts = frames[0].ts + 40_000_000
	h.advance(10 * time.Millisecond)
	st := h.sched.Tick()
	if !st.Presented || st.VideoPTS != frames[1].ts {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEpochResetClearsStore(t *testing.T) {
	t.Parallel()
	h := newHarness(true)
	h.fillStore(60_000_000, 5)

	h.clock.pts, h.clock.ok = 60_000_000, true
	h.sched.Tick()
	if got := h.store.Len(); got != 4 {
		t.Fatalf("store len = %d before reset, want 4", got)
	}

	// Audio clock re-anchored 60s earlier: the stale frames are dropped.
	h.clock.pts = 500_000
	h.advance(10 * time.Millisecond)
	h.sched.Tick()
	if got := h.store.Len(); got != 0 {
		t.Fatalf("store len = %d after epoch reset, want 0", got)
	}
}

func TestAudioStallFreeRunAndRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(true)
	frames := h.fillStore(1_000_000, 30)

	// Normal audio pacing.
	h.clock.pts, h.clock.ok = frames[0].ts, true
	st := h.sched.Tick()
	if st.Mode != ModeAudio || st.VideoPTS != frames[0].ts {
		t.Fatalf("stats = %+v", st)
	}

	// Clock frozen 100ms: still audio mode, nothing new to present.
	h.advance(100 * time.Millisecond)
	st = h.sched.Tick()
	if st.Mode != ModeAudio {
		t.Fatalf("mode = %v at 100ms", st.Mode)
	}

	// Past the 200ms stall threshold with frames queued: free-run.
	h.advance(150 * time.Millisecond)
	st = h.sched.Tick()
	if st.Mode != ModeAudioStall {
		t.Fatalf("mode = %v at 250ms, want stall", st.Mode)
	}

	// Wall time advances the free-run target: video keeps moving.
	h.advance(100 * time.Millisecond)
	st = h.sched.Tick()
	if st.Mode != ModeAudioStall || !st.Presented {
		t.Fatalf("stats = %+v, want stall presentation", st)
	}
	if st.VideoPTS <= frames[0].ts {
		t.Fatal("video did not advance during stall")
	}
	stallPTS := st.VideoPTS

	// Audio resumes on the media timeline: pacing snaps back to the
	// playback clock, not the wall extrapolation.
	h.clock.pts = stallPTS + 33_333
	h.advance(10 * time.Millisecond)
	st = h.sched.Tick()
	if st.Mode != ModeAudio {
		t.Fatalf("mode = %v after resume", st.Mode)
	}
	if st.VideoPTS > h.clock.pts {
		t.Fatalf("video pts %d beyond audio clock %d", st.VideoPTS, h.clock.pts)
	}
}

func TestWallClockColdStartSkipsBacklog(t *testing.T) {
	t.Parallel()
	h := newHarness(false)
	frames := h.fillStore(0, 12) // > coldStartDepth

	st := h.sched.Tick()
	if st.Mode != ModeWallClock || !st.Presented {
		t.Fatalf("stats = %+v", st)
	}
	if st.VideoPTS != frames[11].ts {
		t.Fatalf("anchored at %d, want newest %d", st.VideoPTS, frames[11].ts)
	}
}

func TestWallClockShallowStartAnchorsFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(false)
	frames := h.fillStore(5_000_000, 3)

	st := h.sched.Tick()
	if st.VideoPTS != frames[0].ts {
		t.Fatalf("anchored at %d, want first %d", st.VideoPTS, frames[0].ts)
	}

	// The wall clock paces subsequent frames.
	h.advance(34 * time.Millisecond)
	st = h.sched.Tick()
	if st.VideoPTS != frames[1].ts {
		t.Fatalf("video pts = %d, want %d", st.VideoPTS, frames[1].ts)
	}
}

func TestIdleWithoutFramesOrClock(t *testing.T) {
	t.Parallel()
	h := newHarness(false)
	st := h.sched.Tick()
	if st.Mode != ModeIdle || st.Presented {
		t.Fatalf("stats = %+v", st)
	}
	if st.VideoPTS != -1 {
		t.Fatalf("video pts = %d, want -1", st.VideoPTS)
	}
}
