// Package render implements the presentation side of the player: the
// per-tick frame selection loop paced by the audio clock (with wall-clock
// fallback), and the multi-tile variant that drives an adaptive rate
// controller per tile from one shared tick.
package render

import (
	"log/slog"
	"time"

	"github.com/zsiec/glass/video"
)

// Presentation pacing thresholds.
const (
	// stallThreshold is how long the audio clock may sit still before the
	// scheduler free-runs on the wall clock.
	stallThreshold = 200 * time.Millisecond

	// epochResetUS: a backward audio-clock jump past this clears the
	// frame store and waits for the new timeline.
	epochResetUS = 30_000_000

	// recoveryGapUS: an A/V gap past this abandons timestamp selection
	// and steps frames unconditionally until the timelines meet again.
	recoveryGapUS = 30_000_000

	// catchUpGapUS: audio ahead of video by more than this takes the
	// next frame unconditionally instead of waiting for the timestamp
	// match to walk forward.
	catchUpGapUS = 150_000

	// coldStartDepth: entering wall-clock mode with more than this many
	// queued frames anchors at the newest frame, not the backlog head.
	coldStartDepth = 9
)

// Mode reports what paced the last tick.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAudio
	ModeAudioStall
	ModeWallClock
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAudio:
		return "audio"
	case ModeAudioStall:
		return "audio-stall"
	case ModeWallClock:
		return "wall-clock"
	}
	return "unknown"
}

// Clock is the playback clock the scheduler reads, one atomic load per
// tick. ok is false when no clock is available (no audio track, or not
// yet anchored).
type Clock interface {
	PlaybackPTS() (pts int64, ok bool)
}

// TickStats is the per-tick snapshot emitted for the status surface.
type TickStats struct {
	Mode           Mode
	VideoPTS       int64 // -1 before the first frame
	AudioPTS       int64 // -1 when unavailable
	QueueLen       int
	QueueLenUS     int64
	TotalDiscarded int64
	Presented      bool
}

// SchedulerConfig configures a single-stream scheduler.
type SchedulerConfig struct {
	Store *video.Store

	// Clock is the audio playback clock; nil runs wall-clock only.
	Clock Clock

	// Present draws a frame. The scheduler retains ownership and releases
	// the frame when the next one replaces it.
	Present func(f video.Frame)

	// Now is the wall clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Scheduler selects one frame per presentation tick against the audio
// clock, falling back to wall-clock pacing on audio stall or absence.
// It runs entirely on the presentation thread: the only cross-thread
// reads are the clock's atomic loads and the store's mutex.
type Scheduler struct {
	store   *video.Store
	clock   Clock
	present func(f video.Frame)
	now     func() time.Time
	log     *slog.Logger

	current    video.Frame
	currentPTS int64
	haveFrame  bool

	lastAudioPTS  int64
	haveAudio     bool
	lastAdvanceAt time.Time

	stallActive bool
	stallBase   int64
	stallStart  time.Time

	wallAnchored bool
	wallBase     int64
	wallStart    time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		clock:      cfg.Clock,
		present:    cfg.Present,
		now:        now,
		log:        log.With("component", "scheduler"),
		currentPTS: -1,
	}
}

// Tick runs one presentation cycle and returns the stats snapshot.
func (s *Scheduler) Tick() TickStats {
	now := s.now()

	playback := int64(-1)
	haveClock := false
	if s.clock != nil {
		playback, haveClock = s.clock.PlaybackPTS()
	}

	var (
		mode       Mode
		target     int64
		haveTarget bool
		stepNext   bool
	)

	if haveClock {
		s.wallAnchored = false

		// Epoch reset: the audio timeline jumped backward past 30s.
		if s.haveAudio && s.lastAudioPTS-playback > epochResetUS {
			s.log.Info("audio epoch reset", "from", s.lastAudioPTS, "to", playback)
			s.store.Clear()
			s.stallActive = false
		}

		if !s.haveAudio || playback != s.lastAudioPTS {
			s.lastAudioPTS = playback
			s.haveAudio = true
			s.lastAdvanceAt = now
			s.stallActive = false
		}

		switch {
		case now.Sub(s.lastAdvanceAt) > stallThreshold && s.store.Len() > 0:
			// Audio-stall free-run: video keeps moving on the wall clock,
			// anchored at the current video position.
			if !s.stallActive {
				base := s.currentPTS
				if !s.haveFrame {
					if f := s.store.PeekFirst(); f != nil {
						base = f.Timestamp()
					}
				}
				s.stallActive = true
				s.stallBase = base
				s.stallStart = now
			}
			mode = ModeAudioStall
			target = s.stallBase + now.Sub(s.stallStart).Microseconds()
			haveTarget = true

		case s.haveFrame && absInt64(playback-s.currentPTS) > recoveryGapUS:
			mode = ModeAudio
			stepNext = true

		case s.haveFrame && playback-s.currentPTS > catchUpGapUS:
			mode = ModeAudio
			stepNext = true

		default:
			mode = ModeAudio
			target = playback
			haveTarget = true
		}
	} else {
		// Wall-clock free-run. First entry with a deep queue anchors at
		// the newest frame so a cold start does not replay the backlog.
		if !s.wallAnchored {
			first := s.store.PeekFirst()
			if first == nil {
				return s.snapshot(ModeIdle, playback, false)
			}
			base := first.Timestamp()
			if s.store.Len() > coldStartDepth {
				base = s.store.PeekLast().Timestamp()
			}
			s.wallAnchored = true
			s.wallBase = base
			s.wallStart = now
		}
		mode = ModeWallClock
		target = s.wallBase + now.Sub(s.wallStart).Microseconds()
		haveTarget = true
	}

	presented := false
	switch {
	case stepNext:
		if f := s.store.TakeNext(); f != nil {
			s.draw(f)
			presented = true
		}
	case haveTarget:
		if res := s.store.TakeByTimestamp(target); res.Frame != nil {
			s.draw(res.Frame)
			presented = true
		}
	}

	return s.snapshot(mode, playback, presented)
}

// draw releases the previously drawn frame and presents the new one.
func (s *Scheduler) draw(f video.Frame) {
	if s.current != nil {
		s.current.Close()
	}
	s.current = f
	s.currentPTS = f.Timestamp()
	s.haveFrame = true
	if s.present != nil {
		s.present(f)
	}
}

func (s *Scheduler) snapshot(mode Mode, audioPTS int64, presented bool) TickStats {
	st := s.store.Stats()
	return TickStats{
		Mode:           mode,
		VideoPTS:       s.currentPTS,
		AudioPTS:       audioPTS,
		QueueLen:       st.Len,
		QueueLenUS:     st.QueueLengthUS,
		TotalDiscarded: st.TotalDiscarded,
		Presented:      presented,
	}
}

// Close releases the held frame. The presentation thread must call this
// before exiting.
func (s *Scheduler) Close() {
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	s.haveFrame = false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
