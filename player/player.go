// Package player composes the glass pipeline: one MoQ session feeding the
// video decode gate and frame store, the audio fanout and its real-time
// consumer, caption and stats sinks, and the render scheduler. It owns
// the reconnect policy and the user-visible connection status.
package player

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/glass/audio"
	"github.com/zsiec/glass/media"
	"github.com/zsiec/glass/moq"
	"github.com/zsiec/glass/render"
	"github.com/zsiec/glass/session"
	"github.com/zsiec/glass/stats"
	"github.com/zsiec/glass/transport"
	"github.com/zsiec/glass/video"
)

// Reconnect backoff: jittered exponential, 2s doubling to a 16s ceiling.
const (
	backoffInitial = 2 * time.Second
	backoffCeiling = 16 * time.Second
)

// Status is the user-visible connection state.
type Status int32

const (
	StatusConnecting Status = iota
	StatusLive
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// VideoDecoderFactory builds the video decoder; decoded frames and errors
// arrive via the callbacks, possibly on a decoder-owned thread.
type VideoDecoderFactory func(onFrame func(video.Frame), onError func(err error)) (video.Decoder, error)

// Config configures a player.
type Config struct {
	Addr      string
	StreamKey string

	// App is the namespace prefix; defaults to "glass".
	App string

	// TLS is the dial TLS configuration, e.g. certs.Pin(fingerprint).
	TLS *tls.Config

	// Dial overrides the transport dialer (tests). Defaults to the
	// native-QUIC dialer with cfg.TLS.
	Dial func(ctx context.Context, addr string) (transport.Session, error)

	// NewVideoDecoder and NewAudioDecoder build the opaque decode
	// services. Either may be nil, disabling that pipeline.
	NewVideoDecoder VideoDecoderFactory
	NewAudioDecoder audio.DecoderFactory

	// Present draws the selected frame each tick.
	Present func(f video.Frame)

	OnCaption     func(frame *ccx.CaptionFrame)
	OnServerStats func(msg *stats.Message)
	OnStatus      func(status Status)

	Logger *slog.Logger
}

// Player drives one stream end to end and reconnects across transport
// failures. The pipeline pointers are atomics: the data-path callbacks,
// the presentation tick, and the real-time audio callback all read them
// without locks.
type Player struct {
	cfg Config
	log *slog.Logger

	status atomic.Int32

	store  atomic.Pointer[video.Store]
	gate   atomic.Pointer[video.Gate]
	fanout atomic.Pointer[audio.Fanout]
	sched  atomic.Pointer[render.Scheduler]
	sess   atomic.Pointer[session.Session]
}

// New creates a player. Run starts it.
func New(cfg Config) (*Player, error) {
	if cfg.Addr == "" && cfg.Dial == nil {
		return nil, errors.New("player: no address")
	}
	if cfg.App == "" {
		cfg.App = "glass"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		tlsConf := cfg.TLS
		cfg.Dial = func(ctx context.Context, addr string) (transport.Session, error) {
			return transport.Dial(ctx, addr, transport.DialConfig{TLS: tlsConf})
		}
	}

	return &Player{
		cfg: cfg,
		log: cfg.Logger.With("component", "player", "stream", cfg.StreamKey),
	}, nil
}

// Run connects and blocks until ctx is cancelled, reconnecting after
// transport failures with jittered exponential backoff. Unrecoverable
// protocol mismatches end the run with StatusFailed.
func (p *Player) Run(ctx context.Context) error {
	// The zero status already reads as connecting; clear it so the
	// initial connecting edge reaches OnStatus.
	p.status.Store(-1)
	p.setStatus(StatusConnecting)
	backoff := backoffInitial

	for {
		start := time.Now()
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, moq.ErrVersionMismatch) {
			p.setStatus(StatusFailed)
			return err
		}

		// A connection that lived past the ceiling resets the ladder.
		if time.Since(start) > backoffCeiling {
			backoff = backoffInitial
		}

		p.setStatus(StatusReconnecting)
		delay := jitter(backoff)
		p.log.Info("reconnecting", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if backoff *= 2; backoff > backoffCeiling {
			backoff = backoffCeiling
		}
	}
}

// runOnce dials, connects a session, builds the pipelines on catalog
// arrival, and blocks until the session closes.
func (p *Player) runOnce(ctx context.Context) error {
	ts, err := p.cfg.Dial(ctx, p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	p.store.Store(video.NewStore())

	// The catalog can land before Connect returns; onTracks waits for
	// the session pointer before subscribing.
	ready := make(chan struct{})
	closed := make(chan error, 1)

	sess, err := session.Connect(ctx, ts, session.Config{
		App:       p.cfg.App,
		StreamKey: p.cfg.StreamKey,
		Logger:    p.cfg.Logger,
	}, session.Callbacks{
		OnTrackInfo: func(tracks []media.Track) {
			go func() {
				<-ready
				p.onTracks(ctx, tracks)
			}()
		},
		OnVideoFrame:   p.onVideoObject,
		OnAudioFrame:   p.onAudioObject,
		OnCaptionFrame: p.cfg.OnCaption,
		OnServerStats:  p.cfg.OnServerStats,
		OnClose:        func(reason error) { closed <- reason },
	})
	if err != nil {
		return err
	}
	p.sess.Store(sess)
	close(ready)

	select {
	case <-ctx.Done():
		_ = sess.Close()
		<-closed
		p.teardown()
		return ctx.Err()
	case reason := <-closed:
		p.teardown()
		return reason
	}
}

// onTracks builds the decode pipelines from the catalog and issues the
// media subscribes. Runs off the catalog reader so subscribe round-trips
// do not block the data path.
func (p *Player) onTracks(ctx context.Context, tracks []media.Track) {
	sess := p.sess.Load()
	if sess == nil {
		return
	}

	var videoTrack *media.Track
	audioIndices := make([]int, 0, 2)
	hasCaptions, hasStats := false, false
	for i := range tracks {
		t := &tracks[i]
		switch t.Kind {
		case media.KindVideo:
			videoTrack = t
		case media.KindAudio:
			audioIndices = append(audioIndices, t.TrackIndex)
		case media.KindCaption:
			hasCaptions = true
		case media.KindStats:
			hasStats = true
		}
	}

	if videoTrack != nil && p.cfg.NewVideoDecoder != nil {
		gate, err := p.buildVideoGate(*videoTrack)
		if err != nil {
			p.log.Error("video pipeline setup failed", "error", err)
		} else {
			p.gate.Store(gate)
			p.sched.Store(render.NewScheduler(render.SchedulerConfig{
				Store:   p.store.Load(),
				Clock:   clockFunc(p.playbackPTS),
				Present: p.cfg.Present,
				Logger:  p.cfg.Logger,
			}))
		}
	}

	if len(audioIndices) > 0 && p.cfg.NewAudioDecoder != nil {
		fanout, err := audio.NewFanout(audio.FanoutConfig{
			Tracks:     tracks,
			Factory:    p.cfg.NewAudioDecoder,
			Subscriber: sess,
			Logger:     p.cfg.Logger,
		})
		if err != nil {
			p.log.Error("audio pipeline setup failed", "error", err)
		} else {
			fanout.SetPlaying(true)
			p.fanout.Store(fanout)
		}
	}

	if videoTrack != nil {
		if _, err := sess.Subscribe(ctx, "video", session.PriorityVideo); err != nil {
			p.log.Warn("video subscribe failed", "error", err)
		}
	}
	if p.fanout.Load() != nil {
		if err := sess.SubscribeAudio(ctx, audioIndices); err != nil {
			p.log.Warn("audio subscribe failed", "error", err)
		}
	}
	if hasCaptions {
		if _, err := sess.Subscribe(ctx, "captions", session.PriorityOther); err != nil {
			p.log.Warn("captions subscribe failed", "error", err)
		}
	}
	if hasStats {
		if _, err := sess.Subscribe(ctx, "stats", session.PriorityOther); err != nil {
			p.log.Warn("stats subscribe failed", "error", err)
		}
	}

	p.setStatus(StatusLive)
}

func (p *Player) buildVideoGate(track media.Track) (*video.Gate, error) {
	newDecoder := func() (video.Decoder, error) {
		return p.cfg.NewVideoDecoder(p.onDecodedFrame, p.onVideoDecodeError)
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	return video.NewGate(video.GateConfig{
		Decoder:  dec,
		Track:    track,
		Recreate: newDecoder,
		Logger:   p.cfg.Logger,
	})
}

func (p *Player) onDecodedFrame(f video.Frame) {
	if store := p.store.Load(); store != nil {
		store.Insert(f)
		return
	}
	f.Close()
}

func (p *Player) onVideoObject(obj media.Object) {
	if gate := p.gate.Load(); gate != nil {
		gate.Push(obj)
	}
}

func (p *Player) onVideoDecodeError(err error) {
	if gate := p.gate.Load(); gate != nil {
		gate.OnDecodeError(err)
	}
}

func (p *Player) onAudioObject(obj media.Object, trackIndex int) {
	if fanout := p.fanout.Load(); fanout != nil {
		fanout.Push(obj, trackIndex)
	}
}

func (p *Player) playbackPTS() (int64, bool) {
	fanout := p.fanout.Load()
	if fanout == nil {
		return -1, false
	}
	return fanout.PlaybackPTS()
}

// clockFunc adapts a closure to the render.Clock interface.
type clockFunc func() (int64, bool)

func (f clockFunc) PlaybackPTS() (int64, bool) { return f() }

func (p *Player) teardown() {
	if sched := p.sched.Swap(nil); sched != nil {
		sched.Close()
	}
	if gate := p.gate.Swap(nil); gate != nil {
		gate.Close()
	}
	if fanout := p.fanout.Swap(nil); fanout != nil {
		fanout.Close()
	}
	if store := p.store.Load(); store != nil {
		store.Clear()
	}
	p.sess.Store(nil)
}

// Tick runs one presentation cycle. Call at display refresh from the
// presentation thread.
func (p *Player) Tick() render.TickStats {
	sched := p.sched.Load()
	if sched == nil {
		return render.TickStats{VideoPTS: -1, AudioPTS: -1}
	}
	return sched.Tick()
}

// RunTicker drives Tick at the given interval until ctx ends; a stand-in
// for a vsync-paced loop in headless use.
func (p *Player) RunTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// ProcessAudio fills one audio quantum; call from the audio callback.
func (p *Player) ProcessAudio(out [][]float32) {
	if fanout := p.fanout.Load(); fanout != nil {
		fanout.Process(out)
	}
}

// Mute sets one audio track's gain without touching its subscription.
func (p *Player) Mute(trackIndex int, muted bool) {
	if fanout := p.fanout.Load(); fanout != nil {
		fanout.Mute(trackIndex, muted)
	}
}

// SetGlobalMute unsubscribes all audio (or resubscribes the primary
// track) to save bandwidth while muted.
func (p *Player) SetGlobalMute(ctx context.Context, muted bool) error {
	fanout := p.fanout.Load()
	if fanout == nil {
		return nil
	}
	return fanout.SetGlobalMute(ctx, muted)
}

// Stats assembles the player's health counters. VideoPTS is not filled
// here and stays -1; Tick reports the presented frame's timestamp.
func (p *Player) Stats() stats.PlayerStats {
	out := stats.PlayerStats{VideoPTS: -1, AudioPTS: -1}

	if store := p.store.Load(); store != nil {
		st := store.Stats()
		out.QueueLen = st.Len
		out.QueueLenUS = st.QueueLengthUS
		out.FramesDiscarded = st.TotalDiscarded
	}
	if gate := p.gate.Load(); gate != nil {
		gs := gate.Stats()
		out.FramesDropped = gs.Dropped
		out.VideoPTSJumps = gs.PTSJumps
		out.DecoderErrors = gs.DecoderErrors
	}
	if fanout := p.fanout.Load(); fanout != nil {
		fs := fanout.Stats()
		out.AudioPTSJumps = fs.InputJumps
		out.AudioEpochResets = fs.EpochResets
		out.InsertedSilenceUS = fanout.InsertedSilenceUS()
		if pts, ok := fanout.PlaybackPTS(); ok {
			out.AudioPTS = pts
		}
	}
	if sess := p.sess.Load(); sess != nil {
		ss := sess.Stats()
		out.MalformedStats = ss.MalformedStats
		out.MalformedCaptions = ss.MalformedCaptions
	}
	return out
}

// Status returns the current connection status.
func (p *Player) Status() Status { return Status(p.status.Load()) }

func (p *Player) setStatus(s Status) {
	if Status(p.status.Swap(int32(s))) == s {
		return
	}
	p.log.Info("status", "status", s)
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(s)
	}
}

// jitter spreads a backoff delay uniformly over [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half))
}
