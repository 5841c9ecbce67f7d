package video

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/glass/media"
	"github.com/zsiec/glass/moq"
)

// maxPendingChunks is the decoder backpressure limit. Past this the gate
// drops the incoming frame instead of queuing: dropping is cheaper than
// cascading decoder errors on the deltas that follow a stall.
const maxPendingChunks = 16

// ptsJumpThresholdUS flags input timestamp gaps larger than 500ms. The
// counter is diagnostic only and does not trigger a reset.
const ptsJumpThresholdUS = 500_000

// GateStats is a snapshot of the gate's health counters.
type GateStats struct {
	Dropped       int64 // frames dropped by gating or backpressure
	PTSJumps      int64
	DecoderErrors int64
}

// GateConfig configures a decode gate.
type GateConfig struct {
	// Decoder is the decode service driven by the gate.
	Decoder Decoder

	// Track is the catalog video track. When it carries init data the
	// decoder is configured immediately; otherwise configuration waits
	// for the first keyframe carrying a codec config extension.
	Track media.Track

	// Recreate, when set, builds a replacement decoder after an in-place
	// Reset fails.
	Recreate func() (Decoder, error)

	Logger *slog.Logger
}

// Gate sits between the session's video output and the decoder. It drops
// delta frames until the stream is decodable (keyframe gating), defers
// configuration until a codec config is available, applies backpressure
// when the decoder queue is full, and recovers from decoder errors by
// in-place reset with full recreate as the fallback.
type Gate struct {
	log *slog.Logger

	mu         sync.Mutex
	dec        Decoder
	recreate   func() (Decoder, error)
	cfg        DecoderConfig
	configured bool
	waitForKey bool

	lastPTS int64
	havePTS bool

	dropped       atomic.Int64
	ptsJumps      atomic.Int64
	decoderErrors atomic.Int64
}

// NewGate creates the decode gate. With catalog init data the decoder is
// configured up front; without it, every frame before the first
// config-carrying keyframe is silently dropped.
func NewGate(cfg GateConfig) (*Gate, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gate{
		log:        log.With("component", "video-gate"),
		dec:        cfg.Decoder,
		recreate:   cfg.Recreate,
		waitForKey: true,
		cfg: DecoderConfig{
			Codec:  cfg.Track.Codec,
			Width:  cfg.Track.Width,
			Height: cfg.Track.Height,
		},
	}

	if len(cfg.Track.InitData) > 0 {
		g.cfg.Description = cfg.Track.InitData
		if err := g.dec.Configure(g.cfg); err != nil {
			return nil, err
		}
		g.configured = true
	}

	return g, nil
}

// Push submits one encoded object. Frames dropped by gating, deferred
// configuration, or backpressure are counted, never queued.
func (g *Gate) Push(obj media.Object) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.havePTS {
		delta := obj.Timestamp - g.lastPTS
		if delta > ptsJumpThresholdUS || delta < -ptsJumpThresholdUS {
			g.ptsJumps.Add(1)
		}
	}
	g.lastPTS = obj.Timestamp
	g.havePTS = true

	if !g.configured {
		if !obj.IsKeyframe || len(obj.CodecConfig) == 0 {
			g.dropped.Add(1)
			return
		}
		g.cfg.Description = obj.CodecConfig
		if c, err := moq.ParseAVCDecoderConfig(obj.CodecConfig); err == nil && g.cfg.Codec == "" {
			g.cfg.Codec = c.CodecString()
		}
		if err := g.dec.Configure(g.cfg); err != nil {
			g.log.Warn("decoder configure failed", "error", err)
			g.dropped.Add(1)
			return
		}
		g.configured = true
		g.waitForKey = false
	}

	if g.waitForKey {
		if !obj.IsKeyframe {
			g.dropped.Add(1)
			return
		}
		g.waitForKey = false
	}

	if g.dec.QueueSize() >= maxPendingChunks {
		g.dropped.Add(1)
		g.waitForKey = true
		return
	}

	if err := g.dec.Decode(Chunk{
		Payload:   obj.Payload,
		Timestamp: obj.Timestamp,
		Keyframe:  obj.IsKeyframe,
	}); err != nil {
		g.handleErrorLocked(err)
	}
}

// OnDecodeError is called from the decoder's error callback. Recovery
// prefers an in-place reset of the decoder context over teardown; only a
// failed reset recreates the decoder.
func (g *Gate) OnDecodeError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handleErrorLocked(err)
}

func (g *Gate) handleErrorLocked(err error) {
	g.decoderErrors.Add(1)
	g.waitForKey = true
	g.log.Warn("decoder error", "error", err)

	if rerr := g.dec.Reset(); rerr == nil {
		if g.configured {
			if cerr := g.dec.Configure(g.cfg); cerr == nil {
				return
			}
		} else {
			return
		}
	}

	if g.recreate == nil {
		return
	}
	next, nerr := g.recreate()
	if nerr != nil {
		g.log.Error("decoder recreate failed", "error", nerr)
		return
	}
	g.dec.Close()
	g.dec = next
	if g.configured {
		if cerr := g.dec.Configure(g.cfg); cerr != nil {
			g.log.Error("recreated decoder configure failed", "error", cerr)
			g.configured = false
		}
	}
}

// SignalDiscontinuity re-arms keyframe gating after an upstream break.
func (g *Gate) SignalDiscontinuity() {
	g.mu.Lock()
	g.waitForKey = true
	g.mu.Unlock()
}

// WaitingForKey reports whether delta frames are currently being dropped.
func (g *Gate) WaitingForKey() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitForKey
}

// Stats returns the gate's health counters.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Dropped:       g.dropped.Load(),
		PTSJumps:      g.ptsJumps.Load(),
		DecoderErrors: g.decoderErrors.Load(),
	}
}

// Close releases the decoder.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dec.Close()
}
