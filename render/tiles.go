package render

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/glass/video"
)

// Per-tile proportional controller parameters. The controller holds each
// tile's queue near a shallow target depth by skewing its clock rate
// within ±2%.
const (
	tileTargetDepth     = 3
	tileDeadZone        = 1
	tileGainPerFrame    = 0.002
	tileMaxRateSkew     = 0.02
	tileOvershootRatio  = 3 // initial fill deeper than 3× target skips to the tail
	tileDiscontinuityUS = 1_000_000
)

// TileStats is one tile's per-tick snapshot.
type TileStats struct {
	Name           string
	VideoPTS       int64
	QueueLen       int
	ClockRate      float64
	TotalDiscarded int64
	Filling        bool
	Presented      bool
}

// Tile is one stream of a multi-stream grid: its own frame store and
// clock controller, driven by the shared presentation tick. Per-tile
// audio is optional; the controller needs no clock besides the wall.
type Tile struct {
	name    string
	log     *slog.Logger
	store   *video.Store
	present func(f video.Frame)

	// onAspect fires when a decoded frame changes the tile's aspect, so
	// the compositor can recompute the destination rectangle.
	onAspect func(width, height int)

	mu sync.Mutex

	width, height int

	lastInputPTS int64
	haveInput    bool

	anchored  bool
	base      int64
	anchorAt  time.Time
	clockRate float64

	current    video.Frame
	currentPTS int64
}

// TileConfig configures one tile.
type TileConfig struct {
	Name     string
	Present  func(f video.Frame)
	OnAspect func(width, height int)
	Logger   *slog.Logger
}

func newTile(cfg TileConfig) *Tile {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tile{
		name:       cfg.Name,
		log:        log.With("component", "tile", "tile", cfg.Name),
		store:      video.NewStore(),
		present:    cfg.Present,
		onAspect:   cfg.OnAspect,
		clockRate:  1.0,
		currentPTS: -1,
	}
}

// Push inserts a decoded frame. A timestamp more than a second earlier
// than the last input is a discontinuity: the tile drops its backlog and
// re-enters initial fill. An aspect change triggers the rectangle
// recompute callback.
func (t *Tile) Push(f video.Frame) {
	t.mu.Lock()
	if t.haveInput && f.Timestamp() < t.lastInputPTS-tileDiscontinuityUS {
		t.log.Info("tile discontinuity", "from", t.lastInputPTS, "to", f.Timestamp())
		t.store.Clear()
		t.anchored = false
	}
	t.lastInputPTS = f.Timestamp()
	t.haveInput = true

	if w, h := f.Width(), f.Height(); w != t.width || h != t.height {
		t.width, t.height = w, h
		if t.onAspect != nil {
			t.onAspect(w, h)
		}
	}
	t.mu.Unlock()

	t.store.Insert(f)
}

// tick runs one controller cycle for the tile.
func (t *Tile) tick(now time.Time) TileStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	qlen := t.store.Len()

	if !t.anchored {
		// Initial fill: do not present until the queue reaches target
		// depth; a GOP burst past 3× target anchors at the tail instead
		// of replaying the backlog.
		if qlen < tileTargetDepth {
			return t.statsLocked(false, true)
		}
		base := t.store.PeekFirst().Timestamp()
		if qlen > tileTargetDepth*tileOvershootRatio {
			base = t.store.PeekLast().Timestamp()
		}
		t.anchored = true
		t.base = base
		t.anchorAt = now
		t.clockRate = 1.0
	}

	err := qlen - tileTargetDepth
	rate := 1.0
	if err > tileDeadZone || err < -tileDeadZone {
		skew := float64(err) * tileGainPerFrame
		if skew > tileMaxRateSkew {
			skew = tileMaxRateSkew
		}
		if skew < -tileMaxRateSkew {
			skew = -tileMaxRateSkew
		}
		rate = 1.0 + skew
	}
	t.clockRate = rate

	target := t.base + int64(float64(now.Sub(t.anchorAt).Microseconds())*rate)

	presented := false
	if res := t.store.TakeByTimestamp(target); res.Frame != nil {
		if t.current != nil {
			t.current.Close()
		}
		t.current = res.Frame
		t.currentPTS = res.Frame.Timestamp()
		if t.present != nil {
			t.present(res.Frame)
		}
		presented = true
	}

	return t.statsLocked(presented, false)
}

func (t *Tile) statsLocked(presented, filling bool) TileStats {
	st := t.store.Stats()
	return TileStats{
		Name:           t.name,
		VideoPTS:       t.currentPTS,
		QueueLen:       st.Len,
		ClockRate:      t.clockRate,
		TotalDiscarded: st.TotalDiscarded,
		Filling:        filling,
		Presented:      presented,
	}
}

// ClockRate returns the controller's current rate.
func (t *Tile) ClockRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clockRate
}

// close releases the tile's frames.
func (t *Tile) close() {
	t.mu.Lock()
	if t.current != nil {
		t.current.Close()
		t.current = nil
	}
	t.mu.Unlock()
	t.store.Clear()
}

// TileSetStats aggregates tile health for one tick.
type TileSetStats struct {
	Tiles          []TileStats
	TotalDiscarded int64
}

// TileSet manages the tile registry and drives every tile from one
// presentation tick.
type TileSet struct {
	log *slog.Logger
	now func() time.Time

	mu    sync.RWMutex
	tiles map[string]*Tile
	order []string
}

// NewTileSet creates an empty tile set. If log is nil, slog.Default() is
// used; now defaults to time.Now.
func NewTileSet(log *slog.Logger, now func() time.Time) *TileSet {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TileSet{
		log:   log.With("component", "tile-set"),
		now:   now,
		tiles: make(map[string]*Tile),
	}
}

// Add registers a new tile. Returns the tile and true if created, or nil
// and false if a tile with this name already exists.
func (ts *TileSet) Add(cfg TileConfig) (*Tile, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.tiles[cfg.Name]; ok {
		ts.log.Warn("tile already exists, rejecting duplicate", "name", cfg.Name)
		return nil, false
	}

	t := newTile(cfg)
	ts.tiles[cfg.Name] = t
	ts.order = append(ts.order, cfg.Name)
	ts.log.Info("tile added", "name", cfg.Name)
	return t, true
}

// Remove releases a tile and drops it from the registry.
func (ts *TileSet) Remove(name string) {
	ts.mu.Lock()
	t, ok := ts.tiles[name]
	if ok {
		delete(ts.tiles, name)
		for i, n := range ts.order {
			if n == name {
				ts.order = append(ts.order[:i], ts.order[i+1:]...)
				break
			}
		}
	}
	ts.mu.Unlock()

	if ok {
		t.close()
		ts.log.Info("tile removed", "name", name)
	}
}

// Get returns a tile by name, nil if absent.
func (ts *TileSet) Get(name string) *Tile {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tiles[name]
}

// Len returns the number of tiles.
func (ts *TileSet) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tiles)
}

// Tick drives every tile once and aggregates eviction counters for
// health reporting.
func (ts *TileSet) Tick() TileSetStats {
	now := ts.now()

	ts.mu.RLock()
	tiles := make([]*Tile, 0, len(ts.order))
	for _, name := range ts.order {
		tiles = append(tiles, ts.tiles[name])
	}
	ts.mu.RUnlock()

	var out TileSetStats
	for _, t := range tiles {
		st := t.tick(now)
		out.Tiles = append(out.Tiles, st)
		out.TotalDiscarded += st.TotalDiscarded
	}
	return out
}

// Close releases every tile.
func (ts *TileSet) Close() {
	ts.mu.Lock()
	tiles := ts.tiles
	ts.tiles = make(map[string]*Tile)
	ts.order = nil
	ts.mu.Unlock()

	for _, t := range tiles {
		t.close()
	}
}
