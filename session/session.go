package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/glass/media"
	"github.com/zsiec/glass/moq"
	"github.com/zsiec/glass/stats"
	"github.com/zsiec/glass/transport"
)

// Subscriber priorities requested in SUBSCRIBE messages. Lower values
// indicate higher priority: video must win under congestion, the catalog
// is a one-shot object that can wait.
const (
	PriorityVideo   byte = 0
	PriorityAudio   byte = 64
	PriorityOther   byte = 128
	PriorityCatalog byte = 192
)

// advertisedMaxRequestID is the request-id quota the client offers the
// server in CLIENT_SETUP. The server's echoed ceiling is authoritative.
const advertisedMaxRequestID = 100

// Alias-wait parameters: how long an incoming data stream polls the alias
// table before it is discarded. Covers the keyframe-before-SUBSCRIBE_OK race.
const (
	defaultAliasWaitTimeout  = 500 * time.Millisecond
	defaultAliasPollInterval = 5 * time.Millisecond
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateCatalogWait
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateCatalogWait:
		return "catalog-wait"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SubState is the lifecycle state of one subscription.
type SubState int

const (
	SubPending SubState = iota
	SubActive
	SubClosed
)

// Subscription is the bookkeeping record for one track subscription.
type Subscription struct {
	RequestID  uint64
	TrackAlias uint64
	TrackName  string
	State      SubState
}

// Callbacks is the narrow sink surface the session drives. Nil members
// are skipped. Media callbacks run on the data-reader goroutine of their
// stream; OnClose fires exactly once.
type Callbacks struct {
	OnTrackInfo    func(tracks []media.Track)
	OnVideoFrame   func(obj media.Object)
	OnAudioFrame   func(obj media.Object, trackIndex int)
	OnCaptionFrame func(frame *ccx.CaptionFrame)
	OnServerStats  func(msg *stats.Message)
	OnClose        func(reason error)
}

// Config holds the parameters for connecting a session.
type Config struct {
	// App is the first element of the subscribe namespace tuple. Defaults
	// to "glass".
	App string

	// StreamKey selects the stream; it is also sent as the PATH setup
	// parameter when dialing native QUIC.
	StreamKey string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// AliasWaitTimeout and AliasPollInterval tune the data-stream alias
	// wait. Zero values select the defaults (500ms / 5ms).
	AliasWaitTimeout  time.Duration
	AliasPollInterval time.Duration
}

// Stats are the session's local health counters.
type Stats struct {
	DiscardedStreams  int64
	MalformedStats    int64
	MalformedCaptions int64
}

// Session is a MoQ subscriber connection. All subscription state is owned
// by the session and guarded by a single mutex; the reader tasks and the
// public operations are the only accessors.
type Session struct {
	log  *slog.Logger
	cfg  Config
	ts   transport.Session
	ctrl transport.Stream
	cb   Callbacks

	ctrlReader *moq.StreamReader
	ctrlMu     sync.Mutex // serializes control-stream writes

	state atomic.Int32

	mu            sync.Mutex
	nextRequestID uint64
	serverMaxID   uint64
	pending       map[uint64]*pendingSubscribe
	byAlias       map[uint64]*Subscription
	byName        map[string]*Subscription
	tracks        []media.Track

	discardedStreams  atomic.Int64
	malformedStats    atomic.Int64
	malformedCaptions atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

type pendingSubscribe struct {
	requestID uint64
	trackName string
	done      chan subscribeResult
}

type subscribeResult struct {
	ok  moq.SubscribeOK
	err error
}

// Connect performs the setup handshake over ts, starts the reader tasks,
// and issues the catalog subscribe. It returns once the handshake is
// complete; the catalog arrives asynchronously via OnTrackInfo.
func Connect(ctx context.Context, ts transport.Session, cfg Config, cb Callbacks) (*Session, error) {
	if cfg.App == "" {
		cfg.App = "glass"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AliasWaitTimeout == 0 {
		cfg.AliasWaitTimeout = defaultAliasWaitTimeout
	}
	if cfg.AliasPollInterval == 0 {
		cfg.AliasPollInterval = defaultAliasPollInterval
	}

	s := &Session{
		log:     cfg.Logger.With("component", "session", "stream", cfg.StreamKey),
		cfg:     cfg,
		ts:      ts,
		cb:      cb,
		pending: make(map[uint64]*pendingSubscribe),
		byAlias: make(map[uint64]*Subscription),
		byName:  make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	ctrl, err := ts.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	s.ctrl = ctrl
	s.ctrlReader = moq.NewStreamReader(ctrl)

	if err := s.handshake(); err != nil {
		_ = ts.CloseWithError(0, "setup failed")
		return nil, err
	}
	s.state.Store(int32(StateHandshaking))

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// The accept loop MUST run before any subscribe is issued: a keyframe
	// can land on a data stream before its SUBSCRIBE_OK is processed.
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.controlLoop(runCtx) })
	g.Go(func() error { return s.acceptLoop(runCtx) })
	go func() {
		err := g.Wait()
		s.closeWith(err)
	}()

	s.state.Store(int32(StateCatalogWait))
	if _, err := s.Subscribe(ctx, "catalog", PriorityCatalog); err != nil {
		s.closeWith(err)
		return nil, err
	}

	return s, nil
}

// handshake sends CLIENT_SETUP and consumes SERVER_SETUP plus the initial
// MAX_REQUEST_ID the server issues immediately after it.
func (s *Session) handshake() error {
	cs := moq.ClientSetup{
		Versions:     []uint64{moq.Version},
		Path:         s.cfg.StreamKey,
		HasPath:      s.cfg.StreamKey != "",
		MaxRequestID: advertisedMaxRequestID,
	}
	if err := s.writeControl(moq.MsgClientSetup, moq.SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(s.ctrlReader)
	if err != nil {
		return fmt.Errorf("%w: read SERVER_SETUP: %v", ErrTransportClosed, err)
	}
	if msgType != moq.MsgServerSetup {
		return fmt.Errorf("%w: expected SERVER_SETUP (0x%x), got 0x%x", ErrProtocol, moq.MsgServerSetup, msgType)
	}

	ss, err := moq.ParseServerSetup(payload)
	if err != nil {
		return fmt.Errorf("%w: parse SERVER_SETUP: %v", ErrProtocol, err)
	}
	if ss.SelectedVersion != moq.Version {
		return fmt.Errorf("%w: server selected 0x%x", moq.ErrVersionMismatch, ss.SelectedVersion)
	}
	s.mu.Lock()
	s.serverMaxID = ss.MaxRequestID
	s.mu.Unlock()

	msgType, payload, err = moq.ReadControlMsg(s.ctrlReader)
	if err != nil {
		return fmt.Errorf("%w: read MAX_REQUEST_ID: %v", ErrTransportClosed, err)
	}
	if msgType != moq.MsgMaxRequestID {
		return fmt.Errorf("%w: expected MAX_REQUEST_ID (0x%x), got 0x%x", ErrProtocol, moq.MsgMaxRequestID, msgType)
	}
	m, err := moq.ParseMaxRequestID(payload)
	if err != nil {
		return fmt.Errorf("%w: parse MAX_REQUEST_ID: %v", ErrProtocol, err)
	}
	s.mu.Lock()
	if m.RequestID > s.serverMaxID {
		s.serverMaxID = m.RequestID
	}
	s.mu.Unlock()

	return nil
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Tracks returns the catalog track list, nil before the catalog arrives.
func (s *Session) Tracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// Stats returns the session's local health counters.
func (s *Session) Stats() Stats {
	return Stats{
		DiscardedStreams:  s.discardedStreams.Load(),
		MalformedStats:    s.malformedStats.Load(),
		MalformedCaptions: s.malformedCaptions.Load(),
	}
}

// Subscribe requests delivery of trackName with the NextGroupStart filter
// and blocks until SUBSCRIBE_OK or SUBSCRIBE_ERROR. Exactly one request id
// is allocated per call; ErrRequestIDExhausted is returned without wire
// traffic when the server's ceiling would be exceeded.
func (s *Session) Subscribe(ctx context.Context, trackName string, priority byte) (uint64, error) {
	if s.State() == StateClosed {
		return 0, ErrClosed
	}

	s.mu.Lock()
	if s.nextRequestID >= s.serverMaxID {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w (next %d, max %d)", ErrRequestIDExhausted, s.nextRequestID, s.serverMaxID)
	}
	reqID := s.nextRequestID
	s.nextRequestID++
	p := &pendingSubscribe{
		requestID: reqID,
		trackName: trackName,
		done:      make(chan subscribeResult, 1),
	}
	s.pending[reqID] = p
	s.mu.Unlock()

	sub := moq.Subscribe{
		RequestID:  reqID,
		Namespace:  []string{s.cfg.App, s.cfg.StreamKey},
		TrackName:  trackName,
		Priority:   priority,
		GroupOrder: moq.GroupOrderAscending,
		Forward:    1,
		FilterType: moq.FilterNextGroupStart,
	}
	if err := s.writeControl(moq.MsgSubscribe, moq.SerializeSubscribe(sub)); err != nil {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return 0, fmt.Errorf("write SUBSCRIBE: %w", err)
	}

	select {
	case res := <-p.done:
		if res.err != nil {
			return 0, res.err
		}
		return res.ok.TrackAlias, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return 0, ctx.Err()
	case <-s.done:
		return 0, s.closeReason()
	}
}

// Unsubscribe cancels the subscription for trackName and removes it from
// both indices. A no-op for unknown tracks.
func (s *Session) Unsubscribe(trackName string) error {
	s.mu.Lock()
	sub, ok := s.byName[trackName]
	if ok {
		sub.State = SubClosed
		delete(s.byName, trackName)
		delete(s.byAlias, sub.TrackAlias)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.writeControl(moq.MsgUnsubscribe, moq.SerializeUnsubscribe(moq.Unsubscribe{RequestID: sub.RequestID})); err != nil {
		return fmt.Errorf("write UNSUBSCRIBE: %w", err)
	}
	s.log.Debug("track unsubscribed", "track", trackName, "requestID", sub.RequestID)
	return nil
}

// SubscribeAudio reconciles the set of subscribed audio tracks with want
// (zero-based indices): tracks not in want are unsubscribed, missing ones
// subscribed. Idempotent — a repeated call produces no wire traffic.
func (s *Session) SubscribeAudio(ctx context.Context, want []int) error {
	wanted := make(map[int]bool, len(want))
	for _, idx := range want {
		wanted[idx] = true
	}

	s.mu.Lock()
	current := make(map[int]string)
	for name := range s.byName {
		if idx, ok := audioTrackIndex(name); ok {
			current[idx] = name
		}
	}
	s.mu.Unlock()

	for idx, name := range current {
		if !wanted[idx] {
			if err := s.Unsubscribe(name); err != nil {
				return err
			}
		}
	}

	// Deterministic subscribe order keeps request-id allocation stable.
	missing := make([]int, 0, len(wanted))
	for idx := range wanted {
		if _, ok := current[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	sort.Ints(missing)
	for _, idx := range missing {
		if _, err := s.Subscribe(ctx, "audio"+strconv.Itoa(idx), PriorityAudio); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down the session. Pending subscribes fail with ErrClosed.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

// controlLoop reads and dispatches control messages from the server.
func (s *Session) controlLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgType, payload, err := moq.ReadControlMsg(s.ctrlReader)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		switch msgType {
		case moq.MsgSubscribeOK:
			sok, err := moq.ParseSubscribeOK(payload)
			if err != nil {
				return fmt.Errorf("%w: bad SUBSCRIBE_OK: %v", ErrProtocol, err)
			}
			s.handleSubscribeOK(sok)

		case moq.MsgSubscribeError:
			se, err := moq.ParseSubscribeError(payload)
			if err != nil {
				return fmt.Errorf("%w: bad SUBSCRIBE_ERROR: %v", ErrProtocol, err)
			}
			s.handleSubscribeError(se)

		case moq.MsgMaxRequestID:
			m, err := moq.ParseMaxRequestID(payload)
			if err != nil {
				return fmt.Errorf("%w: bad MAX_REQUEST_ID: %v", ErrProtocol, err)
			}
			s.mu.Lock()
			if m.RequestID > s.serverMaxID {
				s.serverMaxID = m.RequestID
			}
			s.mu.Unlock()

		case moq.MsgGoAway:
			s.log.Info("server sent goaway")
			return ErrGoAway

		default:
			s.log.Debug("unknown control message", "type", msgType)
		}
	}
}

// handleSubscribeOK resolves the pending record and registers the alias.
func (s *Session) handleSubscribeOK(sok moq.SubscribeOK) {
	s.mu.Lock()
	p, ok := s.pending[sok.RequestID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("SUBSCRIBE_OK for unknown request", "requestID", sok.RequestID)
		return
	}
	delete(s.pending, sok.RequestID)

	sub := &Subscription{
		RequestID:  sok.RequestID,
		TrackAlias: sok.TrackAlias,
		TrackName:  p.trackName,
		State:      SubActive,
	}
	s.byAlias[sok.TrackAlias] = sub
	s.byName[p.trackName] = sub
	s.mu.Unlock()

	s.log.Debug("track subscribed",
		"track", p.trackName,
		"alias", sok.TrackAlias,
		"requestID", sok.RequestID)
	p.done <- subscribeResult{ok: sok}
}

// handleSubscribeError resolves the pending record with the failure.
func (s *Session) handleSubscribeError(se moq.SubscribeError) {
	s.mu.Lock()
	p, ok := s.pending[se.RequestID]
	if ok {
		delete(s.pending, se.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn("SUBSCRIBE_ERROR for unknown request", "requestID", se.RequestID)
		return
	}
	p.done <- subscribeResult{err: &SubscribeFailedError{Code: se.ErrorCode, Reason: se.ReasonPhrase}}
}

// writeControl writes one control message under the control-stream mutex.
func (s *Session) writeControl(msgType uint64, payload []byte) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return moq.WriteControlMsg(s.ctrl, msgType, payload)
}

// closeWith performs the single close edge: fail pending subscribes, drop
// the transport, notify the owner.
func (s *Session) closeWith(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		s.closeErr = reason
		s.state.Store(int32(StateClosed))
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		for id, p := range s.pending {
			delete(s.pending, id)
			p.done <- subscribeResult{err: reason}
		}
		s.mu.Unlock()

		_ = s.ts.CloseWithError(0, reason.Error())
		close(s.done)

		s.log.Info("session closed", "reason", reason)
		if s.cb.OnClose != nil {
			s.cb.OnClose(reason)
		}
	})
}

func (s *Session) closeReason() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return ErrClosed
	}
}

// audioTrackIndex parses "audio<N>" names; ok is false for other tracks.
func audioTrackIndex(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, "audio")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
