package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/glass/caption"
	"github.com/zsiec/glass/media"
	"github.com/zsiec/glass/moq"
	"github.com/zsiec/glass/stats"
	"github.com/zsiec/glass/transport"
)

// errCodeUnknownAlias is the application code used when discarding a data
// stream whose track alias never resolved.
const errCodeUnknownAlias transport.SessionErrorCode = 1

// acceptLoop accepts every incoming unidirectional stream and hands it to
// a per-stream reader. The catalog object and all media subgroups arrive
// through here.
func (s *Session) acceptLoop(ctx context.Context) error {
	for {
		rs, err := s.ts.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		go s.readDataStream(ctx, rs)
	}
}

// readDataStream drains one unidirectional stream: subgroup header, alias
// resolution, then the object loop. Wire-level malformed input closes the
// session (fail fast); an unresolvable alias only discards the stream.
func (s *Session) readDataStream(ctx context.Context, rs transport.ReceiveStream) {
	sr := moq.NewStreamReader(rs)

	hdr, err := moq.ReadSubgroupHeader(sr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.closeWith(fmt.Errorf("%w: bad subgroup header: %v", ErrProtocol, err))
		return
	}

	sub := s.waitAlias(ctx, hdr.TrackAlias)
	if sub == nil {
		s.log.Debug("discarding stream for unknown alias", "alias", hdr.TrackAlias)
		rs.CancelRead(errCodeUnknownAlias)
		s.discardedStreams.Add(1)
		return
	}

	if sub.TrackName == "catalog" {
		s.readCatalogStream(sr)
		return
	}

	for {
		obj, err := moq.ReadObject(sr)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.closeWith(fmt.Errorf("%w: bad object on %s: %v", ErrProtocol, sub.TrackName, err))
			return
		}
		s.dispatchObject(sub, hdr, obj)
	}
}

// readCatalogStream reads the single catalog object and emits the track
// list. The session is Active once the catalog is decoded.
func (s *Session) readCatalogStream(sr *moq.StreamReader) {
	obj, err := moq.ReadObject(sr)
	if err != nil {
		s.closeWith(fmt.Errorf("%w: bad catalog object: %v", ErrProtocol, err))
		return
	}

	tracks, err := parseCatalog(obj.Payload)
	if err != nil {
		s.closeWith(fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}

	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()
	s.state.Store(int32(StateActive))

	s.log.Info("catalog received", "tracks", len(tracks))
	if s.cb.OnTrackInfo != nil {
		s.cb.OnTrackInfo(tracks)
	}
}

// dispatchObject routes one media object to the appropriate sink by the
// subscription's track name.
func (s *Session) dispatchObject(sub *Subscription, hdr moq.SubgroupHeader, obj moq.Object) {
	mo := media.Object{
		TrackAlias:  hdr.TrackAlias,
		GroupID:     hdr.GroupID,
		ObjectID:    obj.ObjectID,
		Timestamp:   obj.Ext.CaptureTimestamp,
		IsKeyframe:  obj.Ext.IsKeyframe,
		CodecConfig: obj.Ext.CodecConfig,
		Payload:     obj.Payload,
	}

	switch {
	case sub.TrackName == "video":
		if s.cb.OnVideoFrame != nil {
			s.cb.OnVideoFrame(mo)
		}

	case sub.TrackName == "captions":
		p, err := caption.Parse(mo.Payload)
		if err != nil {
			s.malformedCaptions.Add(1)
			return
		}
		if s.cb.OnCaptionFrame != nil {
			s.cb.OnCaptionFrame(p.Frame(mo.Timestamp))
		}

	case sub.TrackName == "stats":
		msg, err := stats.ParseMessage(mo.Payload)
		if err != nil {
			s.malformedStats.Add(1)
			return
		}
		if s.cb.OnServerStats != nil {
			s.cb.OnServerStats(msg)
		}

	default:
		if idx, ok := audioTrackIndex(sub.TrackName); ok {
			if s.cb.OnAudioFrame != nil {
				s.cb.OnAudioFrame(mo, idx)
			}
			return
		}
		s.log.Debug("object on unexpected track", "track", sub.TrackName)
	}
}

// waitAlias resolves a track alias against the subscription table, polling
// until the alias-wait timeout expires. Covers data streams that outrun
// their SUBSCRIBE_OK on the control stream.
func (s *Session) waitAlias(ctx context.Context, alias uint64) *Subscription {
	deadline := time.Now().Add(s.cfg.AliasWaitTimeout)
	for {
		s.mu.Lock()
		sub := s.byAlias[alias]
		s.mu.Unlock()
		if sub != nil {
			return sub
		}

		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.AliasPollInterval):
		}
	}
}
