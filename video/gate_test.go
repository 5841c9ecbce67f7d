package video

import (
	"errors"
	"testing"

	"github.com/zsiec/glass/media"
)

// stubDecoder records configuration and decode calls.
type stubDecoder struct {
	configs    []DecoderConfig
	chunks     []Chunk
	queued     int
	decodeErr  error
	resetErr   error
	resets     int
	closed     bool
	configErr  error
}

func (d *stubDecoder) Configure(cfg DecoderConfig) error {
	if d.configErr != nil {
		return d.configErr
	}
	d.configs = append(d.configs, cfg)
	return nil
}

func (d *stubDecoder) Decode(c Chunk) error {
	if d.decodeErr != nil {
		return d.decodeErr
	}
	d.chunks = append(d.chunks, c)
	return nil
}

func (d *stubDecoder) QueueSize() int { return d.queued }
func (d *stubDecoder) Reset() error   { d.resets++; return d.resetErr }
func (d *stubDecoder) Close()         { d.closed = true }

func keyObj(ts int64, config []byte) media.Object {
	return media.Object{Timestamp: ts, IsKeyframe: true, CodecConfig: config, Payload: []byte{0x65}}
}

func deltaObj(ts int64) media.Object {
	return media.Object{Timestamp: ts, Payload: []byte{0x41}}
}

func newTestGate(t *testing.T, dec *stubDecoder, track media.Track) *Gate {
	t.Helper()
	g, err := NewGate(GateConfig{Decoder: dec, Track: track})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestImmediateConfigureWithInitData(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{}
	track := media.Track{Kind: media.KindVideo, Codec: "avc1.64001f", Width: 1920, Height: 1080, InitData: []byte{1, 2, 3}}
	g := newTestGate(t, dec, track)

	if len(dec.configs) != 1 {
		t.Fatalf("configs = %d, want 1", len(dec.configs))
	}
	cfg := dec.configs[0]
	if cfg.Codec != "avc1.64001f" || string(cfg.Description) != "\x01\x02\x03" {
		t.Fatalf("config = %+v", cfg)
	}

	// Still keyframe-gated: deltas before the first key are dropped.
	g.Push(deltaObj(0))
	if len(dec.chunks) != 0 {
		t.Fatal("delta decoded before first keyframe")
	}
	g.Push(keyObj(33_333, nil))
	g.Push(deltaObj(66_666))
	if len(dec.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(dec.chunks))
	}
	if got := g.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestDeferredConfigure(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{}
	g := newTestGate(t, dec, media.Track{Kind: media.KindVideo})

	// Deltas before the config-carrying keyframe are silently dropped.
	g.Push(deltaObj(0))
	g.Push(deltaObj(33_333))
	if len(dec.configs) != 0 {
		t.Fatal("configured without codec config")
	}

	config := buildTestAVCConfig()
	g.Push(keyObj(66_666, config))
	if len(dec.configs) != 1 {
		t.Fatalf("configs = %d, want 1", len(dec.configs))
	}
	if string(dec.configs[0].Description) != string(config) {
		t.Fatal("description mismatch")
	}
	if dec.configs[0].Codec != "avc1.64001f" {
		t.Fatalf("codec = %q", dec.configs[0].Codec)
	}
	if len(dec.chunks) != 1 || !dec.chunks[0].Keyframe {
		t.Fatalf("chunks = %+v", dec.chunks)
	}

	// A second config-carrying keyframe must not configure again.
	g.Push(keyObj(100_000, config))
	if len(dec.configs) != 1 {
		t.Fatalf("configured %d times, want 1", len(dec.configs))
	}
}

func buildTestAVCConfig() []byte {
	sps := []byte{0x67, 0x64, 0x00, 0x1f, 0xac}
	pps := []byte{0x68, 0xee}
	buf := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)
	return buf
}

func TestBackpressureDropsAndRearms(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{}
	g := newTestGate(t, dec, media.Track{Kind: media.KindVideo, InitData: []byte{1}})

	g.Push(keyObj(0, nil))
	g.Push(deltaObj(33_333))

	// Decoder queue saturates: subsequent deltas drop and re-arm the gate.
	dec.queued = maxPendingChunks
	g.Push(deltaObj(66_666))
	g.Push(deltaObj(100_000))
	if len(dec.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(dec.chunks))
	}
	if !g.WaitingForKey() {
		t.Fatal("gate not re-armed after buffer-full drop")
	}
	if got := g.Stats().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	// The next keyframe resumes decoding.
	dec.queued = 0
	g.Push(keyObj(133_333, nil))
	if len(dec.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(dec.chunks))
	}
}

func TestPTSJumpCounter(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{}
	g := newTestGate(t, dec, media.Track{Kind: media.KindVideo, InitData: []byte{1}})

	g.Push(keyObj(0, nil))
	g.Push(deltaObj(33_333))
	g.Push(deltaObj(33_333 + 600_000)) // forward jump > 500ms
	g.Push(deltaObj(33_333))           // backward jump > 500ms

	if got := g.Stats().PTSJumps; got != 2 {
		t.Fatalf("pts jumps = %d, want 2", got)
	}
	// Diagnostic only: frames still decoded.
	if len(dec.chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(dec.chunks))
	}
}

func TestDecodeErrorResetsInPlace(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{}
	g := newTestGate(t, dec, media.Track{Kind: media.KindVideo, InitData: []byte{1}})
	g.Push(keyObj(0, nil))

	g.OnDecodeError(errors.New("bitstream error"))
	if dec.resets != 1 {
		t.Fatalf("resets = %d, want 1", dec.resets)
	}
	if dec.closed {
		t.Fatal("in-place reset tore down the decoder")
	}
	if !g.WaitingForKey() {
		t.Fatal("gate not re-armed after decoder error")
	}
	if got := g.Stats().DecoderErrors; got != 1 {
		t.Fatalf("decoder errors = %d, want 1", got)
	}

	// Deltas stay dropped until the next key.
	g.Push(deltaObj(33_333))
	g.Push(keyObj(66_666, nil))
	if len(dec.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(dec.chunks))
	}
}

func TestDecodeErrorRecreateFallback(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{resetErr: errors.New("reset unsupported")}
	replacement := &stubDecoder{}
	g, err := NewGate(GateConfig{
		Decoder:  dec,
		Track:    media.Track{Kind: media.KindVideo, InitData: []byte{1}},
		Recreate: func() (Decoder, error) { return replacement, nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	g.OnDecodeError(errors.New("hard failure"))
	if !dec.closed {
		t.Fatal("failed decoder not closed")
	}
	if len(replacement.configs) != 1 {
		t.Fatalf("replacement configs = %d, want 1", len(replacement.configs))
	}

	g.Push(keyObj(0, nil))
	if len(replacement.chunks) != 1 {
		t.Fatal("replacement decoder not receiving chunks")
	}
}

func TestSignalDiscontinuity(t *testing.T) {
	t.Parallel()
	dec := &stubDecoder{}
	g := newTestGate(t, dec, media.Track{Kind: media.KindVideo, InitData: []byte{1}})
	g.Push(keyObj(0, nil))

	g.SignalDiscontinuity()
	g.Push(deltaObj(33_333))
	if len(dec.chunks) != 1 {
		t.Fatal("delta decoded across discontinuity")
	}
	g.Push(keyObj(66_666, nil))
	if len(dec.chunks) != 2 {
		t.Fatal("keyframe did not clear the gate")
	}
}
