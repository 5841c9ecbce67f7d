package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/ccx"
	"github.com/zsiec/glass/certs"
	"github.com/zsiec/glass/player"
	"github.com/zsiec/glass/stats"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := envOr("ADDR", "localhost:4443")
	streamKey := os.Getenv("STREAM")
	if streamKey == "" {
		slog.Error("STREAM is required")
		os.Exit(1)
	}
	app := envOr("APP", "glass")

	tlsConf := &tls.Config{}
	if hash := os.Getenv("CERT_HASH"); hash != "" {
		fp, err := certs.ParseFingerprint(hash)
		if err != nil {
			slog.Error("bad CERT_HASH", "error", err)
			os.Exit(1)
		}
		tlsConf = certs.Pin(fp)
	} else {
		// SECURITY: without a pinned fingerprint the origin certificate is
		// not verified. This is intentional for development against
		// self-signed local origins; production use should set CERT_HASH.
		tlsConf.InsecureSkipVerify = true
		slog.Warn("CERT_HASH not set, skipping certificate verification")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("glass starting",
		"version", version,
		"addr", addr,
		"stream", streamKey,
	)

	p, err := player.New(player.Config{
		Addr:      addr,
		StreamKey: streamKey,
		App:       app,
		TLS:       tlsConf,
		OnStatus: func(s player.Status) {
			slog.Info("connection status", "status", s)
		},
		OnCaption: func(f *ccx.CaptionFrame) {
			slog.Info("caption", "channel", f.Channel, "text", f.Text)
		},
		OnServerStats: func(m *stats.Message) {
			slog.Debug("server stats",
				"uptimeMs", m.Stats.UptimeMs,
				"protocol", m.Stats.Protocol,
				"viewers", m.Stats.ViewerCount,
				"videoKbps", m.Stats.Video.BitrateKbps,
			)
		},
	})
	if err != nil {
		slog.Error("failed to create player", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				ps := p.Stats()
				slog.Info("player health",
					"status", p.Status(),
					"queue", ps.QueueLen,
					"discarded", ps.FramesDiscarded,
					"dropped", ps.FramesDropped,
					"silenceUs", ps.InsertedSilenceUS,
					"malformedStats", ps.MalformedStats,
				)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("player exited", "error", err)
		os.Exit(1)
	}
	slog.Info("goodbye")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
