package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/junsooki/shar/internal/config"
	"github.com/junsooki/shar/internal/control"
	"github.com/junsooki/shar/internal/decoder"
	"github.com/junsooki/shar/internal/display"
	"github.com/junsooki/shar/internal/media"
	"github.com/junsooki/shar/internal/peer"
	"github.com/junsooki/shar/internal/protocol"
	"github.com/junsooki/shar/internal/transport"
)

func main() {
	cfg, err := config.ParseViewerFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := config.NewLogger(os.Stderr, cfg.Logging.Level)

	log.Info("shar viewer starting",
		"transport", cfg.Transport,
		"addr", cfg.Addr,
		"stream", cfg.StreamID,
	)

	var disp display.Display
	if cfg.Headless {
		disp = display.NewHeadless()
	} else {
		disp = display.NewEbitenDisplay("shar - " + cfg.StreamID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		err := watch(ctx, cfg, disp, log)
		disp.Close()
		done <- err
	}()

	// Ebitengine RunGame must be on the main goroutine (macOS requirement).
	if err := disp.Run(); err != nil {
		log.Error("display", "err", err)
	}
	stop()
	if err := <-done; err != nil {
		log.Error("viewer stopped", "err", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context, cfg *config.ViewerConfig) (transport.Conn, error) {
	switch cfg.Transport {
	case "ws":
		return transport.DialWebSocket(ctx, cfg.Addr)
	case "webrtc":
		offerURL := strings.TrimSuffix(cfg.Addr, "/") + "/api/v1/offer"
		return peer.Dial(ctx, peer.Config{ICEServers: cfg.ICEServers}, peer.HTTPSignal(offerURL))
	default:
		return transport.Dial(ctx, cfg.Addr)
	}
}

// watch joins the stream and feeds decoded frames to disp until ctx is
// done or the host goes away.
func watch(ctx context.Context, cfg *config.ViewerConfig, disp display.Display, log *slog.Logger) error {
	jctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := dial(jctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	dec := decoder.NewJPEGDecoder()
	var decoded uint64
	client := control.NewClient(conn, cfg.Heartbeat, control.Handler{
		OnPacket: func(p *media.Packet) {
			img, err := dec.Decode(p)
			if errors.Is(err, decoder.ErrMissingKeyframe) {
				disp.SetStatus("waiting for keyframe")
				return
			}
			if err != nil {
				log.Warn("decode", "seq", p.Seq, "err", err)
				return
			}
			decoded++
			if decoded == 1 {
				log.Info("first frame", "seq", p.Seq, "size", fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()))
			}
			disp.SetStatus("")
			disp.SetFrame(img)
		},
		OnStatus: func(state, msg string) {
			if state == protocol.StateDown {
				disp.SetStatus("host capture down: " + msg)
			}
		},
		OnHeartbeatAck: func(rtt time.Duration) {
			log.Debug("heartbeat", "rtt", rtt)
		},
		OnError: func(msg string) {
			disp.SetStatus("host error: " + msg)
		},
	})
	defer client.Close()

	if _, err := client.Join(jctx, cfg.StreamID, cfg.Quality); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(context.Background())
	}()

	select {
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	lctx, lcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer lcancel()
	if err := client.Leave(lctx); err != nil {
		log.Debug("leave", "err", err)
		return nil
	}
	select {
	case <-runErr:
	case <-lctx.Done():
	}
	log.Info("left stream", "frames", decoded)
	return nil
}
