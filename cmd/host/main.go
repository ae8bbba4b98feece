package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/junsooki/shar/internal/api"
	"github.com/junsooki/shar/internal/capture"
	"github.com/junsooki/shar/internal/config"
	"github.com/junsooki/shar/internal/control"
	"github.com/junsooki/shar/internal/encoder"
	"github.com/junsooki/shar/internal/events"
	"github.com/junsooki/shar/internal/media"
	"github.com/junsooki/shar/internal/mux"
	"github.com/junsooki/shar/internal/nat"
	"github.com/junsooki/shar/internal/peer"
	"github.com/junsooki/shar/internal/permissions"
	"github.com/junsooki/shar/internal/pipeline"
	"github.com/junsooki/shar/internal/session"
	"github.com/junsooki/shar/internal/transport"
)

func main() {
	cfg, err := config.ParseHostFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := config.NewLogger(os.Stderr, cfg.Logging.Level)

	log.Info("shar host starting",
		"host", cfg.HostID,
		"stream", cfg.StreamID,
		"listen", cfg.Listen,
		"http", cfg.HTTP,
		"source", cfg.Capture.Source,
		"display", cfg.Capture.Display,
		"fps", cfg.Capture.FPS,
		"quality", cfg.Encoder.Quality,
	)

	if cfg.Capture.Source == "display" && !permissions.HasScreenRecording() {
		log.Warn("Screen Recording permission not granted. Requesting...")
		permissions.RequestScreenRecording()
		log.Error("Please grant Screen Recording permission in System Settings and restart.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("host stopped", "err", err)
		os.Exit(1)
	}
	log.Info("host stopped")
}

func run(ctx context.Context, cfg *config.HostConfig, log *slog.Logger) error {
	emitter := events.Multi{events.NewLogEmitter(log)}
	if cfg.MQTT.Broker != "" {
		mq := events.NewMQTTEmitter(events.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic + "/" + cfg.HostID,
			ClientID: cfg.MQTT.ClientID,
		})
		if err := mq.Connect(ctx); err != nil {
			log.Warn("MQTT unavailable, events go to the log only", "err", err)
		} else {
			defer mq.Close()
			emitter = append(emitter, mq)
		}
	}

	reg := session.NewRegistry(cfg.Session.MaxSessions, emitter)
	m := mux.New(mux.Config{
		RingSize:        cfg.Mux.RingSize,
		MaxQueuePackets: cfg.Mux.MaxQueuePackets,
		MaxQueueBytes:   cfg.Mux.MaxQueueBytes,
		WriteTimeout:    cfg.Mux.WriteTimeout,
	}, reg, nil)
	pipe := pipeline.New(pipeline.Config{
		Quality:      cfg.Encoder.Quality,
		RestartDelay: cfg.Pipeline.RestartDelay,
		MaxRestarts:  cfg.Pipeline.MaxRestarts,
	}, sourceFactory(cfg), encoderFactory(cfg), m, reg, emitter)
	m.SetKeyframeRequester(pipe)

	ctrl := control.NewServer(control.ServerConfig{
		StreamID:     cfg.StreamID,
		JoinTimeout:  cfg.Session.JoinTimeout,
		WriteTimeout: cfg.Mux.WriteTimeout,
		JoinRate:     cfg.Session.JoinRate,
		JoinBurst:    cfg.Session.JoinBurst,
	}, reg, m, pipe.Quality)

	ln, err := transport.Listen(cfg.Listen)
	if err != nil {
		return err
	}
	advertise := ln.Addr().String()
	if cfg.NAT.Enabled {
		advertise = nat.Advertise(ctx, cfg.NAT.STUNServer, ln.Addr(), cfg.NAT.Timeout)
	}
	log.Info("host ready", "tcp", advertise, "stream", cfg.StreamID)

	// The pipeline outlives the sessions so shutdown stops viewers first,
	// then capture, then the encoder.
	pctx, pcancel := context.WithCancel(context.Background())
	defer pcancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipe.Run(pctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		m.Close()
		reg.RemoveAll(session.ReasonShutdown)
		m.Wait()
		pcancel()
		return nil
	})
	g.Go(func() error {
		return ln.Serve(gctx, ctrl.Serve)
	})
	g.Go(func() error {
		reg.Reap(gctx, cfg.Session.HeartbeatTimeout)
		return nil
	})
	if cfg.HTTP != "" {
		var answerer api.Answerer
		if cfg.WebRTC.Enabled {
			answerer = peer.NewAnswerer(peer.Config{ICEServers: cfg.WebRTC.ICEServers}, ctrl.Serve)
		}
		srv := api.NewServer(cfg.HTTP, api.Deps{
			HostID:    cfg.HostID,
			StreamID:  cfg.StreamID,
			Advertise: advertise,
			Registry:  reg,
			Mux:       m,
			Pipeline:  pipe,
			Answerer:  answerer,
			Stream:    ctrl.Serve,
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}

func sourceFactory(cfg *config.HostConfig) pipeline.SourceFactory {
	return func() (capture.Source, error) {
		if cfg.Capture.Source == "pattern" {
			src, err := capture.NewPatternSource(cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS)
			if err != nil {
				return nil, err
			}
			return src, nil
		}
		return capture.NewDisplaySource(cfg.Capture.Display, cfg.Capture.FPS)
	}
}

func encoderFactory(cfg *config.HostConfig) pipeline.EncoderFactory {
	return func(seq *media.Sequence, quality int) encoder.Encoder {
		return encoder.NewJPEGEncoder(seq, encoder.Options{
			Quality:          quality,
			KeyframeInterval: cfg.Encoder.KeyframeInterval,
			TileSize:         cfg.Encoder.TileSize,
		})
	}
}
