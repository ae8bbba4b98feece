package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// HostConfig holds all runtime configuration of the host.
type HostConfig struct {
	ConfigFile string `yaml:"-"`

	HostID   string `yaml:"host_id"`
	StreamID string `yaml:"stream_id"`
	Listen   string `yaml:"listen"`
	HTTP     string `yaml:"http"`

	Capture  CaptureConfig  `yaml:"capture"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Mux      MuxConfig      `yaml:"mux"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	NAT      NATConfig      `yaml:"nat"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type CaptureConfig struct {
	Source  string `yaml:"source"` // "display" or "pattern"
	Display int    `yaml:"display"`
	FPS     int    `yaml:"fps"`
	Width   int    `yaml:"width"`  // pattern source only
	Height  int    `yaml:"height"` // pattern source only
}

type EncoderConfig struct {
	Quality          int `yaml:"quality"`
	KeyframeInterval int `yaml:"keyframe_interval"` // frames
	TileSize         int `yaml:"tile_size"`
}

type MuxConfig struct {
	RingSize        int           `yaml:"ring_size"`
	MaxQueuePackets int           `yaml:"max_queue_packets"`
	MaxQueueBytes   int           `yaml:"max_queue_bytes"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	MaxSessions      int           `yaml:"max_sessions"`
	JoinRate         float64       `yaml:"join_rate"`
	JoinBurst        int           `yaml:"join_burst"`
}

type PipelineConfig struct {
	RestartDelay time.Duration `yaml:"restart_delay"`
	MaxRestarts  int           `yaml:"max_restarts"`
}

type NATConfig struct {
	Enabled    bool          `yaml:"enabled"`
	STUNServer string        `yaml:"stun_server"`
	Timeout    time.Duration `yaml:"timeout"`
}

type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ICEServers []string `yaml:"ice_servers"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables MQTT events
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultHostConfig returns default configuration values
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		StreamID: "main",
		Listen:   ":7300",
		HTTP:     ":7380",
		Capture: CaptureConfig{
			Source: "display",
			FPS:    30,
			Width:  1280,
			Height: 720,
		},
		Encoder: EncoderConfig{
			Quality:          70,
			KeyframeInterval: 60,
			TileSize:         64,
		},
		Mux: MuxConfig{
			RingSize:        256,
			MaxQueuePackets: 30,
			MaxQueueBytes:   8 << 20,
			WriteTimeout:    5 * time.Second,
		},
		Session: SessionConfig{
			HeartbeatTimeout: 15 * time.Second,
			JoinTimeout:      5 * time.Second,
			MaxSessions:      32,
			JoinRate:         5,
			JoinBurst:        10,
		},
		Pipeline: PipelineConfig{
			RestartDelay: 2 * time.Second,
			MaxRestarts:  5,
		},
		NAT: NATConfig{
			Enabled:    true,
			STUNServer: "stun.l.google.com:19302",
			Timeout:    3 * time.Second,
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		MQTT: MQTTConfig{
			Topic: "shar/events",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func bindHostFlags(fs *flag.FlagSet, cfg *HostConfig, ice *string) {
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")
	fs.StringVar(&cfg.HostID, "id", cfg.HostID, "Host ID (auto-generated if empty)")
	fs.StringVar(&cfg.StreamID, "stream", cfg.StreamID, "Stream ID viewers join")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "TCP stream listener address")
	fs.StringVar(&cfg.HTTP, "http", cfg.HTTP, "HTTP API address (empty disables)")
	fs.StringVar(&cfg.Capture.Source, "source", cfg.Capture.Source, "Capture source: display or pattern")
	fs.IntVar(&cfg.Capture.Display, "display", cfg.Capture.Display, "Display index to capture (0 = primary)")
	fs.IntVar(&cfg.Capture.FPS, "fps", cfg.Capture.FPS, "Target frames per second")
	fs.IntVar(&cfg.Encoder.Quality, "quality", cfg.Encoder.Quality, "JPEG quality (1-100)")
	fs.IntVar(&cfg.Encoder.KeyframeInterval, "keyframe-interval", cfg.Encoder.KeyframeInterval, "Frames between keyframes")
	fs.IntVar(&cfg.Mux.MaxQueuePackets, "max-queue", cfg.Mux.MaxQueuePackets, "Queued packets before a viewer is lagging")
	fs.DurationVar(&cfg.Mux.WriteTimeout, "write-timeout", cfg.Mux.WriteTimeout, "Write timeout before a viewer is dropped")
	fs.IntVar(&cfg.Session.MaxSessions, "max-sessions", cfg.Session.MaxSessions, "Maximum concurrent viewers (0 = unlimited)")
	fs.BoolVar(&cfg.NAT.Enabled, "nat", cfg.NAT.Enabled, "Discover the public address with STUN")
	fs.StringVar(&cfg.NAT.STUNServer, "stun", cfg.NAT.STUNServer, "STUN server host:port")
	fs.BoolVar(&cfg.WebRTC.Enabled, "webrtc", cfg.WebRTC.Enabled, "Accept WebRTC viewers")
	fs.StringVar(ice, "ice", strings.Join(cfg.WebRTC.ICEServers, ","), "Comma-separated ICE server URLs")
	fs.StringVar(&cfg.MQTT.Broker, "mqtt", cfg.MQTT.Broker, "MQTT broker for lifecycle events (empty disables)")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug, info, warn, error")
}

// ParseHostFlags parses flags for the host binary. Values from -config
// are applied first, explicit flags override them.
func ParseHostFlags(args []string) (*HostConfig, error) {
	parse := func(cfg *HostConfig) error {
		fs := flag.NewFlagSet("host", flag.ContinueOnError)
		var ice string
		bindHostFlags(fs, cfg, &ice)
		if err := fs.Parse(args); err != nil {
			return err
		}
		cfg.WebRTC.ICEServers = splitList(ice)
		return nil
	}

	cfg := DefaultHostConfig()
	if err := parse(cfg); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		file := cfg.ConfigFile
		cfg = DefaultHostConfig()
		if err := loadYAML(file, cfg); err != nil {
			return nil, err
		}
		if err := parse(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.HostID == "" {
		cfg.HostID = "host-" + uuid.NewString()[:8]
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "shar-" + cfg.HostID
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// KeyframePeriod is the time between periodic keyframes, or 0.
func (c *HostConfig) KeyframePeriod() time.Duration {
	if c.Encoder.KeyframeInterval <= 0 || c.Capture.FPS <= 0 {
		return 0
	}
	return time.Duration(c.Encoder.KeyframeInterval) * time.Second / time.Duration(c.Capture.FPS)
}

// validate checks if the configuration is valid
func (c *HostConfig) validate() error {
	var errs []error
	if c.StreamID == "" {
		errs = append(errs, errors.New("stream id must not be empty"))
	}
	if c.Capture.Source != "display" && c.Capture.Source != "pattern" {
		errs = append(errs, fmt.Errorf("invalid capture source: %s (must be 'display' or 'pattern')", c.Capture.Source))
	}
	if c.Capture.FPS < 1 || c.Capture.FPS > 120 {
		errs = append(errs, fmt.Errorf("invalid fps: %d (must be between 1-120)", c.Capture.FPS))
	}
	if c.Capture.Source == "pattern" && (c.Capture.Width <= 0 || c.Capture.Height <= 0) {
		errs = append(errs, fmt.Errorf("invalid pattern size: %dx%d", c.Capture.Width, c.Capture.Height))
	}
	if c.Encoder.Quality < 1 || c.Encoder.Quality > 100 {
		errs = append(errs, fmt.Errorf("invalid quality: %d (must be between 1-100)", c.Encoder.Quality))
	}
	if c.Encoder.KeyframeInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid keyframe interval: %d", c.Encoder.KeyframeInterval))
	}
	if c.Encoder.TileSize < 8 {
		errs = append(errs, fmt.Errorf("invalid tile size: %d (must be at least 8)", c.Encoder.TileSize))
	}
	if c.Mux.RingSize < 2 {
		errs = append(errs, fmt.Errorf("invalid ring size: %d", c.Mux.RingSize))
	}
	if c.Mux.MaxQueuePackets < 1 || c.Mux.MaxQueuePackets >= c.Mux.RingSize {
		errs = append(errs, fmt.Errorf("invalid max queue packets: %d (must be between 1 and ring size %d)", c.Mux.MaxQueuePackets, c.Mux.RingSize))
	}
	if c.Mux.MaxQueueBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid max queue bytes: %d", c.Mux.MaxQueueBytes))
	}
	if c.Mux.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid write timeout: %v", c.Mux.WriteTimeout))
	} else if p := c.KeyframePeriod(); p > 0 && c.Mux.WriteTimeout <= p {
		// A lagging viewer must see a keyframe before it is declared dead.
		errs = append(errs, fmt.Errorf("write timeout %v must exceed the keyframe period %v", c.Mux.WriteTimeout, p))
	}
	if c.Session.HeartbeatTimeout <= 0 || c.Session.JoinTimeout <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.Session.MaxSessions < 0 || c.Session.JoinRate < 0 {
		errs = append(errs, errors.New("session limits must not be negative"))
	}
	if c.Pipeline.RestartDelay <= 0 || c.Pipeline.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("invalid restart policy: delay %v max %d", c.Pipeline.RestartDelay, c.Pipeline.MaxRestarts))
	}
	if c.NAT.Enabled && c.NAT.STUNServer == "" {
		errs = append(errs, errors.New("nat enabled without a stun server"))
	}
	if err := validLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ViewerConfig holds configuration for the viewer binary.
type ViewerConfig struct {
	ConfigFile string `yaml:"-"`

	Transport  string        `yaml:"transport"` // tcp, ws or webrtc
	Addr       string        `yaml:"addr"`
	StreamID   string        `yaml:"stream_id"`
	Quality    int           `yaml:"quality"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
	Timeout    time.Duration `yaml:"timeout"`
	ICEServers []string      `yaml:"ice_servers"`
	Headless   bool          `yaml:"headless"`
	Logging    LoggingConfig `yaml:"logging"`
}

// DefaultViewerConfig returns default configuration values
func DefaultViewerConfig() *ViewerConfig {
	return &ViewerConfig{
		Transport:  "tcp",
		Addr:       "localhost:7300",
		StreamID:   "main",
		Heartbeat:  5 * time.Second,
		Timeout:    15 * time.Second,
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		Logging:    LoggingConfig{Level: "info"},
	}
}

func bindViewerFlags(fs *flag.FlagSet, cfg *ViewerConfig, ice *string) {
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: tcp, ws or webrtc")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Host address: host:port (tcp), ws:// URL (ws) or http:// API URL (webrtc)")
	fs.StringVar(&cfg.StreamID, "stream", cfg.StreamID, "Stream ID to join")
	fs.IntVar(&cfg.Quality, "quality", cfg.Quality, "Requested quality hint (0 = host default)")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Heartbeat interval")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Connect and join timeout")
	fs.StringVar(ice, "ice", strings.Join(cfg.ICEServers, ","), "Comma-separated ICE server URLs")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Decode without opening a window")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug, info, warn, error")
}

// ParseViewerFlags parses flags for the viewer binary.
func ParseViewerFlags(args []string) (*ViewerConfig, error) {
	parse := func(cfg *ViewerConfig) error {
		fs := flag.NewFlagSet("viewer", flag.ContinueOnError)
		var ice string
		bindViewerFlags(fs, cfg, &ice)
		if err := fs.Parse(args); err != nil {
			return err
		}
		cfg.ICEServers = splitList(ice)
		return nil
	}

	cfg := DefaultViewerConfig()
	if err := parse(cfg); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		file := cfg.ConfigFile
		cfg = DefaultViewerConfig()
		if err := loadYAML(file, cfg); err != nil {
			return nil, err
		}
		if err := parse(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *ViewerConfig) validate() error {
	var errs []error
	switch c.Transport {
	case "tcp", "ws", "webrtc":
	default:
		errs = append(errs, fmt.Errorf("invalid transport: %s (must be tcp, ws or webrtc)", c.Transport))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Quality < 0 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("invalid quality: %d", c.Quality))
	}
	if c.Heartbeat <= 0 || c.Timeout <= 0 {
		errs = append(errs, errors.New("heartbeat and timeout must be positive"))
	}
	if err := validLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
