package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shar.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHostDefaults(t *testing.T) {
	cfg, err := ParseHostFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.HostID, "host-") || cfg.StreamID != "main" || cfg.Capture.FPS != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.KeyframePeriod() != 2*time.Second {
		t.Fatalf("keyframe period = %v", cfg.KeyframePeriod())
	}
}

func TestHostFileAndFlagOverride(t *testing.T) {
	path := writeFile(t, `
stream_id: desk
capture:
  source: pattern
  fps: 10
mux:
  ring_size: 64
  max_queue_packets: 8
  write_timeout: 10s
webrtc:
  ice_servers: ["stun:a.example:3478"]
`)
	cfg, err := ParseHostFlags([]string{"-config", path, "-fps", "20", "-log-level", "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StreamID != "desk" || cfg.Capture.Source != "pattern" || cfg.Mux.RingSize != 64 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Capture.FPS != 20 || cfg.Logging.Level != "debug" {
		t.Fatalf("flags did not override: fps=%d level=%s", cfg.Capture.FPS, cfg.Logging.Level)
	}
	if cfg.Mux.WriteTimeout != 10*time.Second {
		t.Fatalf("write timeout = %v", cfg.Mux.WriteTimeout)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0] != "stun:a.example:3478" {
		t.Fatalf("ice = %v", cfg.WebRTC.ICEServers)
	}
	if cfg.Encoder.Quality != 70 {
		t.Fatalf("default lost: quality=%d", cfg.Encoder.Quality)
	}
}

func TestHostValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"queue not below ring", []string{"-max-queue", "256"}, "max queue packets"},
		{"write timeout within keyframe period", []string{"-write-timeout", "1s"}, "keyframe period"},
		{"bad source", []string{"-source", "camera"}, "capture source"},
		{"bad quality", []string{"-quality", "0"}, "quality"},
		{"bad level", []string{"-log-level", "loud"}, "log level"},
		{"nat without server", []string{"-stun", ""}, "stun server"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHostFlags(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestHostMissingFile(t *testing.T) {
	if _, err := ParseHostFlags([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatal("expected error")
	}
}

func TestViewerFlags(t *testing.T) {
	cfg, err := ParseViewerFlags([]string{"-transport", "webrtc", "-addr", "http://host:7380", "-ice", "stun:a:1, stun:b:2", "-headless"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != "webrtc" || !cfg.Headless || len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "stun:b:2" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := ParseViewerFlags([]string{"-transport", "carrier-pigeon"}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "k=v") {
		t.Fatalf("log output %q", out)
	}
}
