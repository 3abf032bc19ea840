package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.SampleRate != 16000 {
		t.Fatalf("expected 16 kHz default, got %d", cfg.Session.SampleRate)
	}
	if len(cfg.Bundle.RequiredFiles) != 3 || cfg.Bundle.RequiredFiles[2] != "graph/words.txt" {
		t.Fatalf("unexpected default required files %v", cfg.Bundle.RequiredFiles)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_LISTEN_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_LISTEN_BUS_USERNAME", "alice")
	t.Setenv("LOQA_LISTEN_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_LISTEN_NODE_ID", "test-node")
	t.Setenv("LOQA_LISTEN_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_LISTEN_EVENT_STORE_RECORD_PARTIALS", "true")
	t.Setenv("LOQA_LISTEN_CAPTURE_MODE", "wav")
	t.Setenv("LOQA_LISTEN_CAPTURE_WAV_PATH", "/tmp/in.wav")
	t.Setenv("LOQA_LISTEN_CAPTURE_FRAME_DURATION_MS", "40")
	t.Setenv("LOQA_LISTEN_RECOGNIZER_MODE", "continuous")
	t.Setenv("LOQA_LISTEN_RECOGNIZER_CONTINUOUS_TRANSPORT", "bus")
	t.Setenv("LOQA_LISTEN_RECOGNIZER_MODEL_SILENCE_THRESHOLD", "0.05")
	t.Setenv("LOQA_LISTEN_BUNDLE_REQUIRED_FILES", "a.bin, b/c.txt")
	t.Setenv("LOQA_LISTEN_SESSION_FINALIZE_TIMEOUT_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || !cfg.EventStore.RecordPartials {
		t.Fatalf("expected event store overrides")
	}
	if cfg.Capture.Mode != "wav" || cfg.Capture.WAVPath != "/tmp/in.wav" || cfg.Capture.FrameDurationMS != 40 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Recognizer.Mode != "continuous" || cfg.Recognizer.Continuous.Transport != "bus" {
		t.Fatalf("expected recognizer overrides, got %+v", cfg.Recognizer)
	}
	if cfg.Recognizer.Model.SilenceThreshold != 0.05 {
		t.Fatalf("expected silence threshold override")
	}
	if len(cfg.Bundle.RequiredFiles) != 2 || cfg.Bundle.RequiredFiles[1] != "b/c.txt" {
		t.Fatalf("expected required files override, got %v", cfg.Bundle.RequiredFiles)
	}
	if cfg.Session.FinalizeTimeoutMS != 1500 {
		t.Fatalf("expected finalize timeout override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	data := []byte(`
runtime_name: kitchen
session:
  auto_initialize: true
  auto_start: true
recognizer:
  mode: continuous
  continuous:
    transport: websocket
    url: ws://asr.local/ws
mqtt:
  enabled: true
  qos: 1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "kitchen" || !cfg.Session.AutoStart {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.Recognizer.Continuous.URL != "ws://asr.local/ws" {
		t.Fatalf("expected websocket url from file")
	}
	if cfg.Capture.Mode != "exec" {
		t.Fatalf("expected defaults preserved for unset sections")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"sample rate":       func(c *Config) { c.Session.SampleRate = 44100 },
		"auto start":        func(c *Config) { c.Session.AutoStart = true },
		"capture mode":      func(c *Config) { c.Capture.Mode = "alsa" },
		"wav without path":  func(c *Config) { c.Capture.Mode = "wav" },
		"byte order":        func(c *Config) { c.Capture.ByteOrder = "f32" },
		"recognizer mode":   func(c *Config) { c.Recognizer.Mode = "cloud" },
		"exec decoder":      func(c *Config) { c.Recognizer.Model.Command = "" },
		"continuous url":    func(c *Config) { c.Recognizer.Mode = "continuous"; c.Recognizer.Continuous.URL = "" },
		"mqtt qos":          func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 },
		"mqtt timeout":      func(c *Config) { c.MQTT.Enabled = true; c.MQTT.ConnectTimeout = 0 },
		"heartbeat timeout": func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
