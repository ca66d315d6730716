package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayprint/relayprint/internal/config"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp yaml: %v", err)
	}
	return path
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Queue.MaxDepth != 100 {
		t.Errorf("expected default max_depth 100, got %d", cfg.Queue.MaxDepth)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RequeuePolicy != "tail" {
		t.Errorf("expected default requeue_policy tail, got %s", cfg.Queue.RequeuePolicy)
	}
	if cfg.Dedup.Window() != 10*time.Minute {
		t.Errorf("expected default dedup window 10m, got %v", cfg.Dedup.Window())
	}
	if !cfg.Stream.FlushAcksOnReconnect {
		t.Error("flush_acks_on_reconnect must default to true")
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("the control API must default to loopback, got %s", cfg.API.Host)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Queue.MaxDepth != 100 {
		t.Errorf("expected defaults for missing file, got max_depth %d", cfg.Queue.MaxDepth)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  url: "wss://print.example.com/agent"
  api_key: "k1"
printer:
  addr: "10.0.0.9:9100"
queue:
  max_depth: 5
  max_attempts: 7
  requeue_policy: head
`
	cfg, err := config.Load(writeTempYAML(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.URL != "wss://print.example.com/agent" {
		t.Errorf("server.url not applied: %s", cfg.Server.URL)
	}
	if cfg.Printer.Addr != "10.0.0.9:9100" {
		t.Errorf("printer.addr not applied: %s", cfg.Printer.Addr)
	}
	if cfg.Queue.MaxDepth != 5 || cfg.Queue.MaxAttempts != 7 {
		t.Errorf("queue overrides not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.RequeuePolicy != "head" {
		t.Errorf("requeue_policy not applied: %s", cfg.Queue.RequeuePolicy)
	}
	// Untouched sections keep defaults.
	if cfg.Dedup.Capacity != 10_000 {
		t.Errorf("dedup defaults lost: %d", cfg.Dedup.Capacity)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYPRINT_SERVER_URL", "ws://env.example.com/agent")
	t.Setenv("RELAYPRINT_PRINTER_ADDR", "192.168.7.7:9100")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "ws://env.example.com/agent" {
		t.Errorf("env server url not applied: %s", cfg.Server.URL)
	}
	if cfg.Printer.Addr != "192.168.7.7:9100" {
		t.Errorf("env printer addr not applied: %s", cfg.Printer.Addr)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty data dir", func(c *config.Config) { c.Agent.DataDir = "" }},
		{"http scheme", func(c *config.Config) { c.Server.URL = "http://x.example.com" }},
		{"no printer addr", func(c *config.Config) { c.Printer.Addr = "" }},
		{"zero depth", func(c *config.Config) { c.Queue.MaxDepth = 0 }},
		{"zero attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }},
		{"bad policy", func(c *config.Config) { c.Queue.RequeuePolicy = "middle" }},
		{"bad api port", func(c *config.Config) { c.API.Port = 99999 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
