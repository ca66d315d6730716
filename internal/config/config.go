// Package config holds all configuration types and loading logic for the
// relayprint agent. Config structure never shrinks — fields are only added,
// never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one agent instance.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Server  ServerConfig  `yaml:"server"`
	Printer PrinterConfig `yaml:"printer"`
	Queue   QueueConfig   `yaml:"queue"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Stream  StreamConfig  `yaml:"stream"`
	API     APIConfig     `yaml:"api"`
}

// AgentConfig holds identity and local storage settings.
type AgentConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ServerConfig identifies the remote print server.
type ServerConfig struct {
	// URL is the websocket endpoint, e.g. "wss://print.example.com/agent".
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// PrinterConfig identifies the one printer this agent drives.
type PrinterConfig struct {
	// Addr is the raw-TCP printer address, e.g. "192.168.1.50:9100".
	Addr            string `yaml:"addr"`
	DialTimeoutMs   int    `yaml:"dial_timeout_ms"`
	SubmitTimeoutMs int    `yaml:"submit_timeout_ms"`
}

// QueueConfig bounds the pending-job buffer and the retry policy.
type QueueConfig struct {
	// MaxDepth is the hard cap on queued jobs. Enqueue past it is refused
	// and the inbound event is nacked — never silently dropped.
	MaxDepth int `yaml:"max_depth"`
	// MaxAttempts is the number of sink submissions allowed per job before
	// it is reported as failed.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelayMs / RetryMaxDelayMs bound the exponential delay before a
	// transiently failed job is requeued.
	RetryDelayMs    int `yaml:"retry_delay_ms"`
	RetryMaxDelayMs int `yaml:"retry_max_delay_ms"`
	// RequeuePolicy is "tail" (default, fair) or "head" (lower latency for
	// the retried job at the cost of everything behind it).
	RequeuePolicy string `yaml:"requeue_policy"`
}

// DedupConfig bounds the deduplication ledger.
type DedupConfig struct {
	WindowMs int `yaml:"window_ms"`
	Capacity int `yaml:"capacity"`
}

// StreamConfig controls the event-stream connection lifecycle.
type StreamConfig struct {
	// BackoffInitialMs / BackoffMaxMs bound the jittered reconnect backoff.
	BackoffInitialMs int `yaml:"backoff_initial_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
	// FlushAcksOnReconnect replays acks buffered while disconnected.
	FlushAcksOnReconnect bool `yaml:"flush_acks_on_reconnect"`
	// RequestMissingOnConnect asks the server to re-emit unacknowledged
	// jobs right after registering.
	RequestMissingOnConnect bool `yaml:"request_missing_on_connect"`
	// WriteTimeoutMs bounds a single websocket write.
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

// APIConfig controls the local control/status HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// APIKey protects the API; empty disables auth.
	APIKey string `yaml:"api_key"`
	// RateRPS / RateBurst apply per-IP token-bucket rate limiting.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Server: ServerConfig{
			URL: "wss://localhost:8443/agent",
		},
		Printer: PrinterConfig{
			Addr:            "127.0.0.1:9100",
			DialTimeoutMs:   5_000,
			SubmitTimeoutMs: 30_000,
		},
		Queue: QueueConfig{
			MaxDepth:        100,
			MaxAttempts:     3,
			RetryDelayMs:    2_000,
			RetryMaxDelayMs: 30_000,
			RequeuePolicy:   "tail",
		},
		Dedup: DedupConfig{
			WindowMs: 600_000, // 10 minutes
			Capacity: 10_000,
		},
		Stream: StreamConfig{
			BackoffInitialMs:        1_000,
			BackoffMaxMs:            60_000,
			FlushAcksOnReconnect:    true,
			RequestMissingOnConnect: true,
			WriteTimeoutMs:          10_000,
		},
		API: APIConfig{
			Enabled:   true,
			Host:      "127.0.0.1",
			Port:      8081,
			RateRPS:   20,
			RateBurst: 40,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// so the agent can run with environment variables alone.
//
// After loading the file, environment variables are applied as overrides:
//
//	RELAYPRINT_SERVER_URL    — sets server.url
//	RELAYPRINT_API_KEY       — sets server.api_key
//	RELAYPRINT_DATA_DIR      — sets agent.data_dir
//	RELAYPRINT_PRINTER_ADDR  — sets printer.addr
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYPRINT_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("RELAYPRINT_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("RELAYPRINT_DATA_DIR"); v != "" {
		cfg.Agent.DataDir = v
	}
	if v := os.Getenv("RELAYPRINT_PRINTER_ADDR"); v != "" {
		cfg.Printer.Addr = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Agent.DataDir == "" {
		return errors.New("agent.data_dir must not be empty")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.url %q is not a valid URL", c.Server.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Printer.Addr == "" {
		return errors.New("printer.addr must not be empty")
	}
	if c.Queue.MaxDepth < 1 {
		return errors.New("queue.max_depth must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	switch c.Queue.RequeuePolicy {
	case "tail", "head":
		// valid
	default:
		return errors.New(`queue.requeue_policy must be "tail" or "head"`)
	}
	if c.Dedup.Capacity < 1 {
		return errors.New("dedup.capacity must be at least 1")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return errors.New("api.port must be between 1 and 65535")
	}
	return nil
}

// Duration accessors: millisecond fields are stored as plain ints so YAML
// integers round-trip; call sites want time.Duration.

func (c *PrinterConfig) DialTimeout() time.Duration   { return ms(c.DialTimeoutMs) }
func (c *PrinterConfig) SubmitTimeout() time.Duration { return ms(c.SubmitTimeoutMs) }
func (c *QueueConfig) RetryDelay() time.Duration      { return ms(c.RetryDelayMs) }
func (c *QueueConfig) RetryMaxDelay() time.Duration   { return ms(c.RetryMaxDelayMs) }
func (c *DedupConfig) Window() time.Duration          { return ms(c.WindowMs) }
func (c *StreamConfig) BackoffInitial() time.Duration { return ms(c.BackoffInitialMs) }
func (c *StreamConfig) BackoffMax() time.Duration     { return ms(c.BackoffMaxMs) }
func (c *StreamConfig) WriteTimeout() time.Duration   { return ms(c.WriteTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
