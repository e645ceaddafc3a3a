package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Ops       OpsConfig       `yaml:"ops"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Window    WindowConfig    `yaml:"window"`
	Directory DirectoryConfig `yaml:"directory"`
	Presence  PresenceConfig  `yaml:"presence"`
	Signals   SignalsConfig   `yaml:"signals"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig describes how to reach the remote row store and its
// change feed.
type StoreConfig struct {
	// Kind selects the store implementation: "rest" or "memory".
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// Feed selects the change-feed transport: "websocket" or "amqp".
	Feed         string `yaml:"feed"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
	RateLimit    struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Retry struct {
		Attempts    int      `yaml:"attempts"`
		BaseBackoff Duration `yaml:"base_backoff"`
	} `yaml:"retry"`
}

// OpsConfig holds the local operations HTTP server settings.
type OpsConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SnapshotConfig holds the durable local cache settings.
type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// WindowConfig tunes the per-conversation message window.
type WindowConfig struct {
	PageSize int `yaml:"page_size"`
}

// DirectoryConfig tunes the conversation directory cache.
type DirectoryConfig struct {
	ReloadDebounce Duration `yaml:"reload_debounce"`
}

// PresenceConfig tunes the presence engine.
type PresenceConfig struct {
	Heartbeat    Duration `yaml:"heartbeat"`
	AwayAfter    Duration `yaml:"away_after"`
	OfflineAfter Duration `yaml:"offline_after"`
}

// SignalsConfig tunes the ephemeral signal channels.
type SignalsConfig struct {
	// TypingRefresh is the local inactivity window after which this
	// client deletes its own typing row.
	TypingRefresh Duration `yaml:"typing_refresh"`
	// TypingStale is the read-side window beyond which another user's
	// typing row is ignored even without a delete event.
	TypingStale Duration `yaml:"typing_stale"`
}

// SweepConfig holds configuration for the scheduled maintenance runner.
type SweepConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Duration is a wrapper around time.Duration that supports YAML parsing
// from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
