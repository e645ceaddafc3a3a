package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns a Config populated with the defaults the sync core was
// tuned for. Callers overlay file and env values on top of it.
func Default() *Config {
	cfg := &Config{}
	cfg.Store.Kind = "rest"
	cfg.Store.Feed = "websocket"
	cfg.Store.AMQPExchange = "flocksync.changes"
	cfg.Store.RateLimit.RPS = 20
	cfg.Store.RateLimit.Burst = 40
	cfg.Store.Retry.Attempts = 3
	cfg.Store.Retry.BaseBackoff = Duration(200 * time.Millisecond)
	cfg.Ops.Address = "127.0.0.1"
	cfg.Ops.Port = 6571
	cfg.Snapshot.Path = "./flocksync-cache"
	cfg.Window.PageSize = 50
	cfg.Directory.ReloadDebounce = Duration(time.Second)
	cfg.Presence.Heartbeat = Duration(30 * time.Second)
	cfg.Presence.AwayAfter = Duration(45 * time.Second)
	cfg.Presence.OfflineAfter = Duration(120 * time.Second)
	cfg.Signals.TypingRefresh = Duration(3 * time.Second)
	cfg.Signals.TypingStale = Duration(10 * time.Second)
	cfg.Sweep.Enabled = true
	cfg.Sweep.Cron = "*/5 * * * *"
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads the config file at path (if present) over the defaults and
// then applies FLOCKSYNC_* environment overrides. A missing file is not
// an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Only settings that
// make sense per-deployment are exposed this way.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOCKSYNC_STORE_KIND"); v != "" {
		cfg.Store.Kind = v
	}
	if v := os.Getenv("FLOCKSYNC_STORE_ENDPOINT"); v != "" {
		cfg.Store.Endpoint = v
	}
	if v := os.Getenv("FLOCKSYNC_STORE_API_KEY"); v != "" {
		cfg.Store.APIKey = v
	}
	if v := os.Getenv("FLOCKSYNC_STORE_FEED"); v != "" {
		cfg.Store.Feed = v
	}
	if v := os.Getenv("FLOCKSYNC_AMQP_URL"); v != "" {
		cfg.Store.AMQPURL = v
	}
	if v := os.Getenv("FLOCKSYNC_AMQP_EXCHANGE"); v != "" {
		cfg.Store.AMQPExchange = v
	}
	if v := os.Getenv("FLOCKSYNC_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("FLOCKSYNC_OPS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Ops.Port = p
		}
	}
	if v := os.Getenv("FLOCKSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "rest":
		if c.Store.Endpoint == "" {
			return fmt.Errorf("store.endpoint is required when store.kind is rest")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.kind: %q", c.Store.Kind)
	}
	switch c.Store.Feed {
	case "websocket":
	case "amqp":
		if c.Store.AMQPURL == "" {
			return fmt.Errorf("store.amqp_url is required when store.feed is amqp")
		}
	default:
		return fmt.Errorf("unknown store.feed: %q", c.Store.Feed)
	}
	if c.Window.PageSize <= 0 {
		return fmt.Errorf("window.page_size must be positive")
	}
	if c.Presence.AwayAfter.Duration() >= c.Presence.OfflineAfter.Duration() {
		return fmt.Errorf("presence.away_after must be below presence.offline_after")
	}
	if c.Signals.TypingRefresh.Duration() <= 0 || c.Signals.TypingStale.Duration() <= 0 {
		return fmt.Errorf("signals typing windows must be positive")
	}
	if c.Signals.TypingRefresh.Duration() >= c.Signals.TypingStale.Duration() {
		return fmt.Errorf("signals.typing_refresh must be below signals.typing_stale")
	}
	return nil
}

// OpsAddr returns the host:port the ops server listens on.
func (c *Config) OpsAddr() string {
	return fmt.Sprintf("%s:%d", c.Ops.Address, c.Ops.Port)
}
