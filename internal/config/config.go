// Package config loads the aggregator's runtime configuration from the
// environment, following the same env.Parse + validate + log idiom the
// rest of this codebase's lineage uses for its servers.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all aggregator configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listen addresses (three independently configurable ports, per the
	// ingest / feed / HTTP-sidecar surfaces).
	IngestAddr string `env:"INGEST_ADDR" envDefault:":8000"`
	FeedAddr   string `env:"FEED_ADDR" envDefault:":8001"`
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8002"`

	// Ingest lifecycle timeouts.
	HelloTimeout    time.Duration `env:"HELLO_TIMEOUT" envDefault:"5s"`
	IngestTimeout   time.Duration `env:"INGEST_TIMEOUT" envDefault:"60s"`
	NoBlockTimeout  time.Duration `env:"NO_BLOCK_TIMEOUT" envDefault:"60s"`
	PreHelloBacklog int           `env:"PRE_HELLO_BACKLOG" envDefault:"10"`

	// Aggregator timer wheel.
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"10s"`

	// Block-time throttling for updateBestBlock.
	BlockUpdateThrottle time.Duration `env:"BLOCK_UPDATE_THROTTLE" envDefault:"1s"`

	// NodeId registry TTL, keeping a reconnecting node's identity stable.
	NodeIDTTL time.Duration `env:"NODE_ID_TTL" envDefault:"24h"`

	// Locator cache.
	LocatorCacheTTL   time.Duration `env:"LOCATOR_CACHE_TTL" envDefault:"24h"`
	LocatorSweepEvery time.Duration `env:"LOCATOR_SWEEP_INTERVAL" envDefault:"1h"`

	// Admission control.
	IngestRatePerSec    float64       `env:"INGEST_RATE_PER_SEC" envDefault:"1.0"`
	IngestRateBurst     int           `env:"INGEST_RATE_BURST" envDefault:"5"`
	FeedRatePerSec      float64       `env:"FEED_RATE_PER_SEC" envDefault:"2.0"`
	FeedRateBurst       int           `env:"FEED_RATE_BURST" envDefault:"10"`
	IngestCPURejectPct  float64       `env:"INGEST_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	SelfStatSampleEvery time.Duration `env:"SELF_STAT_INTERVAL" envDefault:"5s"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a local .env file (if present) and the
// environment. Priority: env vars > .env file > struct defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is fine; production runs on env vars alone.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.IngestAddr == "" || c.FeedAddr == "" || c.HTTPAddr == "" {
		return fmt.Errorf("INGEST_ADDR, FEED_ADDR and HTTP_ADDR are all required")
	}
	if c.IngestCPURejectPct < 0 || c.IngestCPURejectPct > 100 {
		return fmt.Errorf("INGEST_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.IngestCPURejectPct)
	}
	if c.PreHelloBacklog < 1 {
		return fmt.Errorf("PRE_HELLO_BACKLOG must be > 0, got %d", c.PreHelloBacklog)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the resolved configuration once at startup, one
// structured field per setting.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("ingest_addr", c.IngestAddr).
		Str("feed_addr", c.FeedAddr).
		Str("http_addr", c.HTTPAddr).
		Dur("hello_timeout", c.HelloTimeout).
		Dur("ingest_timeout", c.IngestTimeout).
		Dur("no_block_timeout", c.NoBlockTimeout).
		Dur("tick_interval", c.TickInterval).
		Dur("node_id_ttl", c.NodeIDTTL).
		Float64("ingest_cpu_reject_pct", c.IngestCPURejectPct).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
