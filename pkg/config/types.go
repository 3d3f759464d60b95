package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Session  SessionConfig  `yaml:"session"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Presence PresenceConfig `yaml:"presence"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig holds the ops HTTP surface settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// HealthPort, when non-zero, starts a second lean health listener
	// for load-balancer probes.
	HealthPort int `yaml:"health_port"`
}

// StorageConfig holds local store settings.
type StorageConfig struct {
	DBPath       string    `yaml:"db_path"`
	MaxBodyBytes SizeBytes `yaml:"max_body_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SessionConfig identifies the local user. The user id is an opaque
// constant supplied by the identity provider at session start.
type SessionConfig struct {
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
}

// RemoteConfig holds remote-store transport settings.
type RemoteConfig struct {
	URL            string   `yaml:"url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	// DispatchRPS/DispatchBurst bound outbound dispatch rate.
	DispatchRPS   float64 `yaml:"dispatch_rps"`
	DispatchBurst int     `yaml:"dispatch_burst"`
}

// SyncConfig tunes reconciliation and the retry manager.
type SyncConfig struct {
	RetryMaxAttempts int      `yaml:"retry_max_attempts"`
	RetryBaseBackoff Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff  Duration `yaml:"retry_max_backoff"`
	// ResyncGap is the watermark age beyond which a bounded resume is
	// abandoned in favor of a full resync.
	ResyncGap      Duration `yaml:"resync_gap"`
	DedupCacheSize int      `yaml:"dedup_cache_size"`
}

// PresenceConfig tunes the ephemeral typing channel.
type PresenceConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	// IdleTimeout schedules the debounced typing=false write.
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// TracingConfig tunes the per-request tracing on the ops HTTP surface.
type TracingConfig struct {
	// SampleRate is the fraction of requests recorded as full traces.
	SampleRate float64 `yaml:"sample_rate"`
	// SlowThreshold is the duration above which non-sampled requests
	// still get a lightweight log line.
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// JanitorConfig holds configuration for the scheduled maintenance runner.
type JanitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// FailedRetention is how long permanently-failed messages keep
	// their manual-retry affordance before being swept.
	FailedRetention Duration `yaml:"failed_retention"`
	BatchSize       int      `yaml:"batch_size"`
	DryRun          bool     `yaml:"dry_run"`
}

// Addr returns the host:port string for the ops listener.
func (c *Config) Addr() string {
	host := c.Server.Address
	return fmt.Sprintf("%s:%d", host, c.Server.Port)
}

// SizeBytes represents a number of bytes, unmarshaled from
// human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

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
