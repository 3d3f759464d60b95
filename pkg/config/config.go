package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged, defaulted, validated config the
// rest of the process runs on.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// ParseCommandFlags parses command-line flags.
func ParseCommandFlags() Flags {
	addrPtr := flag.String("addr", ":8488", "ops HTTP listen address")
	dbPtr := flag.String("db", "./.msgsync", "local store path")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv overlays MSGSYNC_* environment variables onto cfg. Returns
// whether any env var was consumed.
func applyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("MSGSYNC_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("MSGSYNC_DB_PATH"); v != "" {
		used = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("MSGSYNC_REMOTE_URL"); v != "" {
		used = true
		cfg.Remote.URL = v
	}
	if v := os.Getenv("MSGSYNC_USER_ID"); v != "" {
		used = true
		cfg.Session.UserID = v
	}
	if v := os.Getenv("MSGSYNC_DEVICE_ID"); v != "" {
		used = true
		cfg.Session.DeviceID = v
	}
	if v := os.Getenv("MSGSYNC_LOG_LEVEL"); v != "" {
		used = true
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	return used
}

// LoadEffective resolves flags, file, and env into one validated
// config. Flags win over env; env wins over the file.
func LoadEffective(flags Flags) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	cfg := &Config{}
	source := "env"
	if data, err := os.ReadFile(flags.Config); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return res, fmt.Errorf("parse config %s: %w", flags.Config, err)
		}
		source = "config"
	} else if flags.Set["config"] {
		return res, fmt.Errorf("config file %s not found", flags.Config)
	}

	if applyEnv(cfg) && source != "config" {
		source = "env"
	}

	if flags.Set["addr"] {
		source = "flags"
		if h, p, err := net.SplitHostPort(flags.Addr); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		}
	}
	if flags.Set["db"] {
		source = "flags"
		cfg.Storage.DBPath = flags.DB
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return res, err
	}

	res.Config = cfg
	res.Addr = cfg.Addr()
	res.DBPath = cfg.Storage.DBPath
	res.Source = source
	return res, nil
}

// applyDefaults fills canonical defaults so downstream packages never
// re-default (they error on zero values instead).
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8488
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./.msgsync"
	}
	if cfg.Storage.MaxBodyBytes == 0 {
		cfg.Storage.MaxBodyBytes = 64 * 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Remote.RequestTimeout == 0 {
		cfg.Remote.RequestTimeout = Duration(5 * time.Second)
	}
	if cfg.Remote.DispatchRPS == 0 {
		cfg.Remote.DispatchRPS = 50
	}
	if cfg.Remote.DispatchBurst == 0 {
		cfg.Remote.DispatchBurst = 10
	}
	if cfg.Sync.RetryMaxAttempts == 0 {
		cfg.Sync.RetryMaxAttempts = 8
	}
	if cfg.Sync.RetryBaseBackoff == 0 {
		cfg.Sync.RetryBaseBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Sync.RetryMaxBackoff == 0 {
		cfg.Sync.RetryMaxBackoff = Duration(time.Minute)
	}
	if cfg.Sync.ResyncGap == 0 {
		cfg.Sync.ResyncGap = Duration(24 * time.Hour)
	}
	if cfg.Sync.DedupCacheSize == 0 {
		cfg.Sync.DedupCacheSize = 4096
	}
	if cfg.Presence.TTL == 0 {
		cfg.Presence.TTL = Duration(5 * time.Second)
	}
	if cfg.Presence.SweepInterval == 0 {
		cfg.Presence.SweepInterval = Duration(time.Second)
	}
	if cfg.Presence.IdleTimeout == 0 {
		cfg.Presence.IdleTimeout = Duration(3 * time.Second)
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 0.001
	}
	if cfg.Tracing.SlowThreshold == 0 {
		cfg.Tracing.SlowThreshold = Duration(200 * time.Millisecond)
	}
	if cfg.Janitor.Cron == "" {
		cfg.Janitor.Cron = "0 3 * * *"
	}
	if cfg.Janitor.FailedRetention == 0 {
		cfg.Janitor.FailedRetention = Duration(7 * 24 * time.Hour)
	}
	if cfg.Janitor.BatchSize == 0 {
		cfg.Janitor.BatchSize = 500
	}
}

// validate rejects configurations the engine cannot run on.
func validate(cfg *Config) error {
	if cfg.Session.UserID == "" {
		return fmt.Errorf("session.user_id is required (or MSGSYNC_USER_ID)")
	}
	if cfg.Sync.RetryBaseBackoff.Duration() > cfg.Sync.RetryMaxBackoff.Duration() {
		return fmt.Errorf("sync.retry_base_backoff exceeds sync.retry_max_backoff")
	}
	if cfg.Presence.TTL.Duration() < cfg.Presence.SweepInterval.Duration() {
		return fmt.Errorf("presence.ttl must be >= presence.sweep_interval")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if cfg.Server.HealthPort != 0 && cfg.Server.HealthPort == cfg.Server.Port {
		return fmt.Errorf("server.health_port conflicts with server.port")
	}
	return nil
}
