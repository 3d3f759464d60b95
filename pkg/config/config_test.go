package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadEffectiveDefaults(t *testing.T) {
	p := writeConfig(t, "session:\n  user_id: alice\n")
	res, err := LoadEffective(Flags{Addr: ":8488", DB: "./.msgsync", Config: p, Set: map[string]bool{}})
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	cfg := res.Config
	if cfg.Server.Port != 8488 {
		t.Fatalf("default port: %d", cfg.Server.Port)
	}
	if cfg.Storage.MaxBodyBytes.Int64() != 64*1024 {
		t.Fatalf("default max body bytes: %d", cfg.Storage.MaxBodyBytes.Int64())
	}
	if cfg.Sync.RetryMaxAttempts != 8 {
		t.Fatalf("default retry attempts: %d", cfg.Sync.RetryMaxAttempts)
	}
	if cfg.Sync.RetryBaseBackoff.Duration() != 500*time.Millisecond {
		t.Fatalf("default base backoff: %v", cfg.Sync.RetryBaseBackoff.Duration())
	}
	if cfg.Presence.TTL.Duration() != 5*time.Second {
		t.Fatalf("default presence ttl: %v", cfg.Presence.TTL.Duration())
	}
	if cfg.Janitor.Cron != "0 3 * * *" {
		t.Fatalf("default janitor cron: %q", cfg.Janitor.Cron)
	}
	if cfg.Tracing.SampleRate != 0.001 {
		t.Fatalf("default tracing sample rate: %v", cfg.Tracing.SampleRate)
	}
	if cfg.Tracing.SlowThreshold.Duration() != 200*time.Millisecond {
		t.Fatalf("default tracing slow threshold: %v", cfg.Tracing.SlowThreshold.Duration())
	}
	if res.Source != "config" {
		t.Fatalf("expected config source, got %s", res.Source)
	}
}

func TestLoadEffectiveFlagAndEnvPrecedence(t *testing.T) {
	p := writeConfig(t, `
server:
  port: 9000
storage:
  db_path: /from/file
session:
  user_id: alice
`)
	t.Setenv("MSGSYNC_DB_PATH", "/from/env")

	// flags win over env, env wins over the file
	res, err := LoadEffective(Flags{
		Addr:   "127.0.0.1:7777",
		DB:     "/from/flag",
		Config: p,
		Set:    map[string]bool{"addr": true, "db": true},
	})
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if res.Addr != "127.0.0.1:7777" {
		t.Fatalf("flag addr lost: %s", res.Addr)
	}
	if res.DBPath != "/from/flag" {
		t.Fatalf("flag db lost: %s", res.DBPath)
	}
	if res.Source != "flags" {
		t.Fatalf("expected flags source, got %s", res.Source)
	}

	// without the db flag the env var applies
	res, err = LoadEffective(Flags{Addr: ":8488", DB: "./.msgsync", Config: p, Set: map[string]bool{}})
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if res.DBPath != "/from/env" {
		t.Fatalf("env db lost: %s", res.DBPath)
	}
}

func TestLoadEffectiveErrors(t *testing.T) {
	// explicit --config pointing at a missing file is fatal
	if _, err := LoadEffective(Flags{Config: "/no/such/file.yaml", Set: map[string]bool{"config": true}}); err == nil {
		t.Fatalf("missing explicit config must error")
	}

	// user id is mandatory
	p := writeConfig(t, "server:\n  port: 9000\n")
	if _, err := LoadEffective(Flags{Config: p, Set: map[string]bool{}}); err == nil {
		t.Fatalf("missing session.user_id must error")
	}

	// base backoff above max backoff
	p = writeConfig(t, `
session:
  user_id: alice
sync:
  retry_base_backoff: 2m
  retry_max_backoff: 10s
`)
	if _, err := LoadEffective(Flags{Config: p, Set: map[string]bool{}}); err == nil {
		t.Fatalf("inverted backoff bounds must error")
	}

	// health port colliding with the ops port
	p = writeConfig(t, `
session:
  user_id: alice
server:
  port: 8488
  health_port: 8488
`)
	if _, err := LoadEffective(Flags{Config: p, Set: map[string]bool{}}); err == nil {
		t.Fatalf("health port conflict must error")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	if err := yaml.Unmarshal([]byte("a: 150ms\nb: 2\nc: \"1h30m\"\n"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.A.Duration() != 150*time.Millisecond {
		t.Fatalf("a: %v", out.A.Duration())
	}
	if out.B.Duration() != 2*time.Second {
		t.Fatalf("numeric seconds: %v", out.B.Duration())
	}
	if out.C.Duration() != 90*time.Minute {
		t.Fatalf("c: %v", out.C.Duration())
	}

	var bad struct {
		A Duration `yaml:"a"`
	}
	if err := yaml.Unmarshal([]byte("a: soon\n"), &bad); err == nil {
		t.Fatalf("invalid duration must error")
	}
}

func TestSizeBytesUnmarshal(t *testing.T) {
	var out struct {
		A SizeBytes `yaml:"a"`
		B SizeBytes `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 64KB\nb: 1024\n"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.A.Int64() != 64*1000 {
		t.Fatalf("a: %d", out.A.Int64())
	}
	if out.B.Int64() != 1024 {
		t.Fatalf("b: %d", out.B.Int64())
	}
}

func TestAddr(t *testing.T) {
	c := &Config{}
	c.Server.Address = "0.0.0.0"
	c.Server.Port = 8488
	if got := c.Addr(); got != "0.0.0.0:8488" {
		t.Fatalf("addr: %s", got)
	}
	if !strings.Contains((&Config{Server: ServerConfig{Port: 1}}).Addr(), ":1") {
		t.Fatalf("port missing from addr")
	}
}
