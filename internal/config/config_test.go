package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.DefaultTimeout != 60*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 60s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 512 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 512", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Jobs.Queue != "memory" {
		t.Errorf("Jobs.Queue = %q, want memory", cfg.Jobs.Queue)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 2 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"zero default_timeout", func(c *Config) { c.Sandbox.DefaultTimeout = 0 }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"memory_mb < 16", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"memory_mb > 4096", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8192 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "firecracker" }, true},
		{"python disabled", func(c *Config) { c.Sandbox.Backend = "none" }, false},
		{"unknown starlark backend", func(c *Config) { c.Sandbox.StarlarkBackend = "wasm" }, true},
		{"dataset larger than body", func(c *Config) { c.Sandbox.MaxDatasetBytes = c.Server.MaxRequestBody + 1 }, true},
		{"no workers", func(c *Config) { c.Jobs.Workers = 0 }, true},
		{"unknown queue", func(c *Config) { c.Jobs.Queue = "kafka" }, true},
		{"redis queue without addr", func(c *Config) {
			c.Jobs.Queue = "redis"
			c.Redis.Addr = ""
		}, true},
		{"redis queue", func(c *Config) { c.Jobs.Queue = "redis" }, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
		{"profiling without server", func(c *Config) { c.Profiling.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  backend: docker
  max_concurrent: 50
  default_timeout: 15s
  max_timeout: 120s
  default_limits:
    memory_mb: 256
jobs:
  workers: 2
security:
  allowed_keys: ["k1"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.MaxConcurrent != 50 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 50", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 256 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 256", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Sandbox.DefaultLimits.PidsLimit != 64 {
		t.Errorf("DefaultLimits.PidsLimit = %d, want default 64", cfg.Sandbox.DefaultLimits.PidsLimit)
	}
	if cfg.Jobs.Workers != 2 {
		t.Errorf("Jobs.Workers = %d, want 2", cfg.Jobs.Workers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/quant")
	t.Setenv("SANDBOX_BACKEND", "none")
	t.Setenv("SANDBOX_API_KEYS", "a,b")
	t.Setenv("JOB_QUEUE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SANDBOX_DEFAULT_TIMEOUT", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://u:p@db:5432/quant" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Sandbox.Backend != "none" {
		t.Errorf("Sandbox.Backend = %q, want none", cfg.Sandbox.Backend)
	}
	if len(cfg.Security.AllowedKeys) != 2 || cfg.Security.AllowedKeys[1] != "b" {
		t.Errorf("Security.AllowedKeys = %v, want [a b]", cfg.Security.AllowedKeys)
	}
	if cfg.Jobs.Queue != "redis" || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("queue = %q at %q, want redis at redis:6379", cfg.Jobs.Queue, cfg.Redis.Addr)
	}
	if cfg.Sandbox.DefaultTimeout != 30*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 30s", cfg.Sandbox.DefaultTimeout)
	}
}

func TestLoad_InvalidAfterEnv(t *testing.T) {
	t.Setenv("JOB_QUEUE", "kafka")
	if _, err := Load(""); err == nil {
		t.Error("expected validation error for unknown queue from env")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Error("expected parse error, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
