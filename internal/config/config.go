package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	Profiling ProfilingConfig `yaml:"profiling"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes" env:"MAX_REQUEST_BODY_BYTES"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend" env:"SANDBOX_BACKEND"`                   // python: "auto" (default), "containerd", "docker" or "none"
	StarlarkBackend  string        `yaml:"starlark_backend" env:"SANDBOX_STARLARK_BACKEND"` // "auto" (default), "process" or "inprocess"
	ContainerdSocket string        `yaml:"containerd_socket" env:"CONTAINERD_SOCKET"`
	Namespace        string        `yaml:"namespace"`
	PythonImage      string        `yaml:"python_image" env:"SANDBOX_PYTHON_IMAGE"`
	WorkerPath       string        `yaml:"worker_path" env:"SANDBOX_WORKER_PATH"`
	DefaultTimeout   time.Duration `yaml:"default_timeout" env:"SANDBOX_DEFAULT_TIMEOUT"`
	MaxTimeout       time.Duration `yaml:"max_timeout" env:"SANDBOX_MAX_TIMEOUT"`
	MaxConcurrent    int           `yaml:"max_concurrent" env:"SANDBOX_MAX_CONCURRENT"`
	MaxDatasetBytes  int64         `yaml:"max_dataset_bytes"`
	MaxDatasetRows   int           `yaml:"max_dataset_rows"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	MaxLogBytes      int           `yaml:"max_log_bytes"`
	MaxSteps         uint64        `yaml:"max_steps" env:"SANDBOX_MAX_STEPS"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb" env:"SANDBOX_MEMORY_MB"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// JobsConfig controls the orchestrator's worker pool and queue.
type JobsConfig struct {
	Workers        int           `yaml:"workers" env:"JOB_WORKERS"`
	Queue          string        `yaml:"queue" env:"JOB_QUEUE"` // "memory" (default) or "redis"
	QueueSize      int           `yaml:"queue_size"`
	QueueKey       string        `yaml:"queue_key"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	RecoverOnStart bool          `yaml:"recover_on_start"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys" env:"SANDBOX_API_KEYS"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated" env:"ALLOW_UNAUTHENTICATED"`
	UserHeader           string   `yaml:"user_header"`
	AllowedOrigins       []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	BlockCritical        bool     `yaml:"block_critical"`
}

// ProfilingConfig enables continuous profiling via Pyroscope.
type ProfilingConfig struct {
	Enabled       bool   `yaml:"enabled" env:"PYROSCOPE_ENABLED"`
	ServerAddress string `yaml:"server_address" env:"PYROSCOPE_SERVER_ADDRESS"`
	AppName       string `yaml:"app_name"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file, then applies environment
// overrides (including a .env file in the working directory, if present).
// A missing file is an error; pass "" to start from defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("loading .env file: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  64 << 20, // code + dataset uploads
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			StarlarkBackend:  "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "strategy-sandbox",
			PythonImage:      "docker.io/library/python:3.12-slim",
			DefaultTimeout:   60 * time.Second,
			MaxTimeout:       5 * time.Minute,
			MaxConcurrent:    8,
			MaxDatasetBytes:  50 << 20,
			MaxDatasetRows:   2_000_000,
			MaxOutputBytes:   8 << 20,
			MaxLogBytes:      64 << 10,
			MaxSteps:         2_000_000_000,
			DefaultLimits: DefaultLimits{
				CPUShares: 1024,
				MemoryMB:  512,
				PidsLimit: 64,
				DiskMB:    64,
			},
		},
		Jobs: JobsConfig{
			Workers:        4,
			Queue:          "memory",
			QueueSize:      1024,
			QueueKey:       "strategy-sandbox:jobs",
			PersistTimeout: 10 * time.Second,
			RecoverOnStart: true,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			UserHeader:     "X-User-ID",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			BlockCritical:  true,
		},
		Profiling: ProfilingConfig{
			AppName: "strategy-sandbox",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if m := c.Sandbox.DefaultLimits.MemoryMB; m < 16 || m > 4096 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be 16-4096, got %d", m)
	}
	switch c.Sandbox.Backend {
	case "auto", "containerd", "docker", "none":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd, docker or none, got %q", c.Sandbox.Backend)
	}
	switch c.Sandbox.StarlarkBackend {
	case "auto", "process", "inprocess":
	default:
		return fmt.Errorf("sandbox.starlark_backend must be auto, process or inprocess, got %q", c.Sandbox.StarlarkBackend)
	}
	if c.Sandbox.MaxDatasetBytes <= 0 || c.Sandbox.MaxDatasetBytes > c.Server.MaxRequestBody {
		return fmt.Errorf("sandbox.max_dataset_bytes must be positive and <= server.max_request_body_bytes")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be >= 1")
	}
	switch c.Jobs.Queue {
	case "memory":
		if c.Jobs.QueueSize < 1 {
			return fmt.Errorf("jobs.queue_size must be >= 1")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when jobs.queue is redis")
		}
		if c.Jobs.QueueKey == "" {
			return fmt.Errorf("jobs.queue_key is required when jobs.queue is redis")
		}
	default:
		return fmt.Errorf("jobs.queue must be memory or redis, got %q", c.Jobs.Queue)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}
	if len(c.Security.AllowedKeys) == 0 && !c.Security.AllowUnauthenticated {
		log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all /jobs requests will be rejected")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
