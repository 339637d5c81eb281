package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	History    HistoryConfig    `yaml:"history"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// EvaluatorConfig controls the in-process interpreter.
type EvaluatorConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	DrainWindow   time.Duration `yaml:"drain_window"`
	MaxLogEntries int           `yaml:"max_log_entries"`
}

// SupervisorConfig controls child-process execution.
type SupervisorConfig struct {
	Interpreter  string        `yaml:"interpreter"`
	ScratchDir   string        `yaml:"scratch_dir"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxLineBytes int           `yaml:"max_line_bytes"`

	// Caps on output kept per run for audit and detection.
	MaxRetainedLines int `yaml:"max_retained_lines"`
	MaxRetainedBytes int `yaml:"max_retained_bytes"`
}

// HistoryConfig selects where run history is kept.
type HistoryConfig struct {
	Backend   string `yaml:"backend"` // "file" (default), "redis", or "postgres"
	Limit     int    `yaml:"limit"`
	GuestFile string `yaml:"guest_file"`
	UserDir   string `yaml:"user_dir"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures principal verification. An empty secret treats
// every caller as a guest.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Sample      float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"` // websocket Origin allow-list; empty allows any
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
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
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    45 * time.Second, // > supervisor timeout + overhead
			ShutdownTimeout: 35 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Evaluator: EvaluatorConfig{
			Timeout:       5 * time.Second,
			DrainWindow:   200 * time.Millisecond,
			MaxLogEntries: 10000,
		},
		Supervisor: SupervisorConfig{
			Interpreter:  "node",
			ScratchDir:   filepath.Join(os.TempDir(), "coderunner"),
			Timeout:      30 * time.Second,
			MaxLineBytes: 1 << 20,

			MaxRetainedLines: 10000,
			MaxRetainedBytes: 1 << 20,
		},
		History: HistoryConfig{
			Backend:   "file",
			Limit:     100,
			GuestFile: "data/guest-history.json",
			UserDir:   "data/users",
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			Issuer:   "coderunner",
			TokenTTL: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "coderunner",
			Sample:      0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overrides selected fields from the environment.
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("PORT must be an integer, got %q", port)
		}
		c.Server.Port = p
	}
	if bin := os.Getenv("NODE_BINARY"); bin != "" {
		c.Supervisor.Interpreter = bin
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	return c.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Evaluator.Timeout <= 0 {
		return fmt.Errorf("evaluator.timeout must be > 0")
	}
	if c.Evaluator.DrainWindow <= 0 {
		return fmt.Errorf("evaluator.drain_window must be > 0")
	}
	if c.Evaluator.MaxLogEntries < 1 {
		return fmt.Errorf("evaluator.max_log_entries must be >= 1")
	}
	if c.Supervisor.Timeout <= 0 {
		return fmt.Errorf("supervisor.timeout must be > 0")
	}
	if c.Supervisor.Interpreter == "" {
		return fmt.Errorf("supervisor.interpreter is required")
	}
	if c.Supervisor.MaxLineBytes < 1024 {
		return fmt.Errorf("supervisor.max_line_bytes must be >= 1024")
	}
	if c.Supervisor.MaxRetainedLines < 1 {
		return fmt.Errorf("supervisor.max_retained_lines must be >= 1")
	}
	if c.Supervisor.MaxRetainedBytes < 1 {
		return fmt.Errorf("supervisor.max_retained_bytes must be >= 1")
	}
	if c.History.Limit < 1 {
		return fmt.Errorf("history.limit must be >= 1")
	}
	switch c.History.Backend {
	case "file":
		if c.History.UserDir == "" {
			return fmt.Errorf("history.user_dir is required for the file backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis history backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres history backend")
		}
	default:
		return fmt.Errorf("history.backend must be file, redis, or postgres, got %q", c.History.Backend)
	}
	if c.History.GuestFile == "" {
		return fmt.Errorf("history.guest_file is required")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	if c.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty; every caller is treated as a guest")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
