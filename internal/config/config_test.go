package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Evaluator.Timeout != 5*time.Second {
		t.Errorf("Evaluator.Timeout = %s, want 5s", cfg.Evaluator.Timeout)
	}
	if cfg.Evaluator.DrainWindow != 200*time.Millisecond {
		t.Errorf("Evaluator.DrainWindow = %s, want 200ms", cfg.Evaluator.DrainWindow)
	}
	if cfg.Supervisor.Timeout != 30*time.Second {
		t.Errorf("Supervisor.Timeout = %s, want 30s", cfg.Supervisor.Timeout)
	}
	if cfg.Supervisor.Interpreter != "node" {
		t.Errorf("Supervisor.Interpreter = %q, want node", cfg.Supervisor.Interpreter)
	}
	if cfg.History.Limit != 100 {
		t.Errorf("History.Limit = %d, want 100", cfg.History.Limit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"evaluator timeout 0", func(c *Config) { c.Evaluator.Timeout = 0 }, true},
		{"negative drain window", func(c *Config) { c.Evaluator.DrainWindow = -time.Millisecond }, true},
		{"zero drain window", func(c *Config) { c.Evaluator.DrainWindow = 0 }, true},
		{"max log entries 0", func(c *Config) { c.Evaluator.MaxLogEntries = 0 }, true},
		{"supervisor timeout 0", func(c *Config) { c.Supervisor.Timeout = 0 }, true},
		{"no interpreter", func(c *Config) { c.Supervisor.Interpreter = "" }, true},
		{"tiny line buffer", func(c *Config) { c.Supervisor.MaxLineBytes = 10 }, true},
		{"no retained lines", func(c *Config) { c.Supervisor.MaxRetainedLines = 0 }, true},
		{"no retained bytes", func(c *Config) { c.Supervisor.MaxRetainedBytes = 0 }, true},
		{"history limit 0", func(c *Config) { c.History.Limit = 0 }, true},
		{"unknown backend", func(c *Config) { c.History.Backend = "mongo" }, true},
		{"postgres without dsn", func(c *Config) { c.History.Backend = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.History.Backend = "postgres"
			c.Database.DSN = "postgres://localhost/coderunner"
		}, false},
		{"redis without addr", func(c *Config) {
			c.History.Backend = "redis"
			c.Redis.Addr = ""
		}, true},
		{"redis with addr", func(c *Config) { c.History.Backend = "redis" }, false},
		{"no guest file", func(c *Config) { c.History.GuestFile = "" }, true},
		{"sample rate > 1", func(c *Config) { c.Tracing.Sample = 1.5 }, true},
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
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
evaluator:
  timeout: 2s
  drain_window: 500ms
supervisor:
  interpreter: /usr/bin/nodejs
  timeout: 10s
history:
  backend: redis
  limit: 50
redis:
  addr: "redis:6379"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

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
	if cfg.Evaluator.Timeout != 2*time.Second {
		t.Errorf("Evaluator.Timeout = %s, want 2s", cfg.Evaluator.Timeout)
	}
	if cfg.Evaluator.DrainWindow != 500*time.Millisecond {
		t.Errorf("Evaluator.DrainWindow = %s, want 500ms", cfg.Evaluator.DrainWindow)
	}
	if cfg.Supervisor.Interpreter != "/usr/bin/nodejs" {
		t.Errorf("Supervisor.Interpreter = %q", cfg.Supervisor.Interpreter)
	}
	if cfg.Supervisor.Timeout != 10*time.Second {
		t.Errorf("Supervisor.Timeout = %s, want 10s", cfg.Supervisor.Timeout)
	}
	if cfg.History.Backend != "redis" || cfg.History.Limit != 50 {
		t.Errorf("History = %+v", cfg.History)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	// Unset sections keep their defaults.
	if cfg.Evaluator.MaxLogEntries != 10000 {
		t.Errorf("Evaluator.MaxLogEntries = %d, want default 10000", cfg.Evaluator.MaxLogEntries)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("NODE_BINARY", "/opt/node/bin/node")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://db/runs")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Supervisor.Interpreter != "/opt/node/bin/node" {
		t.Errorf("Supervisor.Interpreter = %q", cfg.Supervisor.Interpreter)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.DSN != "postgres://db/runs" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Redis.Addr != "cache:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	t.Setenv("PORT", "eighty")
	if err := DefaultConfig().ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	want = "127.0.0.1:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
