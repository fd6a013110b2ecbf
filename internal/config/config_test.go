package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Server.Timeout != 30*time.Second {
			t.Errorf("timeout = %v, want 30s", cfg.Server.Timeout)
		}
		if cfg.Storage.Type != "memory" {
			t.Errorf("storage type = %q, want memory", cfg.Storage.Type)
		}
		if cfg.Telemetry.SampleRatio != 1 {
			t.Errorf("sample ratio = %v, want 1", cfg.Telemetry.SampleRatio)
		}
		if cfg.Agent.Path != "/v1/agents/{agent}/run" {
			t.Errorf("agent path = %q", cfg.Agent.Path)
		}
		if cfg.Normalize.LegacyFallback {
			t.Error("legacy fallback should be off by default")
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("AGENTSTREAM_SERVER__PORT", "9000")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
	})

	t.Run("file with env substitution", func(t *testing.T) {
		t.Setenv("TEST_AGENT_KEY", "sk-test")
		t.Setenv("AGENTSTREAM_LOG__LEVEL", "debug")
		path := writeConfig(t, `
server:
  port: 7000
  timeout: 5s
agent:
  base_url: https://agents.example.test
  api_key: ${TEST_AGENT_KEY}
storage:
  type: sqlite
  dsn: /tmp/agentstream.db
normalize:
  legacy_fallback: true
`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 7000 || cfg.Server.Timeout != 5*time.Second {
			t.Errorf("server = %+v", cfg.Server)
		}
		if cfg.Agent.APIKey != "sk-test" {
			t.Errorf("api key = %q, want substituted", cfg.Agent.APIKey)
		}
		if cfg.Agent.BaseURL != "https://agents.example.test" {
			t.Errorf("base url = %q", cfg.Agent.BaseURL)
		}
		if !cfg.Normalize.LegacyFallback {
			t.Error("legacy fallback not read from file")
		}
		level, err := cfg.Log.SlogLevel()
		if err != nil || level != slog.LevelDebug {
			t.Errorf("level = %v, %v; want debug", level, err)
		}
	})

	t.Run("explicit missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("Load() error = nil, want error for missing explicit file")
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage: StorageConfig{Type: "memory"},
			Log:     LogConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"sqlite without dsn", func(c *Config) { c.Storage.Type = "sqlite" }, true},
		{"postgres with dsn", func(c *Config) { c.Storage = StorageConfig{Type: "postgres", DSN: "postgres://x"} }, false},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mysql" }, true},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"partial sampling", func(c *Config) { c.Telemetry.SampleRatio = 0.1 }, false},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "${TEST_VAR}", "test-value"},
		{"substitution in string", "prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"no substitution", "plain-string", "plain-string"},
		{"undefined var", "${UNDEFINED_AGENTSTREAM_VAR}", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
