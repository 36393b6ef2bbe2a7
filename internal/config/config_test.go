package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-client
transport:
  mode: oneshot
  rest_url: https://api.testnet.blinktrade.com/tapi/v1/message
  timeout: 5s
protocol:
  id_fields: [TestReqID, ClOrdID]
dispatch:
  queue_size: 128
journal:
  keys: ["type:8", "type:f"]
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-client" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-client")
	}
	if cfg.Transport.Mode != ModeOneShot {
		t.Errorf("Transport.Mode = %q, want %q", cfg.Transport.Mode, ModeOneShot)
	}
	if cfg.Transport.Timeout != 5*time.Second {
		t.Errorf("Transport.Timeout = %v, want 5s", cfg.Transport.Timeout)
	}
	if len(cfg.Protocol.IDFields) != 2 || cfg.Protocol.IDFields[1] != "ClOrdID" {
		t.Errorf("Protocol.IDFields = %v, want [TestReqID ClOrdID]", cfg.Protocol.IDFields)
	}
	if cfg.Dispatch.QueueSize != 128 {
		t.Errorf("Dispatch.QueueSize = %d, want 128", cfg.Dispatch.QueueSize)
	}
	if len(cfg.Journal.Keys) != 2 {
		t.Errorf("Journal.Keys = %v, want 2 keys", cfg.Journal.Keys)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_API_SECRET", "secret123")
	t.Setenv("TEST_DB_PASSWORD", "dbpass")

	yaml := `
instance:
  id: test-client
transport:
  api_key: key
  api_secret: ${TEST_API_SECRET}
journal:
  database:
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Transport.APISecret != "secret123" {
		t.Errorf("Transport.APISecret = %q, want %q", cfg.Transport.APISecret, "secret123")
	}
	if cfg.Journal.Database.Password != "dbpass" {
		t.Errorf("Journal.Database.Password = %q, want %q", cfg.Journal.Database.Password, "dbpass")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeTempFile(t, "instance: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Load error = %v, want parse error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-client
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Transport.Mode != DefaultMode {
		t.Errorf("Transport.Mode = %q, want default %q", cfg.Transport.Mode, DefaultMode)
	}
	if cfg.Transport.WSURL != DefaultWSURL {
		t.Errorf("Transport.WSURL = %q, want default %q", cfg.Transport.WSURL, DefaultWSURL)
	}
	if cfg.Transport.Timeout != DefaultTimeout {
		t.Errorf("Transport.Timeout = %v, want default %v", cfg.Transport.Timeout, DefaultTimeout)
	}
	if cfg.Protocol.TypeField != "MsgType" {
		t.Errorf("Protocol.TypeField = %q, want MsgType", cfg.Protocol.TypeField)
	}
	if len(cfg.Protocol.IDFields) == 0 {
		t.Error("Protocol.IDFields should default to the BlinkTrade fields")
	}
	if cfg.Reconnect.MaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("Reconnect.MaxDelay = %v, want default %v", cfg.Reconnect.MaxDelay, DefaultReconnectMaxDelay)
	}
	if cfg.Journal.Database.Port != DefaultDBPort {
		t.Errorf("Journal.Database.Port = %d, want default %d", cfg.Journal.Database.Port, DefaultDBPort)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, DefaultLogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "transport:\n  mode: stream\n")

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "instance.id is required") {
		t.Errorf("error = %q, want instance.id message", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.Instance.ID = "test"
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Transport.Mode = "carrier-pigeon" },
			wantErr: `transport.mode must be "stream" or "oneshot", got "carrier-pigeon"`,
		},
		{
			name:    "secret and secret file",
			mutate:  func(c *Config) { c.Transport.APIKey, c.Transport.APISecret, c.Transport.APISecretFile = "k", "s", "/tmp/s" },
			wantErr: "transport.api_secret and api_secret_file are mutually exclusive",
		},
		{
			name:    "key without secret",
			mutate:  func(c *Config) { c.Transport.APIKey = "k" },
			wantErr: "transport.api_secret or api_secret_file is required when api_key is set",
		},
		{
			name:    "secret without key",
			mutate:  func(c *Config) { c.Transport.APISecret = "s" },
			wantErr: "transport.api_key is required when a secret is set",
		},
		{
			name:    "negative queue size",
			mutate:  func(c *Config) { c.Dispatch.QueueSize = -1 },
			wantErr: "dispatch.queue_size must be >= 0",
		},
		{
			name:    "max delay below base",
			mutate:  func(c *Config) { c.Reconnect.BaseDelay, c.Reconnect.MaxDelay = 10*time.Second, time.Second },
			wantErr: "reconnect.max_delay (1s) cannot be less than base_delay (10s)",
		},
		{
			name:    "journal missing db host",
			mutate:  func(c *Config) { c.Journal.Enabled = true },
			wantErr: "journal.database.host is required",
		},
		{
			name: "journal min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Journal.Enabled = true
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "journal.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name: "journal without keys",
			mutate: func(c *Config) {
				c.Journal.Enabled = true
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 1}
			},
			wantErr: "journal.keys must not be empty when journal is enabled",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: `log.level must be one of debug, info, warn, error, got "loud"`,
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "valid journal config",
			mutate: func(c *Config) {
				c.Journal.Enabled = true
				c.Journal.Keys = []string{"type:8"}
				c.Journal.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 10, MinConns: 2}
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestProtocolConfig_Codec(t *testing.T) {
	var c Config
	c.applyDefaults()
	c.Protocol.ErrorTypes = []string{"ERROR", "REJECT"}

	proto := c.Protocol.Codec()
	if proto.TypeField != "MsgType" {
		t.Errorf("TypeField = %q, want MsgType", proto.TypeField)
	}
	if !proto.IsError("REJECT") {
		t.Error("expected REJECT to be an error type")
	}

	// The returned protocol must not alias the config slices.
	proto.IDFields[0] = "changed"
	if c.Protocol.IDFields[0] == "changed" {
		t.Error("Codec() aliased IDFields")
	}
}

func TestLogConfig_SlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := (LogConfig{Level: tt.level}).SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
