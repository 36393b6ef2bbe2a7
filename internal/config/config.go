package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/blinkmux/internal/codec"
)

// Transport modes.
const (
	ModeStream  = "stream"
	ModeOneShot = "oneshot"
)

// Config is the root configuration for a multiplexer client.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Transport TransportConfig `yaml:"transport"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// TransportConfig selects and configures the venue transport.
type TransportConfig struct {
	Mode          string        `yaml:"mode"` // "stream" or "oneshot"
	WSURL         string        `yaml:"ws_url"`
	RestURL       string        `yaml:"rest_url"`
	Origin        string        `yaml:"origin"`          // Handshake Origin header
	APIKey        string        `yaml:"api_key"`         // Sent in the APIKey header
	APISecret     string        `yaml:"api_secret"`      // HMAC secret, inline
	APISecretFile string        `yaml:"api_secret_file"` // HMAC secret, read from file
	Timeout       time.Duration `yaml:"timeout"`         // Default reply deadline
	MaxRetries    int           `yaml:"max_retries"`     // One-shot retries on retryable failures
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PingTimeout   time.Duration `yaml:"ping_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	BufferSize    int           `yaml:"buffer_size"` // Inbound frame buffer
}

// ProtocolConfig names the fields the core routes by.
type ProtocolConfig struct {
	TypeField    string              `yaml:"type_field"`
	IDFields     []string            `yaml:"id_fields"`
	ColumnsField string              `yaml:"columns_field"`
	GroupSuffix  string              `yaml:"group_suffix"`
	ErrorTypes   []string            `yaml:"error_types"`
	FanoutFields map[string][]string `yaml:"fanout_fields"`
}

// Codec returns the wire protocol described by p.
func (p ProtocolConfig) Codec() codec.Protocol {
	return codec.Protocol{
		TypeField:    p.TypeField,
		IDFields:     append([]string(nil), p.IDFields...),
		ColumnsField: p.ColumnsField,
		GroupSuffix:  p.GroupSuffix,
		ErrorTypes:   append([]string(nil), p.ErrorTypes...),
		FanoutFields: p.FanoutFields,
	}
}

// DispatchConfig holds push delivery settings.
type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"` // Per-subscriber queue (0 = deliver inline)
}

// ReconnectConfig holds session reconnect settings.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = retry forever
}

// JournalConfig holds push journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Table         string        `yaml:"table"`
	Keys          []string      `yaml:"keys"` // Subscription keys to record
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	AppName  string `yaml:"app_name"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel returns the slog level named by l.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
