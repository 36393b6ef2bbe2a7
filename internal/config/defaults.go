package config

import (
	"time"

	"github.com/rickgao/blinkmux/internal/codec"
)

// Default values for optional configuration fields.
const (
	DefaultMode               = ModeStream
	DefaultWSURL              = "wss://api.blinktrade.com/trade/"
	DefaultRestURL            = "https://api.blinktrade.com/tapi/v1/message"
	DefaultTimeout            = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 1 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 1000
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultJournalTable       = "pushes"
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultJournalBufferSize  = 10000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	// Transport defaults
	if c.Transport.Mode == "" {
		c.Transport.Mode = DefaultMode
	}
	if c.Transport.WSURL == "" {
		c.Transport.WSURL = DefaultWSURL
	}
	if c.Transport.RestURL == "" {
		c.Transport.RestURL = DefaultRestURL
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = DefaultTimeout
	}
	if c.Transport.MaxRetries == 0 {
		c.Transport.MaxRetries = DefaultMaxRetries
	}
	if c.Transport.RetryBackoff == 0 {
		c.Transport.RetryBackoff = DefaultRetryBackoff
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PingTimeout == 0 {
		c.Transport.PingTimeout = DefaultPingTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.BufferSize == 0 {
		c.Transport.BufferSize = DefaultBufferSize
	}

	applyProtocolDefaults(&c.Protocol)

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	// Journal defaults
	if c.Journal.Table == "" {
		c.Journal.Table = DefaultJournalTable
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}
	applyDBDefaults(&c.Journal.Database)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// applyProtocolDefaults fills unset protocol fields from the BlinkTrade layout.
func applyProtocolDefaults(p *ProtocolConfig) {
	d := codec.DefaultProtocol()
	if p.TypeField == "" {
		p.TypeField = d.TypeField
	}
	if len(p.IDFields) == 0 {
		p.IDFields = d.IDFields
	}
	if p.ColumnsField == "" {
		p.ColumnsField = d.ColumnsField
	}
	if p.GroupSuffix == "" {
		p.GroupSuffix = d.GroupSuffix
	}
	if len(p.ErrorTypes) == 0 {
		p.ErrorTypes = d.ErrorTypes
	}
	if p.FanoutFields == nil {
		p.FanoutFields = d.FanoutFields
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
