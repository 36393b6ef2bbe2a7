package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Transport.validate("transport"); err != nil {
		return err
	}

	if c.Protocol.TypeField == "" {
		return errors.New("protocol.type_field is required")
	}
	if len(c.Protocol.IDFields) == 0 {
		return errors.New("protocol.id_fields must not be empty")
	}

	if c.Dispatch.QueueSize < 0 {
		return errors.New("dispatch.queue_size must be >= 0")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < c.Journal.BatchSize {
			return fmt.Errorf("journal.buffer_size (%d) cannot be less than batch_size (%d)", c.Journal.BufferSize, c.Journal.BatchSize)
		}
		if len(c.Journal.Keys) == 0 {
			return errors.New("journal.keys must not be empty when journal is enabled")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (t *TransportConfig) validate(prefix string) error {
	switch t.Mode {
	case ModeStream:
		if t.WSURL == "" {
			return fmt.Errorf("%s.ws_url is required in stream mode", prefix)
		}
	case ModeOneShot:
		if t.RestURL == "" {
			return fmt.Errorf("%s.rest_url is required in oneshot mode", prefix)
		}
	default:
		return fmt.Errorf("%s.mode must be %q or %q, got %q", prefix, ModeStream, ModeOneShot, t.Mode)
	}

	if t.APISecret != "" && t.APISecretFile != "" {
		return fmt.Errorf("%s.api_secret and api_secret_file are mutually exclusive", prefix)
	}
	if t.APIKey == "" && (t.APISecret != "" || t.APISecretFile != "") {
		return fmt.Errorf("%s.api_key is required when a secret is set", prefix)
	}
	if t.APIKey != "" && t.APISecret == "" && t.APISecretFile == "" {
		return fmt.Errorf("%s.api_secret or api_secret_file is required when api_key is set", prefix)
	}

	if t.Timeout < 0 {
		return fmt.Errorf("%s.timeout must be >= 0", prefix)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", prefix)
	}
	if t.BufferSize < 1 {
		return fmt.Errorf("%s.buffer_size must be >= 1", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
