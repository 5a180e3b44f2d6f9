package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	u, err := url.Parse(c.Server.Origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server.origin must be an http(s) URL, got %q", c.Server.Origin)
	}

	if c.Session.TokenFile == "" && c.Session.Email == "" {
		return errors.New("session.token_file or session.email is required")
	}
	if c.Session.Email != "" && c.Session.Password == "" {
		return errors.New("session.password is required with session.email")
	}

	if c.Channel.MaxAttempts < 0 {
		return errors.New("channel.max_attempts must be >= 0")
	}
	if c.Channel.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("channel.reconnect_base_delay must be positive, got %v", c.Channel.ReconnectBaseDelay)
	}
	if c.Channel.ReconnectMaxDelay < c.Channel.ReconnectBaseDelay {
		return fmt.Errorf("channel.reconnect_max_delay (%v) cannot be below reconnect_base_delay (%v)",
			c.Channel.ReconnectMaxDelay, c.Channel.ReconnectBaseDelay)
	}
	if c.Channel.BufferSize < 1 {
		return errors.New("channel.buffer_size must be >= 1")
	}

	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive, got %v", c.Refresh.Interval)
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("refresh.timeout must be positive, got %v", c.Refresh.Timeout)
	}
	if c.Refresh.Concurrency < 1 {
		return errors.New("refresh.concurrency must be >= 1")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Postgres.validate("journal.postgres"); err != nil {
			return err
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
