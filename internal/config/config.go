package config

import "time"

// Config is the root configuration for a fieldwatch instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Channel  ChannelConfig  `yaml:"channel"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Journal  JournalConfig  `yaml:"journal"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds dashboard backend settings.
type ServerConfig struct {
	Origin     string        `yaml:"origin"`   // Page origin, e.g. https://agro.example.com
	WSPath     string        `yaml:"ws_path"`  // Realtime endpoint path on the origin host
	APIBase    string        `yaml:"api_base"` // REST base URL; defaults to origin
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SessionConfig tells fieldwatch where the bearer token lives and, optionally,
// how to obtain one.
type SessionConfig struct {
	TokenFile string `yaml:"token_file"` // Empty keeps the token in memory only
	Email     string `yaml:"email"`
	Password  string `yaml:"password"`
}

// ChannelConfig holds realtime channel settings.
type ChannelConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// RefreshConfig holds background query refresh settings.
type RefreshConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// JournalConfig holds the optional Postgres alert journal.
type JournalConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Postgres DBConfig `yaml:"postgres"`
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
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
