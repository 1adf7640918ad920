// Package config defines runtime configuration for the Atrium server.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables on top. A final sanitize pass backfills any
// value that is still unset or out of range, so a zero-configuration start
// always works.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all server settings, including the WebSocket security
// controls and the persistence paths.
type Config struct {
	// Port is the TCP port to listen on, with or without a leading colon.
	Port string `env:"PORT" yaml:"port"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," yaml:"allowed_origins"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" yaml:"max_message_size"`

	RateLimitBurst    int           `env:"RATE_LIMIT_BURST" yaml:"rate_limit_burst"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL" yaml:"rate_limit_interval"`

	// PingInterval is how often the server pings each connection;
	// PongWait is how long a connection may stay silent before it is
	// treated as dead. PongWait must exceed PingInterval.
	PingInterval time.Duration `env:"PING_INTERVAL" yaml:"ping_interval"`
	PongWait     time.Duration `env:"PONG_WAIT" yaml:"pong_wait"`

	// SendQueueSize bounds the per-connection outbound queue; a client
	// that falls this many messages behind is disconnected.
	SendQueueSize int `env:"SEND_QUEUE_SIZE" yaml:"send_queue_size"`

	AccountsPath     string        `env:"ACCOUNTS_PATH" yaml:"accounts_path"`
	PosesPath        string        `env:"POSES_PATH" yaml:"poses_path"`
	AutosaveInterval time.Duration `env:"AUTOSAVE_INTERVAL" yaml:"autosave_interval"`

	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              "8080",
		AllowedOrigins:    []string{"*"},
		MaxMessageSize:    1024,
		RateLimitBurst:    120,
		RateLimitInterval: time.Second,
		PingInterval:      20 * time.Second,
		PongWait:          40 * time.Second,
		SendQueueSize:     256,
		AccountsPath:      "users.json",
		PosesPath:         "poses.json",
		AutosaveInterval:  5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds the effective configuration. path names an optional YAML file;
// an empty path skips the file layer. Environment variables override file
// values, and missing values fall back to defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.sanitize()
	return cfg, nil
}

func (c *Config) sanitize() {
	def := Default()

	if strings.TrimSpace(c.Port) == "" {
		c.Port = def.Port
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = def.RateLimitBurst
	}
	if c.RateLimitInterval <= 0 {
		c.RateLimitInterval = def.RateLimitInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if strings.TrimSpace(c.AccountsPath) == "" {
		c.AccountsPath = def.AccountsPath
	}
	if strings.TrimSpace(c.PosesPath) == "" {
		c.PosesPath = def.PosesPath
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = def.AutosaveInterval
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = def.LogFormat
	}
}

// Addr returns the listen address for net/http, normalizing a bare port
// number ("8080") and an address form (":8080") to the latter.
func (c Config) Addr() string {
	port := strings.TrimSpace(c.Port)
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
