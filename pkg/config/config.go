// Package config loads the exchange server configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the exchange server configuration.
type Config struct {
	// Host and Port form the listen address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// Backend selects where mailboxes live: "local" (in this server
	// process) or "redis".
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`

	// RateRPS and RateBurst bound each client's request rate.
	// Zero RateRPS disables limiting.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	// RecvTimeout bounds a receive long poll without an explicit timeout.
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	// Tracing selects the trace exporter: "none" or "stdout".
	Tracing string `yaml:"tracing"`
}

// RedisConfig holds the Redis backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Load reads a YAML config file, applies defaults, and falls back to
// environment variables for unset connection settings.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
			c.Port = p
		} else {
			c.Port = 8700
		}
	}
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("ACADEMY_REDIS_ADDR")
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("ACADEMY_REDIS_PASSWORD")
	}
	if c.RecvTimeout == 0 {
		c.RecvTimeout = 30 * time.Second
	}
	if c.Tracing == "" {
		c.Tracing = "none"
	}
}

func (c *Config) validate() error {
	switch c.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires redis.addr or ACADEMY_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown backend %q (want local or redis)", c.Backend)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
