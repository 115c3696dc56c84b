package store

import (
	"fmt"
	"time"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures the KV driver.
type Config struct {
	// Driver is "redis" (default) or "memory".
	Driver string `mapstructure:"driver"`

	// KeyPrefix namespaces every key, e.g. "hw".
	KeyPrefix string `mapstructure:"key_prefix"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings. Durations are strings such
// as "3s" so they read naturally from YAML and env vars.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	MaxRetries   int    `mapstructure:"max_retries"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	TLS          bool   `mapstructure:"tls"`
}

// ApplyDefaults sets defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverRedis
	}
	r := &c.Redis
	if r.Addr == "" {
		r.Addr = "localhost:6379"
	}
	if r.PoolSize <= 0 {
		r.PoolSize = 20
	}
	if r.MinIdleConns <= 0 {
		r.MinIdleConns = 2
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.DialTimeout == "" {
		r.DialTimeout = "5s"
	}
	if r.ReadTimeout == "" {
		r.ReadTimeout = "3s"
	}
	if r.WriteTimeout == "" {
		r.WriteTimeout = "3s"
	}
}

// Validate checks the driver and parses durations.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
	default:
		return fmt.Errorf("store: unknown driver %q", c.Driver)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("store: redis addr is required")
	}
	for name, v := range map[string]string{
		"dial_timeout":  c.Redis.DialTimeout,
		"read_timeout":  c.Redis.ReadTimeout,
		"write_timeout": c.Redis.WriteTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("store: invalid %s %q: %w", name, v, err)
		}
	}
	return nil
}
