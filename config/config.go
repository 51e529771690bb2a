// Package config loads and validates the service configuration from a YAML
// file and SHOPFLOOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Seed    SeedConfig    `yaml:"seed"`
	Node    NodeConfig    `yaml:"node"`
	Rules   RulesConfig   `yaml:"rules"`
}

// ServerConfig describes the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Mode            string        `yaml:"mode"` // gin mode: debug, release or test
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// StorageConfig selects and configures the entity store.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	MinIdleConns   int           `yaml:"min_idle_conns"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	KeyPrefix      string        `yaml:"key_prefix"`
	ConnectRetries uint64        `yaml:"connect_retries"`
}

// LogConfig describes the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// SeedConfig controls loading the dashboard's sample records on startup.
type SeedConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path overrides the embedded fixture.
	Path string `yaml:"path"`
}

// NodeConfig identifies this process to the ID generator.
type NodeConfig struct {
	MachineID uint16 `yaml:"machine_id"`
}

// RulesConfig sizes the compiled expression cache.
type RulesConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Mode:            "release",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:           "localhost:6379",
				PoolSize:       10,
				MinIdleConns:   2,
				IdleTimeout:    5 * time.Minute,
				KeyPrefix:      "shopfloor:",
				ConnectRetries: 5,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Seed: SeedConfig{
			Enabled: true,
		},
		Node: NodeConfig{
			MachineID: 1,
		},
		Rules: RulesConfig{
			CacheSize: 512,
			CacheTTL:  30 * time.Minute,
		},
	}
}

// Load reads a YAML config file over Defaults, applies environment variable
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Sprintf("server.mode %q must be debug, release or test", c.Server.Mode))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be memory or redis", c.Storage.Driver))
	}
	if c.Rules.CacheSize < 1 {
		errs = append(errs, "rules.cache_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// envOverrides are the SHOPFLOOR_* environment variables Load honours. Only
// the most commonly overridden fields are supported.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string) error
}{
	{"SHOPFLOOR_SERVER_PORT", func(cfg *Config, v string) (err error) {
		cfg.Server.Port, err = cast.ToIntE(v)
		return err
	}},
	{"SHOPFLOOR_SERVER_MODE", func(cfg *Config, v string) error {
		cfg.Server.Mode = v
		return nil
	}},
	{"SHOPFLOOR_STORAGE_DRIVER", func(cfg *Config, v string) error {
		cfg.Storage.Driver = strings.ToLower(v)
		return nil
	}},
	{"SHOPFLOOR_REDIS_ADDR", func(cfg *Config, v string) error {
		cfg.Storage.Redis.Addr = v
		return nil
	}},
	{"SHOPFLOOR_REDIS_PASSWORD", func(cfg *Config, v string) error {
		cfg.Storage.Redis.Password = v
		return nil
	}},
	{"SHOPFLOOR_REDIS_DB", func(cfg *Config, v string) (err error) {
		cfg.Storage.Redis.DB, err = cast.ToIntE(v)
		return err
	}},
	{"SHOPFLOOR_LOG_LEVEL", func(cfg *Config, v string) error {
		cfg.Log.Level = v
		return nil
	}},
	{"SHOPFLOOR_SEED_ENABLED", func(cfg *Config, v string) (err error) {
		cfg.Seed.Enabled, err = cast.ToBoolE(v)
		return err
	}},
	{"SHOPFLOOR_NODE_MACHINE_ID", func(cfg *Config, v string) (err error) {
		cfg.Node.MachineID, err = cast.ToUint16E(v)
		return err
	}},
	{"SHOPFLOOR_RULES_CACHE_TTL", func(cfg *Config, v string) (err error) {
		cfg.Rules.CacheTTL, err = cast.ToDurationE(v)
		return err
	}},
}

// EnvVars lists the environment variables that override config values.
func EnvVars() []string {
	names := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		names[i] = o.name
	}
	return names
}

// applyEnvOverrides applies every set, non-empty override to cfg.
func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s=%q: %w", o.name, v, err)
		}
	}
	return nil
}
