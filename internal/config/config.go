// Package config loads the gombus configuration. Environment variables
// override the YAML file, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration of the gombus command.
type Config struct {
	Serial   SerialConfig   `mapstructure:"serial"`
	Link     LinkConfig     `mapstructure:"link"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// SerialConfig selects the wired bus interface.
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baudRate"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// LinkConfig bounds link sessions.
type LinkConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"maxRetries"`
	MaxTelegrams int           `mapstructure:"maxTelegrams"`
}

// CacheConfig sizes the compact template cache.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SecurityConfig selects key material and decode policy.
type SecurityConfig struct {
	KeyFile       string `mapstructure:"keyFile"`
	DefaultKey    string `mapstructure:"defaultKey"`
	LowConfidence bool   `mapstructure:"lowConfidence"`
	Mode5Cipher   string `mapstructure:"mode5Cipher"`

	// AllowStrippedCRC accepts wireless telegrams without block CRCs.
	AllowStrippedCRC bool `mapstructure:"allowStrippedCRC"`
}

// LoggerConfig configures logging output.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	FilePath   string `mapstructure:"filePath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig enables the prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// RedisConfig locates the compact template snapshot. An empty Address
// disables snapshots.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// EnvPrefix prefixes environment overrides, e.g. GOMBUS_LINK_TIMEOUT.
const EnvPrefix = "GOMBUS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.baudRate", 2400)
	v.SetDefault("serial.readTimeout", "100ms")
	v.SetDefault("link.timeout", "500ms")
	v.SetDefault("link.maxRetries", 3)
	v.SetDefault("link.maxTelegrams", 16)
	v.SetDefault("cache.capacity", 128)
	v.SetDefault("security.allowStrippedCRC", false)
	v.SetDefault("security.mode5Cipher", "cbc")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.maxSizeMB", 10)
	v.SetDefault("logger.maxBackups", 3)
	v.SetDefault("logger.maxAgeDays", 28)
	v.SetDefault("redis.key", "gombus:compact")
	// Zero defaults register the keys for environment overrides.
	v.SetDefault("serial.port", "")
	v.SetDefault("security.keyFile", "")
	v.SetDefault("security.defaultKey", "")
	v.SetDefault("security.lowConfidence", false)
	v.SetDefault("logger.filePath", "")
	v.SetDefault("logger.compress", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path, which may be empty, and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Link.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("link.timeout must be positive, got %s", c.Link.Timeout))
	}
	if c.Link.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("link.maxRetries must not be negative, got %d", c.Link.MaxRetries))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity))
	}
	switch c.Security.Mode5Cipher {
	case "cbc", "ctr":
	default:
		errs = append(errs, fmt.Errorf("security.mode5Cipher must be cbc or ctr, got %q", c.Security.Mode5Cipher))
	}
	switch strings.ToLower(c.Logger.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logger.format must be text or json, got %q", c.Logger.Format))
	}
	return errors.Join(errs...)
}
