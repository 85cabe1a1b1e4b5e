// Package config provides YAML-based configuration loading for pairlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPort is the channel port both peers agree on out of the box.
const DefaultPort = 8975

// Config is the root application configuration.
type Config struct {
	// DeviceName is the human-readable name announced to the peer
	DeviceName string `mapstructure:"device_name"`

	// DataDir base directory for the journal and received files
	DataDir string `mapstructure:"data_dir"`

	// Secret is the shared channel secret; empty uses the built-in one
	Secret string `mapstructure:"secret"`

	// Channel holds transport settings
	Channel ChannelConfig `mapstructure:"channel"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// ChannelConfig defines how the channel reaches the owner device.
type ChannelConfig struct {
	// Host the owner binds to; empty binds every interface
	Host string `mapstructure:"host"`

	// Port the owner listens on and the client probes
	Port int `mapstructure:"port"`

	// ReconnectMS is the fixed delay between connection attempts
	ReconnectMS int `mapstructure:"reconnect_ms"`

	// DownloadDir is where received files land; empty derives from DataDir
	DownloadDir string `mapstructure:"download_dir"`

	// CancelOnError releases the channel fully on socket errors
	CancelOnError bool `mapstructure:"cancel_on_error"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "pairlink-device"
	}

	return &Config{
		DeviceName: name,
		DataDir:    "./data",
		Channel: ChannelConfig{
			Port:        DefaultPort,
			ReconnectMS: 2000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix PAIRLINK and `.`/`-`
// are replaced with `_`. Example: PAIRLINK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAIRLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("device_name", cfg.DeviceName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("secret", cfg.Secret)
	v.SetDefault("channel.host", cfg.Channel.Host)
	v.SetDefault("channel.port", cfg.Channel.Port)
	v.SetDefault("channel.reconnect_ms", cfg.Channel.ReconnectMS)
	v.SetDefault("channel.download_dir", cfg.Channel.DownloadDir)
	v.SetDefault("channel.cancel_on_error", cfg.Channel.CancelOnError)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	if path == "" {
		if envPath := os.Getenv("PAIRLINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pairlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pairlink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "", "text", "json":
		if c.Log.Format == "" {
			c.Log.Format = "text"
		}
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}

	if c.Channel.Port <= 0 || c.Channel.Port > 65535 {
		return fmt.Errorf("invalid channel.port: %d", c.Channel.Port)
	}
	if c.Channel.ReconnectMS <= 0 {
		c.Channel.ReconnectMS = 2000
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		c.DeviceName = "pairlink-device"
	}
	if c.Channel.DownloadDir == "" {
		c.Channel.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
