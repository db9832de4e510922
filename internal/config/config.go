// Package config handles configuration loading and management for Rivulet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig points the client at the streaming backend.
type ServerConfig struct {
	// URL is the backend base URL (http(s)://host[:port]); the WebSocket
	// endpoint is derived from it.
	URL string `yaml:"url"`
	// APIPrefix is prepended to all REST and WebSocket paths.
	// Default: "/api".
	APIPrefix string `yaml:"api_prefix"`
	// Token is the opaque auth token attached at connect time.
	Token string `yaml:"token"`
	// TokenFile reads the token from a file instead; takes precedence
	// over Token when both are set.
	TokenFile string `yaml:"token_file"`
}

// StreamConfig tunes reconnection and reassembly behavior.
type StreamConfig struct {
	// BackoffBaseMS is the first reconnect delay in milliseconds.
	// Default: 1000.
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	// BackoffMaxMS caps the exponential backoff. Default: 30000.
	BackoffMaxMS int `yaml:"backoff_max_ms"`
	// MaxAttempts is the ceiling of consecutive failed connection
	// attempts. Default: 10.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxPendingChunks bounds each conversation's reorder buffer.
	// Default: 256.
	MaxPendingChunks int `yaml:"max_pending_chunks"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the complete Rivulet configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

// Default returns the configuration defaults applied before any file or
// flag overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:       "http://127.0.0.1:8080",
			APIPrefix: "/api",
		},
		Stream: StreamConfig{
			BackoffBaseMS:    1000,
			BackoffMaxMS:     30000,
			MaxAttempts:      10,
			MaxPendingChunks: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// BackoffBase returns the configured base reconnect delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Stream.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the configured backoff cap.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Stream.BackoffMaxMS) * time.Millisecond
}

// ResolveToken resolves the effective auth token, reading TokenFile when
// set.
func (c *Config) ResolveToken() (string, error) {
	if c.Server.TokenFile != "" {
		data, err := os.ReadFile(c.Server.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return c.Server.Token, nil
}

// DefaultConfigPath returns the default configuration file path for the
// current platform. The RIVULETRC environment variable overrides it.
func DefaultConfigPath() string {
	if envPath := os.Getenv("RIVULETRC"); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, _ := os.UserHomeDir()
			configDir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(configDir, "rivulet", "config.yaml")
}

// Load reads and parses the configuration file at path, applying defaults
// for every unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads the configuration file if it exists, otherwise
// returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Parse parses YAML configuration data with defaults applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("config: server.url must not be empty")
	}
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("config: server.url must start with http:// or https://")
	}
	if c.Stream.BackoffBaseMS <= 0 {
		return fmt.Errorf("config: stream.backoff_base_ms must be positive")
	}
	if c.Stream.BackoffMaxMS < c.Stream.BackoffBaseMS {
		return fmt.Errorf("config: stream.backoff_max_ms must be >= backoff_base_ms")
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("config: stream.max_attempts must be positive")
	}
	return nil
}
