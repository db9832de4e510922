// Package cmd provides the CLI commands for Rivulet.
package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/inlet-dev/rivulet/internal/client"
	"github.com/inlet-dev/rivulet/internal/config"
	"github.com/inlet-dev/rivulet/internal/logging"
)

var (
	// Global flags
	serverURL  string
	token      string
	configPath string
	logLevel   string
	logFile    string
	debug      bool

	// Loaded configuration. cfgPath is the file it came from; hot reloads
	// replace cfg through setConfig while a long-running command is up.
	cfgMu   sync.RWMutex
	cfg     *config.Config
	cfgPath string
)

func setConfig(c *config.Config) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	cfg = c
}

func currentConfig() *config.Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rivulet",
	Short: "Rivulet - a live view of streaming agent conversations",
	Long: `Rivulet maintains a consistent local view of concurrently streaming
agent conversations delivered over a single reconnecting WebSocket.

It reassembles each conversation's output in order despite chunks
arriving out of order or duplicated, survives disconnects, and tracks
which conversations have background work in flight.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		cfgPath = configPath
		if cfgPath == "" {
			cfgPath = config.DefaultConfigPath()
		}
		loaded, err := config.LoadOrDefault(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", cfgPath, err)
		}
		applyFlagOverrides(loaded)
		setConfig(loaded)

		if err := logging.Initialize(logConfigFrom(loaded)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "auth token (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "shorthand for --log-level debug")
}

// applyFlagOverrides layers command-line flags over file values.
func applyFlagOverrides(c *config.Config) {
	if serverURL != "" {
		c.Server.URL = serverURL
	}
	if token != "" {
		c.Server.Token = token
	}
	if logFile != "" {
		c.Log.File = logFile
	}
}

// logConfigFrom derives logging settings from a configuration, with the
// --log-level and --debug flags taking precedence over the file.
func logConfigFrom(c *config.Config) logging.Config {
	level := c.Log.Level
	if logLevel != "" {
		level = logLevel
	} else if debug {
		level = "debug"
	}

	out := logging.Config{
		Level: level,
		JSON:  c.Log.JSON,
	}
	if c.Log.File != "" {
		out.FileLog = &logging.FileLogConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
		}
	}
	return out
}

// newClient builds the REST/stream client from the effective configuration.
func newClient() (*client.Client, error) {
	tok, err := cfg.ResolveToken()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Server.URL,
		client.WithAPIPrefix(cfg.Server.APIPrefix),
		client.WithToken(tok),
	), nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
