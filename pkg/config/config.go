// Package config provides YAML-based configuration loading for nucleus nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the root node configuration.
type Config struct {
	// AppName optional logical name of the node process
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for the file disk engine and remote copies
	DataDir string `mapstructure:"data_dir"`

	// NodeID identifies the node in logs and in outgoing message headers
	NodeID string `mapstructure:"node_id"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transports lists the byte-stream transports the rpc engine may use.
	// The first entry with a listen address becomes the primary address.
	Transports []TransportConfig `mapstructure:"transports"`

	// Pools declares the thread pools known to the scheduler.
	Pools []PoolConfig `mapstructure:"pools"`

	// RPC tunes the rpc engine.
	RPC RPCConfig `mapstructure:"rpc"`

	// Tracker sets the bucket count for task trackers created by the node.
	Tracker TrackerConfig `mapstructure:"tracker"`

	// Disk selects the pool used for aio completions.
	Disk DiskConfig `mapstructure:"disk"`

	// Apps are the application roles started with the node.
	Apps []AppConfig `mapstructure:"apps"`

	// SectionsFile optional TOML file exposed to apps through a Provider.
	SectionsFile string `mapstructure:"sections_file"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RPCConfig tunes the rpc engine.
type RPCConfig struct {
	// DefaultTimeoutMS applies to requests created without an explicit timeout.
	DefaultTimeoutMS int `mapstructure:"default_timeout_ms"`
	// DialTimeoutMS bounds connection establishment to a remote address.
	DialTimeoutMS int `mapstructure:"dial_timeout_ms"`
	// Parser selects the wire format: frame or cbor.
	Parser string `mapstructure:"parser"`
	// MaxMessageBytes rejects larger inbound messages.
	MaxMessageBytes int `mapstructure:"max_message_bytes"`
	// Pool runs the node's built-in rpc codes and is handed to apps that
	// register rpc codes without a pool of their own.
	Pool string `mapstructure:"pool"`
}

// TrackerConfig sets tracker sizing.
type TrackerConfig struct {
	Buckets int `mapstructure:"buckets"`
}

// DiskConfig configures the file disk engine.
type DiskConfig struct {
	Pool string `mapstructure:"pool"`
}

// AppConfig names an application role registered in code and how to start it.
type AppConfig struct {
	Name string   `mapstructure:"name"`
	Role string   `mapstructure:"role"`
	Pool string   `mapstructure:"pool"`
	Args []string `mapstructure:"args"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "nucleus-node",
		DataDir: "./data",
		NodeID:  "node-" + uuid.NewString(),
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/nucleus.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transports: []TransportConfig{
			{
				Kind:   "tcp",
				Listen: []string{":34801"},
			},
		},
		Pools: []PoolConfig{
			{Name: DefaultPool, Workers: 4},
		},
		RPC: RPCConfig{
			DefaultTimeoutMS: 5000,
			DialTimeoutMS:    3000,
			Parser:           "frame",
			MaxMessageBytes:  64 << 20,
			Pool:             DefaultPool,
		},
		Tracker: TrackerConfig{Buckets: 13},
		Disk:    DiskConfig{Pool: DefaultPool},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix NUCLEUS and `.`/`-` are replaced with `_`.
// Example: NUCLEUS_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NUCLEUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("pools", cfg.Pools)
	v.SetDefault("rpc.default_timeout_ms", cfg.RPC.DefaultTimeoutMS)
	v.SetDefault("rpc.dial_timeout_ms", cfg.RPC.DialTimeoutMS)
	v.SetDefault("rpc.parser", cfg.RPC.Parser)
	v.SetDefault("rpc.max_message_bytes", cfg.RPC.MaxMessageBytes)
	v.SetDefault("rpc.pool", cfg.RPC.Pool)
	v.SetDefault("tracker.buckets", cfg.Tracker.Buckets)
	v.SetDefault("disk.pool", cfg.Disk.Pool)

	if path == "" {
		if envPath := os.Getenv("NUCLEUS_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nucleus")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".nucleus"))
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
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-" + uuid.NewString()
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
	}
	if err := c.validatePools(); err != nil {
		return err
	}

	c.RPC.Parser = strings.ToLower(strings.TrimSpace(c.RPC.Parser))
	switch c.RPC.Parser {
	case "":
		c.RPC.Parser = "frame"
	case "frame", "cbor":
	default:
		return fmt.Errorf("invalid rpc.parser: %q", c.RPC.Parser)
	}
	if c.RPC.DefaultTimeoutMS <= 0 {
		c.RPC.DefaultTimeoutMS = 5000
	}
	if c.RPC.Pool == "" {
		c.RPC.Pool = DefaultPool
	}
	if c.Tracker.Buckets <= 0 {
		c.Tracker.Buckets = 13
	}
	if c.Disk.Pool == "" {
		c.Disk.Pool = DefaultPool
	}
	for i, a := range c.Apps {
		if strings.TrimSpace(a.Role) == "" {
			return fmt.Errorf("apps[%d]: role is required", i)
		}
		if a.Name == "" {
			c.Apps[i].Name = a.Role
		}
		if a.Pool == "" {
			c.Apps[i].Pool = DefaultPool
		}
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
