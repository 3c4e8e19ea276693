// Package config loads configuration from flags, an optional config file and
// TREESYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

// Keys shared by the viper instance and the CLI flags.
const (
	KeyConfigFile   = "config"
	KeyWorkspace    = "workspace"
	KeyLogLevel     = "log-level"
	KeyLogFormat    = "log-format"
	KeyLogFile      = "log-file"
	KeyMetricsAddr  = "metrics-addr"
	KeyDebounce     = "debounce"
	KeyWatchMode    = "watch-mode"
	KeyPollInterval = "poll-interval"
	KeyBatchWindow  = "batch-window"
	KeyExclude      = "exclude"
	KeyPreferences  = "preferences"
	KeyExpandDepth  = "depth"
)

// EnvPrefix is the prefix of environment overrides (TREESYNC_LOG_LEVEL, ...).
const EnvPrefix = "TREESYNC"

// Config holds the treesync configuration.
type Config struct {
	// Workspace
	WorkspacePath   string
	PreferencesFile string
	ExpandDepth     int

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics (empty = disabled)
	MetricsAddr string

	// Watching
	DebounceDelay time.Duration
	WatchMode     string
	PollInterval  time.Duration
	BatchWindow   time.Duration
	WatchExcludes []string
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyDebounce, 150*time.Millisecond)
	v.SetDefault(KeyWatchMode, "fsnotify")
	v.SetDefault(KeyPollInterval, 2*time.Second)
	v.SetDefault(KeyBatchWindow, 50*time.Millisecond)
	v.SetDefault(KeyExpandDepth, -1)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v. When a config file is set it is read
// first; flags and environment variables still take precedence.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		WorkspacePath:   v.GetString(KeyWorkspace),
		PreferencesFile: v.GetString(KeyPreferences),
		ExpandDepth:     v.GetInt(KeyExpandDepth),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
		LogFile:         v.GetString(KeyLogFile),
		MetricsAddr:     v.GetString(KeyMetricsAddr),
		DebounceDelay:   v.GetDuration(KeyDebounce),
		WatchMode:       v.GetString(KeyWatchMode),
		PollInterval:    v.GetDuration(KeyPollInterval),
		BatchWindow:     v.GetDuration(KeyBatchWindow),
		WatchExcludes:   splitList(v.GetStringSlice(KeyExclude)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace is required (--workspace or %s_WORKSPACE)", EnvPrefix)
	}
	switch c.WatchMode {
	case "fsnotify", "poll":
	default:
		return fmt.Errorf("watch-mode must be fsnotify or poll, got %q", c.WatchMode)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log-format must be console or json, got %q", c.LogFormat)
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.DebounceDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval)
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("batch-window must be positive, got %s", c.BatchWindow)
	}
	for _, p := range c.WatchExcludes {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return nil
}

// splitList accepts both repeated values and comma separated lists.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
