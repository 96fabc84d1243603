package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Plugin   PluginConfig   `mapstructure:"plugin"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Temporal TemporalConfig `mapstructure:"temporal"`
}

type PluginConfig struct {
	// Agent is recorded in the history of every entity the plugin changes.
	Agent string `mapstructure:"agent"`
	// Workdir holds package.json and node_modules.
	Workdir string `mapstructure:"workdir"`
	// Install is the npm executable used by build.
	Install string `mapstructure:"install"`
	// MaxSessions is the number of sessions past which health is degraded.
	MaxSessions int `mapstructure:"max_sessions"`
}

type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	Addr      string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("plugin.agent", "jesta")
	v.SetDefault("plugin.workdir", ".")
	v.SetDefault("plugin.install", "npm")
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.addr", "127.0.0.1:2000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "jesta")
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	switch c.Server.Transport {
	case "", "stdio", "http":
	default:
		warnings = append(warnings, fmt.Sprintf("server transport '%s' is unknown; stdio and http are supported", c.Server.Transport))
	}
	if c.Server.Transport == "http" && c.Server.Addr == "" {
		warnings = append(warnings, "server transport is http but addr is empty")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		warnings = append(warnings, err.Error())
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("log format '%s' is unknown; text and json are supported", c.Log.Format))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	if c.Graph.URI != "" && c.Graph.Username == "" {
		warnings = append(warnings, "graph uri is configured but username is empty")
	}

	if c.Plugin.MaxSessions < 0 {
		warnings = append(warnings, fmt.Sprintf("plugin max_sessions %d is negative", c.Plugin.MaxSessions))
	}

	return warnings
}

// Load reads configuration from an optional file and the environment.
// Environment variables are prefixed with JESTA_, e.g. JESTA_LOG_LEVEL.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JESTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// ParseLevel converts a level name to a slog level. The empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level '%s' is unknown", name)
	}
	return level, nil
}

// NewLogger builds the logger described by c. Logs go to w, which should
// not be stdout when stdout carries the protocol.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
