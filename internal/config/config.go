// Package config handles termbridge configuration using Viper.
//
// Configuration sources (in priority order):
//  1. Command-line flags bound with BindFlags
//  2. Environment variables (TERMBRIDGE_*)
//  3. Config file (~/.config/termbridge/config.yaml or --config)
//  4. Built-in defaults
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/choonkeat/termbridge/internal/agent"
)

const (
	DefaultListen          = "127.0.0.1:9898"
	DefaultLogLevel        = "info"
	DefaultIdleTimeout     = 1500 * time.Millisecond
	DefaultIdleGrace       = 3 * time.Second
	DefaultTerminateGrace  = 3 * time.Second
	DefaultIdentityHeader  = "X-Forwarded-User"
	DefaultTelemetryTarget = "localhost:4318"
)

// Keys.
const (
	KeyListen            = "listen"
	KeyLogLevel          = "log.level"
	KeyLogFormat         = "log.format"
	KeyLogFile           = "log.file"
	KeyIdleTimeout       = "idle.timeout"
	KeyIdleGrace         = "idle.grace"
	KeyTerminateGrace    = "pty.terminate_grace"
	KeyShell             = "pty.shell"
	KeyAgentsFile        = "agents.file"
	KeyIdentityHeader    = "identity.header"
	KeyTelemetryEnabled  = "telemetry.enabled"
	KeyTelemetryEndpoint = "telemetry.endpoint"
)

// Config holds the termbridge configuration.
type Config struct {
	v *viper.Viper

	watchOnce sync.Once
}

// Load reads configuration from all sources. An explicit path must exist;
// the default config file is optional.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault(KeyListen, DefaultListen)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, "")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyIdleTimeout, DefaultIdleTimeout)
	v.SetDefault(KeyIdleGrace, DefaultIdleGrace)
	v.SetDefault(KeyTerminateGrace, DefaultTerminateGrace)
	v.SetDefault(KeyShell, "")
	v.SetDefault(KeyAgentsFile, "")
	v.SetDefault(KeyIdentityHeader, DefaultIdentityHeader)
	v.SetDefault(KeyTelemetryEnabled, false)
	v.SetDefault(KeyTelemetryEndpoint, DefaultTelemetryTarget)

	if path != "" {
		v.SetConfigFile(path)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "termbridge"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TERMBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyTelemetryEnabled, "TERMBRIDGE_TELEMETRY_ENABLED", "OTEL_ENABLED")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":          KeyListen,
	"log-level":       KeyLogLevel,
	"log-format":      KeyLogFormat,
	"log-file":        KeyLogFile,
	"agents":          KeyAgentsFile,
	"shell":           KeyShell,
	"terminate-grace": KeyTerminateGrace,
	"identity-header": KeyIdentityHeader,
}

// BindFlags makes the known flags in fs override every other source.
// Flags that fs does not define are skipped.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// File returns the config file in use, or "".
func (c *Config) File() string { return c.v.ConfigFileUsed() }

// Watch calls onChange whenever the config file is written. It does
// nothing when no config file is in use.
func (c *Config) Watch(onChange func(fsnotify.Event)) {
	if c.File() == "" {
		return
	}
	c.watchOnce.Do(func() {
		c.v.OnConfigChange(onChange)
		c.v.WatchConfig()
	})
}

// Set overrides a value in memory.
func (c *Config) Set(key string, value any) { c.v.Set(key, value) }

// All returns all configuration as a map.
func (c *Config) All() map[string]any { return c.v.AllSettings() }

func (c *Config) Listen() string            { return c.v.GetString(KeyListen) }
func (c *Config) LogLevel() string          { return c.v.GetString(KeyLogLevel) }
func (c *Config) LogFormat() string         { return c.v.GetString(KeyLogFormat) }
func (c *Config) LogFile() string           { return c.v.GetString(KeyLogFile) }
func (c *Config) Shell() string             { return c.v.GetString(KeyShell) }
func (c *Config) AgentsFile() string        { return c.v.GetString(KeyAgentsFile) }
func (c *Config) IdentityHeader() string    { return c.v.GetString(KeyIdentityHeader) }
func (c *Config) TelemetryEnabled() bool    { return c.v.GetBool(KeyTelemetryEnabled) }
func (c *Config) TelemetryEndpoint() string { return c.v.GetString(KeyTelemetryEndpoint) }

func (c *Config) IdleTimeout() time.Duration {
	return c.duration(KeyIdleTimeout, DefaultIdleTimeout)
}

func (c *Config) IdleGrace() time.Duration {
	return c.duration(KeyIdleGrace, DefaultIdleGrace)
}

func (c *Config) TerminateGrace() time.Duration {
	return c.duration(KeyTerminateGrace, DefaultTerminateGrace)
}

// duration reads key, falling back to def for unset, unparsable or
// non-positive values.
func (c *Config) duration(key string, def time.Duration) time.Duration {
	d := c.v.GetDuration(key)
	if d <= 0 {
		return def
	}
	return d
}

// AgentTable loads the agent table named by agents.file, or returns the
// built-in table when none is configured.
func (c *Config) AgentTable() (*agent.Table, error) {
	path := c.agentsPath()
	if path == "" {
		return agent.DefaultTable(), nil
	}
	return agent.LoadFile(path)
}

// agentsPath returns the agents file with a leading ~/ expanded.
func (c *Config) agentsPath() string {
	path := c.AgentsFile()
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(path)
}

// WatchAgents reloads the agent table whenever the agents file changes and
// passes the result to onChange. It returns once ctx is done. With no
// agents file configured it returns immediately.
func (c *Config) WatchAgents(ctx context.Context, onChange func(*agent.Table, error)) error {
	path := c.agentsPath()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch agents file: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch agents file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			onChange(agent.LoadFile(path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onChange(nil, fmt.Errorf("watch agents file: %w", err))
		}
	}
}
