package pipemux

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the file/env configuration surface. Durations are milliseconds,
// matching the wire-level option names.
type Config struct {
	Log     LogConfig      `koanf:"log"`
	Client  ClientConfig   `koanf:"client"`
	Workers []WorkerConfig `koanf:"workers"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ClientConfig struct {
	TimeoutMs            int  `koanf:"timeout_ms"`
	AutoReconnect        bool `koanf:"auto_reconnect"`
	MaxReconnectAttempts int  `koanf:"max_reconnect_attempts"`
	ReconnectDelayMs     int  `koanf:"reconnect_delay_ms"`
	StartupDelayMs       int  `koanf:"startup_delay_ms"`
	HealthIntervalMs     int  `koanf:"health_interval_ms"`
}

type WorkerConfig struct {
	Name                 string   `koanf:"name"`
	Command              string   `koanf:"command"`
	Args                 []string `koanf:"args"`
	Dir                  string   `koanf:"dir"`
	TimeoutMs            int      `koanf:"timeout_ms"`
	MaxReconnectAttempts int      `koanf:"max_reconnect_attempts"`
}

// LoadConfig reads a YAML file (optional) and PIPEMUX_-prefixed environment
// overrides (PIPEMUX_CLIENT_TIMEOUT_MS -> client.timeout_ms).
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("client.timeout_ms", int(DefaultTimeout/time.Millisecond))
	k.Set("client.auto_reconnect", true)
	k.Set("client.max_reconnect_attempts", DefaultMaxReconnectAttempts)
	k.Set("client.reconnect_delay_ms", int(DefaultReconnectDelay/time.Millisecond))
	k.Set("client.startup_delay_ms", int(DefaultStartupDelay/time.Millisecond))
	k.Set("client.health_interval_ms", int(DefaultHealthInterval/time.Millisecond))

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("PIPEMUX_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PIPEMUX_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Options converts the client section to runtime options.
func (c *Config) Options() Options {
	return Options{
		Timeout:              time.Duration(c.Client.TimeoutMs) * time.Millisecond,
		AutoReconnect:        c.Client.AutoReconnect,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(c.Client.ReconnectDelayMs) * time.Millisecond,
		StartupDelay:         time.Duration(c.Client.StartupDelayMs) * time.Millisecond,
		HealthInterval:       time.Duration(c.Client.HealthIntervalMs) * time.Millisecond,
	}
}

// Definitions converts the workers section to worker definitions.
func (c *Config) Definitions() []WorkerDefinition {
	defs := make([]WorkerDefinition, 0, len(c.Workers))
	for _, w := range c.Workers {
		defs = append(defs, WorkerDefinition{
			Name:                 w.Name,
			Command:              w.Command,
			Args:                 w.Args,
			Dir:                  w.Dir,
			Timeout:              time.Duration(w.TimeoutMs) * time.Millisecond,
			MaxReconnectAttempts: w.MaxReconnectAttempts,
		})
	}
	return defs
}

// NewClientFromConfig builds a client with the configured logger and
// registers every configured worker.
func NewClientFromConfig(cfg *Config) (*Client, error) {
	logger := NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	client := NewClient(cfg.Options(), WithLogger(logger))
	for _, def := range cfg.Definitions() {
		if err := client.Register(def); err != nil {
			return nil, err
		}
	}
	return client, nil
}
