package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration. Every field can come from the
// optional YAML config file, from ATSC_ prefixed environment variables, or
// from the built-in defaults.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Scenario   string `mapstructure:"scenario"`
	TickMillis int    `mapstructure:"tick_millis"`
	AutoStart  bool   `mapstructure:"auto_start"`
	LogLevel   string `mapstructure:"log_level"`
	Store      struct {
		ExperiencePath string `mapstructure:"experience_path"`
		EventLogPath   string `mapstructure:"event_log_path"`
	} `mapstructure:"store"`
	MemoryCapacity int `mapstructure:"memory_capacity"`
}

// TickInterval returns the wall-clock pacing of one simulated second.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// LoadConfig reads the configuration, layering file and environment over
// the defaults. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", "0.0.0.0")
	v.SetDefault("server.port", "22222")
	v.SetDefault("scenario", "")
	v.SetDefault("tick_millis", 200)
	v.SetDefault("auto_start", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("store.experience_path", "experience.jsonl")
	v.SetDefault("store.event_log_path", "events.jsonl")
	v.SetDefault("memory_capacity", 10000)

	v.SetEnvPrefix("ATSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	if cfg.TickMillis < 0 {
		return nil, fmt.Errorf("tick_millis must not be negative")
	}
	return &cfg, nil
}
