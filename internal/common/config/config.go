// Package config provides configuration management for the orchestration hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Events   EventsConfig   `mapstructure:"events"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// FleetConfig holds agent fleet scheduler configuration.
type FleetConfig struct {
	// MaxConcurrent is the hard ceiling on simultaneously running agents.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// RegistryPath is the SQLite file backing the agent registry.
	// Supports ~ expansion. Default: ~/.agenthub/fleet/agents.db
	RegistryPath string `mapstructure:"registryPath"`
}

// WorktreeConfig holds git worktree isolation configuration.
type WorktreeConfig struct {
	// DirName is the directory created under the repository root that
	// holds per-agent worktrees. Default: .agent-worktrees
	DirName string `mapstructure:"dirName"`

	// BranchPrefix is prepended to generated worktree branch names.
	// Default: agent-
	BranchPrefix string `mapstructure:"branchPrefix"`

	// CleanupAfterHours is the age past which unlocked worktrees are
	// removed by the cleanup sweep. Default: 24.
	CleanupAfterHours int `mapstructure:"cleanupAfterHours"`
}

// EventsConfig holds the event store configuration.
type EventsConfig struct {
	// DBPath is the SQLite file backing the event log.
	// Default: ~/.agenthub/observability/events.db
	DBPath string `mapstructure:"dbPath"`
}

// SessionsConfig holds the session store configuration.
type SessionsConfig struct {
	// BaseDir is the root directory for per-workspace session files.
	// Default: ~/.agenthub/sessions
	BaseDir string `mapstructure:"baseDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CleanupAfter returns the worktree cleanup age as a time.Duration.
func (w *WorktreeConfig) CleanupAfter() time.Duration {
	return time.Duration(w.CleanupAfterHours) * time.Hour
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" (human-readable console format) for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agenthub")
	v.SetDefault("nats.maxReconnects", 10)

	// Fleet defaults
	v.SetDefault("fleet.maxConcurrent", 10)
	v.SetDefault("fleet.registryPath", "~/.agenthub/fleet/agents.db")

	// Worktree defaults
	v.SetDefault("worktree.dirName", ".agent-worktrees")
	v.SetDefault("worktree.branchPrefix", "agent-")
	v.SetDefault("worktree.cleanupAfterHours", 24)

	// Event store defaults
	v.SetDefault("events.dbPath", "~/.agenthub/observability/events.db")

	// Session defaults
	v.SetDefault("sessions.baseDir", "~/.agenthub/sessions")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTHUB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agenthub/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agenthub/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Fleet.MaxConcurrent < 1 {
		errs = append(errs, "fleet.maxConcurrent must be at least 1")
	}

	if cfg.Worktree.CleanupAfterHours <= 0 {
		errs = append(errs, "worktree.cleanupAfterHours must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
