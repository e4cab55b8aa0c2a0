package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. SANDBOXD_SERVER_TRANSPORT.
const EnvPrefix = "SANDBOXD"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig          `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	Sandbox    SandboxConfig         `mapstructure:"sandbox" yaml:"sandbox"`
	Tiers      map[string]TierConfig `mapstructure:"tiers" yaml:"tiers"`
	Scheduler  SchedulerConfig       `mapstructure:"scheduler" yaml:"scheduler"`
	Submission SubmissionConfig      `mapstructure:"submission" yaml:"submission"`
	Retention  RetentionConfig       `mapstructure:"retention" yaml:"retention"`
	Languages  map[string]Language   `mapstructure:"languages" yaml:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport" yaml:"transport"`
	HTTPPort    int    `mapstructure:"http_port" yaml:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port" yaml:"metrics_port"`
	DebugTools  bool   `mapstructure:"debug_tools" yaml:"debug_tools"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// SandboxConfig holds settings shared by every sandbox backend
type SandboxConfig struct {
	EnableLocalBackend bool   `mapstructure:"enable_local_backend" yaml:"enable_local_backend"`
	MaxOutputKB        int    `mapstructure:"max_output_kb" yaml:"max_output_kb"`
	DockerHost         string `mapstructure:"docker_host" yaml:"docker_host"`
}

// TierConfig describes the isolation policy and pool size of one security tier
type TierConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	Backend           string  `mapstructure:"backend" yaml:"backend"`
	PoolSize          int     `mapstructure:"pool_size" yaml:"pool_size"`
	MemoryMB          int     `mapstructure:"memory_mb" yaml:"memory_mb"`
	CPUs              float64 `mapstructure:"cpus" yaml:"cpus"`
	PidsLimit         int64   `mapstructure:"pids_limit" yaml:"pids_limit"`
	NetworkEnabled    bool    `mapstructure:"network_enabled" yaml:"network_enabled"`
	ReadOnlyRoot      bool    `mapstructure:"read_only_root" yaml:"read_only_root"`
	DefaultTimeoutSec int     `mapstructure:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxTimeoutSec     int     `mapstructure:"max_timeout_sec" yaml:"max_timeout_sec"`
}

// SchedulerConfig holds dispatch loop tuning
type SchedulerConfig struct {
	TimeoutGraceSec int `mapstructure:"timeout_grace_sec" yaml:"timeout_grace_sec"`
}

// SubmissionConfig holds admission settings for new tasks
type SubmissionConfig struct {
	RatePerSec           float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst                int     `mapstructure:"burst" yaml:"burst"`
	EstimatedTaskCostSec int     `mapstructure:"estimated_task_cost_sec" yaml:"estimated_task_cost_sec"`
}

// RetentionConfig bounds how long finished tasks stay queryable
type RetentionConfig struct {
	TTLSec           int `mapstructure:"ttl_sec" yaml:"ttl_sec"`
	MaxTasks         int `mapstructure:"max_tasks" yaml:"max_tasks"`
	SweepIntervalSec int `mapstructure:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// Language holds per-language sandbox settings
type Language struct {
	Image       string            `mapstructure:"image" yaml:"image"`
	Environment map[string]string `mapstructure:"environment" yaml:"environment"`
}

var knownTiers = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// New loads the configuration from the default search paths.
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in "." and "./config"
// when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.debug_tools", false)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.docker_host", "")

	// Stronger isolation gets a smaller pool and tighter limits.
	v.SetDefault("tiers.low.enabled", true)
	v.SetDefault("tiers.low.backend", "docker")
	v.SetDefault("tiers.low.pool_size", 8)
	v.SetDefault("tiers.low.memory_mb", 512)
	v.SetDefault("tiers.low.cpus", 1.0)
	v.SetDefault("tiers.low.pids_limit", 256)
	v.SetDefault("tiers.low.network_enabled", false)
	v.SetDefault("tiers.low.read_only_root", false)
	v.SetDefault("tiers.low.default_timeout_sec", 30)
	v.SetDefault("tiers.low.max_timeout_sec", 300)

	v.SetDefault("tiers.medium.enabled", true)
	v.SetDefault("tiers.medium.backend", "podman")
	v.SetDefault("tiers.medium.pool_size", 4)
	v.SetDefault("tiers.medium.memory_mb", 256)
	v.SetDefault("tiers.medium.cpus", 0.5)
	v.SetDefault("tiers.medium.pids_limit", 128)
	v.SetDefault("tiers.medium.network_enabled", false)
	v.SetDefault("tiers.medium.read_only_root", true)
	v.SetDefault("tiers.medium.default_timeout_sec", 20)
	v.SetDefault("tiers.medium.max_timeout_sec", 120)

	v.SetDefault("tiers.high.enabled", true)
	v.SetDefault("tiers.high.backend", "engine")
	v.SetDefault("tiers.high.pool_size", 2)
	v.SetDefault("tiers.high.memory_mb", 128)
	v.SetDefault("tiers.high.cpus", 0.25)
	v.SetDefault("tiers.high.pids_limit", 64)
	v.SetDefault("tiers.high.network_enabled", false)
	v.SetDefault("tiers.high.read_only_root", true)
	v.SetDefault("tiers.high.default_timeout_sec", 10)
	v.SetDefault("tiers.high.max_timeout_sec", 60)

	v.SetDefault("scheduler.timeout_grace_sec", 2)

	v.SetDefault("submission.rate_per_sec", 50.0)
	v.SetDefault("submission.burst", 100)
	v.SetDefault("submission.estimated_task_cost_sec", 10)

	v.SetDefault("retention.ttl_sec", 3600)
	v.SetDefault("retention.max_tasks", 10000)
	v.SetDefault("retention.sweep_interval_sec", 60)

	v.SetDefault("languages.python.image", "python:3.11-slim")
	v.SetDefault("languages.nodejs.image", "node:20-alpine")
	v.SetDefault("languages.go.image", "golang:1.23-alpine")
	v.SetDefault("languages.cpp.image", "gcc:13")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"engine": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	enabled := 0
	for _, name := range c.TierNames() {
		tier := c.Tiers[name]
		if !knownTiers[name] {
			return fmt.Errorf("unknown tier: %s, must be one of 'low', 'medium', 'high'", name)
		}
		if !tier.Enabled {
			continue
		}
		enabled++
		if !supportedBackends[tier.Backend] {
			return fmt.Errorf("unsupported tiers.%s.backend: %s", name, tier.Backend)
		}
		if tier.PoolSize <= 0 {
			return fmt.Errorf("tiers.%s.pool_size must be positive, got: %d", name, tier.PoolSize)
		}
		if tier.MemoryMB <= 0 {
			return fmt.Errorf("tiers.%s.memory_mb must be positive, got: %d", name, tier.MemoryMB)
		}
		if tier.DefaultTimeoutSec <= 0 {
			return fmt.Errorf("tiers.%s.default_timeout_sec must be positive, got: %d", name, tier.DefaultTimeoutSec)
		}
		if tier.MaxTimeoutSec < tier.DefaultTimeoutSec {
			return fmt.Errorf("tiers.%s.max_timeout_sec (%d) must not be below default_timeout_sec (%d)",
				name, tier.MaxTimeoutSec, tier.DefaultTimeoutSec)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one tier must be enabled")
	}

	if c.Scheduler.TimeoutGraceSec < 0 {
		return fmt.Errorf("scheduler.timeout_grace_sec must not be negative, got: %d", c.Scheduler.TimeoutGraceSec)
	}

	if c.Submission.RatePerSec < 0 {
		return fmt.Errorf("submission.rate_per_sec must not be negative, got: %v", c.Submission.RatePerSec)
	}
	if c.Submission.EstimatedTaskCostSec <= 0 {
		return fmt.Errorf("submission.estimated_task_cost_sec must be positive, got: %d", c.Submission.EstimatedTaskCostSec)
	}

	if c.Retention.TTLSec <= 0 {
		return fmt.Errorf("retention.ttl_sec must be positive, got: %d", c.Retention.TTLSec)
	}
	if c.Retention.MaxTasks <= 0 {
		return fmt.Errorf("retention.max_tasks must be positive, got: %d", c.Retention.MaxTasks)
	}
	if c.Retention.SweepIntervalSec <= 0 {
		return fmt.Errorf("retention.sweep_interval_sec must be positive, got: %d", c.Retention.SweepIntervalSec)
	}

	return nil
}

// TierNames returns the configured tier names in a stable order
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TimeoutGrace returns the scheduler watchdog grace as a duration
func (c *Config) TimeoutGrace() time.Duration {
	return time.Duration(c.Scheduler.TimeoutGraceSec) * time.Second
}

// EstimatedTaskCost returns the per-task wait estimate as a duration
func (c *Config) EstimatedTaskCost() time.Duration {
	return time.Duration(c.Submission.EstimatedTaskCostSec) * time.Second
}

// RetentionTTL returns how long terminal tasks stay queryable
func (c *Config) RetentionTTL() time.Duration {
	return time.Duration(c.Retention.TTLSec) * time.Second
}

// SweepInterval returns the retention sweep period
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalSec) * time.Second
}

// DefaultTimeout returns the tier's default execution timeout
func (t TierConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutSec) * time.Second
}

// MaxTimeout returns the tier's maximum accepted execution timeout
func (t TierConfig) MaxTimeout() time.Duration {
	return time.Duration(t.MaxTimeoutSec) * time.Second
}
