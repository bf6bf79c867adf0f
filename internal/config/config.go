// Package config loads and validates the gridrunner configuration from a
// viper instance (config file, environment, CLI flag overrides).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/kmansel/gridrunner/api/schemas"
)

// Config is the root application configuration.
type Config struct {
	Logger  LoggerConfig           `mapstructure:"logger" yaml:"logger"`
	Runner  RunnerConfig           `mapstructure:"runner" yaml:"runner"`
	Pool    PoolConfig             `mapstructure:"pool" yaml:"pool"`
	Store   StoreConfig            `mapstructure:"store" yaml:"store"`
	Targets []schemas.EngineTarget `mapstructure:"targets" yaml:"targets"`
	Checks  []CheckConfig          `mapstructure:"checks" yaml:"checks"`
	Report  ReportConfig           `mapstructure:"report" yaml:"report"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// RunnerConfig tunes the test runner's worker pool and per-run bounds. The
// worker concurrency is independent of how wide the target matrix fans out.
type RunnerConfig struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	RunTimeout     time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout" yaml:"release_timeout"`
}

// PoolConfig tunes the browser context pool and engine process lifecycle.
type PoolConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	LaunchesPerSecond float64       `mapstructure:"launches_per_second" yaml:"launches_per_second"`
	ExtraArgs         []string      `mapstructure:"extra_args" yaml:"extra_args"`
}

// StoreConfig selects and tunes the session state persistence backend.
type StoreConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"` // "file" or "postgres"
	Dir     string        `mapstructure:"dir" yaml:"dir"`
	DSN     string        `mapstructure:"dsn" yaml:"dsn"`
	MaxAge  time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// CheckConfig declares one logical check the CLI fans out across all targets.
type CheckConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	URL      string `mapstructure:"url" yaml:"url"`
	Selector string `mapstructure:"selector" yaml:"selector"`
	Title    string `mapstructure:"title" yaml:"title"`
	StateID  string `mapstructure:"state_id" yaml:"state_id"`
}

// ReportConfig controls where and how the suite report is written.
type ReportConfig struct {
	JSONPath  string `mapstructure:"json_path" yaml:"json_path"`
	JUnitPath string `mapstructure:"junit_path" yaml:"junit_path"`
}

// SetDefaults installs default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "gridrunner")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("runner.concurrency", 4)
	v.SetDefault("runner.run_timeout", "2m")
	v.SetDefault("runner.release_timeout", "10s")

	v.SetDefault("pool.headless", true)
	v.SetDefault("pool.idle_ttl", "30s")
	v.SetDefault("pool.launch_timeout", "45s")
	v.SetDefault("pool.launches_per_second", 1.0)

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", "")
	v.SetDefault("store.max_age", "12h")
}

// NewDefaultConfig returns a config populated purely from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewFromViper unmarshals and validates the configuration.
func NewFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer")
	}
	if c.Runner.RunTimeout <= 0 {
		return fmt.Errorf("runner.run_timeout must be a positive duration")
	}
	if c.Pool.LaunchTimeout <= 0 {
		return fmt.Errorf("pool.launch_timeout must be a positive duration")
	}
	switch c.Store.Backend {
	case "file":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", "file", "postgres", c.Store.Backend)
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate engine target name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
