// Package config provides the orchestrator's configuration: defaults,
// optional YAML/JSON file, and environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
	"github.com/R3E-Network/build_orchestrator/pkg/logger"
)

// Duration decodes human-readable durations ("90s", "10m") from YAML,
// JSON, and the environment.
type Duration time.Duration

// Decode implements envdecode's decoder hook.
func (d *Duration) Decode(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML accepts either a duration string or plain seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if err := d.Decode(value.Value); err == nil {
		return nil
	}
	seconds, err := strconv.Atoi(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// UnmarshalJSON accepts either a duration string or plain seconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return d.Decode(s)
	}
	var seconds int64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s", raw)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalJSON renders the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) String() string { return time.Duration(d).String() }

// Std converts back to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig controls the health/metrics HTTP listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// MessagingConfig selects and configures the bus transport.
type MessagingConfig struct {
	// Backend is one of "pgnotify", "nats", or "memory".
	Backend string `json:"backend" yaml:"backend" env:"MESSAGING_BACKEND"`
	NATSURL string `json:"nats_url" yaml:"nats_url" env:"MESSAGING_NATS_URL"`
	// Subject is the channel (or subject prefix) events travel on.
	Subject string `json:"subject" yaml:"subject" env:"MESSAGING_SUBJECT"`
}

// SchedulerConfig tunes the event loop and the poller.
type SchedulerConfig struct {
	// PollingInterval is the pause between poller reconciliation passes.
	PollingInterval Duration `json:"polling_interval" yaml:"polling_interval" env:"POLLING_INTERVAL"`

	// MaxConcurrentComponentBuilds is the global submission ceiling.
	MaxConcurrentComponentBuilds int `json:"max_concurrent_component_builds" yaml:"max_concurrent_component_builds" env:"MAX_CONCURRENT_COMPONENT_BUILDS"`

	// StuckThreshold is how long a batch may stay quiet before the poller
	// warns about it.
	StuckThreshold Duration `json:"stuck_threshold" yaml:"stuck_threshold" env:"STUCK_THRESHOLD"`

	// QueueSize bounds the in-process event queue.
	QueueSize int `json:"queue_size" yaml:"queue_size" env:"SCHEDULER_QUEUE_SIZE"`
}

// BuildConfig carries the module build policy knobs.
type BuildConfig struct {
	// System selects the builder back-end identifier, e.g. "koji" or "mock".
	System string `json:"system" yaml:"system" env:"BUILD_SYSTEM"`

	RebuildStrategy          string   `json:"rebuild_strategy" yaml:"rebuild_strategy" env:"REBUILD_STRATEGY"`
	RebuildStrategiesAllowed []string `json:"rebuild_strategies_allowed" yaml:"rebuild_strategies_allowed" env:"REBUILD_STRATEGIES_ALLOWED"`

	// BaseModuleNames are treated as base modules for version prefixing.
	BaseModuleNames []string `json:"base_module_names" yaml:"base_module_names" env:"BASE_MODULE_NAMES"`

	CheckForEOL bool `json:"check_for_eol" yaml:"check_for_eol" env:"CHECK_FOR_EOL"`

	AllowNameOverrideFromSCM   bool `json:"allow_name_override_from_scm" yaml:"allow_name_override_from_scm" env:"ALLOW_NAME_OVERRIDE_FROM_SCM"`
	AllowStreamOverrideFromSCM bool `json:"allow_stream_override_from_scm" yaml:"allow_stream_override_from_scm" env:"ALLOW_STREAM_OVERRIDE_FROM_SCM"`

	// MockResultsDir marks locally-built modules; a module whose tag starts
	// with this prefix was produced by the mock backend.
	MockResultsDir string `json:"mock_resultsdir" yaml:"mock_resultsdir" env:"MOCK_RESULTSDIR"`

	RPMsAllowRepository   bool   `json:"rpms_allow_repository" yaml:"rpms_allow_repository" env:"RPMS_ALLOW_REPOSITORY"`
	RPMsAllowCache        bool   `json:"rpms_allow_cache" yaml:"rpms_allow_cache" env:"RPMS_ALLOW_CACHE"`
	RPMsDefaultRepository string `json:"rpms_default_repository" yaml:"rpms_default_repository" env:"RPMS_DEFAULT_REPOSITORY"`
	RPMsDefaultCache      string `json:"rpms_default_cache" yaml:"rpms_default_cache" env:"RPMS_DEFAULT_CACHE"`

	ModulesAllowRepository   bool   `json:"modules_allow_repository" yaml:"modules_allow_repository" env:"MODULES_ALLOW_REPOSITORY"`
	ModulesDefaultRepository string `json:"modules_default_repository" yaml:"modules_default_repository" env:"MODULES_DEFAULT_REPOSITORY"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig         `json:"server" yaml:"server"`
	Database  DatabaseConfig       `json:"database" yaml:"database"`
	Messaging MessagingConfig      `json:"messaging" yaml:"messaging"`
	Scheduler SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Build     BuildConfig          `json:"build" yaml:"build"`
	Logging   logger.LoggingConfig `json:"logging" yaml:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:   10,
			MaxIdleConns:   5,
			MigrateOnStart: true,
		},
		Messaging: MessagingConfig{
			Backend: "pgnotify",
			Subject: "build_orchestrator.events",
		},
		Scheduler: SchedulerConfig{
			PollingInterval:              Duration(10 * time.Minute),
			MaxConcurrentComponentBuilds: 10,
			StuckThreshold:               Duration(2 * time.Hour),
			QueueSize:                    1024,
		},
		Build: BuildConfig{
			System:                   "mock",
			RebuildStrategy:          string(modbuild.RebuildChangedAndAfter),
			RebuildStrategiesAllowed: []string{string(modbuild.RebuildChangedAndAfter)},
			BaseModuleNames:          []string{"platform"},
			RPMsDefaultRepository:    "git://pkgs.example.com/rpms/",
			RPMsDefaultCache:         "https://pkgs.example.com/repo/pkgs/",
			ModulesDefaultRepository: "git://pkgs.example.com/modules/",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from defaults, an optional configuration file, and
// environment variables, in increasing order of precedence. An empty path
// checks CONFIG_FILE and falls back to defaults plus environment.
func Load(path string) (*Config, error) {
	// Optional .env file next to the process, the way local deployments run.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	cfg := New()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case ".json":
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that case as "no overrides".
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentComponentBuilds < 1 {
		return fmt.Errorf("max_concurrent_component_builds must be at least 1")
	}
	if c.Scheduler.PollingInterval <= 0 {
		return fmt.Errorf("polling_interval must be positive")
	}
	if !modbuild.RebuildStrategy(c.Build.RebuildStrategy).Valid() {
		return fmt.Errorf("unknown rebuild_strategy %q", c.Build.RebuildStrategy)
	}
	for _, s := range c.Build.RebuildStrategiesAllowed {
		if !modbuild.RebuildStrategy(s).Valid() {
			return fmt.Errorf("unknown strategy %q in rebuild_strategies_allowed", s)
		}
	}
	switch c.Messaging.Backend {
	case "pgnotify", "nats", "memory":
	default:
		return fmt.Errorf("unknown messaging backend %q", c.Messaging.Backend)
	}
	return nil
}

// StrategyAllowed reports whether a per-submission strategy override is
// permitted.
func (c *Config) StrategyAllowed(s modbuild.RebuildStrategy) bool {
	for _, allowed := range c.Build.RebuildStrategiesAllowed {
		if modbuild.RebuildStrategy(allowed) == s {
			return true
		}
	}
	return false
}

// IsBaseModule reports whether name participates in version prefixing.
func (c *Config) IsBaseModule(name string) bool {
	for _, base := range c.Build.BaseModuleNames {
		if base == name {
			return true
		}
	}
	return false
}
