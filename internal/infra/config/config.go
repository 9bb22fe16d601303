package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"datapilot/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Limits  LimitsConfig  `yaml:"limits"`
	Breaker BreakerConfig `yaml:"breaker"`
	Turn    TurnConfig    `yaml:"turn"`
	Plans   PlansConfig   `yaml:"plans"`
	State   StateConfig   `yaml:"state"`
	Redis   RedisConfig   `yaml:"redis"`
	Data    DataConfig    `yaml:"data"`
	Tools   ToolsConfig   `yaml:"tools"`
	Audit   AuditConfig   `yaml:"audit"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// LoggerConfig controls slog construction.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig controls OpenTelemetry setup.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// LimitsConfig holds the per-caller sliding-window thresholds.
type LimitsConfig struct {
	RequestsPerWindow int    `yaml:"requests_per_window"`
	Window            string `yaml:"window"`         // duration string, default 60s
	BlockDuration     string `yaml:"block_duration"` // default 5m
}

// BreakerConfig holds the auto-invocation ceilings.
type BreakerConfig struct {
	MaxCalls   int `yaml:"max_calls"`
	MaxRepeats int `yaml:"max_repeats"`
}

// TurnConfig bounds the orchestration loop.
type TurnConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// PlansConfig holds confirmation-plan settings.
type PlansConfig struct {
	Backend       string `yaml:"backend"` // memory, sqlite, redis
	TTL           string `yaml:"ttl"`     // default 5m
	SweepInterval string `yaml:"sweep_interval"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// StateConfig holds conversation-state settings.
type StateConfig struct {
	Backend string `yaml:"backend"` // memory, redis
	TTL     string `yaml:"ttl"`     // default 30m
	Fixed   bool   `yaml:"fixed"`   // fixed TTL instead of sliding
}

// RedisConfig holds the shared Redis connection settings. Password supports
// "enc:" values decrypted with DATAPILOT_CONFIG_KEY.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DataConfig points at the backing database the built-in tools query.
type DataConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ToolsConfig holds the tool allow-list, role mappings, and the per-resource
// filter vocabulary.
type ToolsConfig struct {
	AllowList  []string                  `yaml:"allow_list"`
	Roles      map[string][]string       `yaml:"roles"`       // tool -> allowed roles
	WriteRoles []string                  `yaml:"write_roles"` // global write-role set
	Resources  map[string]ResourceConfig `yaml:"resources"`
}

// ResourceConfig declares one queryable resource's filter vocabulary: the
// canonical keys plus the alias table mapping caller spellings onto them.
type ResourceConfig struct {
	Canonical []string          `yaml:"canonical"`
	Aliases   map[string]string `yaml:"aliases"` // alias -> canonical key
}

// AuditConfig controls the compliance audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPConfig holds settings for the admission middleware mounted in front
// of whatever transport serves this core.
type HTTPConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// Load reads, defaults, decrypts, and validates a configuration file.
// The decryption passphrase comes from DATAPILOT_CONFIG_KEY when any
// "enc:" value is present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	if err := decryptSecrets(cfg, os.Getenv("DATAPILOT_CONFIG_KEY")); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logger:  LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer:  TracerConfig{Enabled: false},
		Limits:  LimitsConfig{RequestsPerWindow: 30, Window: "60s", BlockDuration: "5m"},
		Breaker: BreakerConfig{MaxCalls: 12, MaxRepeats: 3},
		Turn:    TurnConfig{MaxIterations: 16},
		Plans:   PlansConfig{Backend: "memory", TTL: "5m", SweepInterval: "1m"},
		State:   StateConfig{Backend: "memory", TTL: "30m"},
		Data:    DataConfig{SQLitePath: "datapilot.db"},
		HTTP:    HTTPConfig{RequestsPerMin: 120, Burst: 20},
	}
}

// Duration parses a duration field, falling back to def when the field is
// empty. An unparseable value is a configuration error.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, domain.NewDomainError("config.Duration", domain.ErrConfigLoad,
			fmt.Sprintf("invalid duration %q", s))
	}
	return d, nil
}
