// Package config loads Relay's process configuration. Structured,
// hand-authored definitions (adapters, schedules) stay YAML, the way the
// teacher's cellorg config loader reads cells.yaml/pool.yaml. The outer
// process configuration (ports, data directory, feature flags) is loaded
// with viper so it can be overridden by environment variables without a
// restart-time recompile of flag parsing, the way webitel-im-delivery-service
// configures its services.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RelayConfig is Relay's top-level process configuration.
type RelayConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	HTTPAddr     string `mapstructure:"http_addr"`
	RelayEnabled bool   `mapstructure:"relay_enabled"`
	Debug        bool   `mapstructure:"debug"`

	Budget       BudgetDefaults     `mapstructure:"budget"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
}

// BudgetDefaults mirrors envelope.createDefaultBudget's overridable fields.
type BudgetDefaults struct {
	MaxHops             int `mapstructure:"max_hops"`
	TTLSeconds          int `mapstructure:"ttl_seconds"`
	CallBudgetRemaining int `mapstructure:"call_budget_remaining"`
}

// RateLimitConfig is the sliding-window limiter configuration (spec §4.8).
type RateLimitConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	WindowSecs        int            `mapstructure:"window_secs"`
	MaxPerWindow      int            `mapstructure:"max_per_window"`
	PerSenderOverride map[string]int `mapstructure:"per_sender_overrides"`
}

// BreakerConfig is the circuit breaker configuration (spec §4.9).
type BreakerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	FailureThreshold int  `mapstructure:"failure_threshold"`
	CooldownMs       int  `mapstructure:"cooldown_ms"`
	SuccessToClose   int  `mapstructure:"success_to_close"`
}

// BackpressureConfig is the mailbox-depth admission gate configuration (spec §4.10).
type BackpressureConfig struct {
	MaxMailboxSize    int     `mapstructure:"max_mailbox_size"`
	PressureWarningAt float64 `mapstructure:"pressure_warning_at"`
}

// Load reads configuration from an optional file path, then lets
// RELAY_-prefixed environment variables override it. Defaults are applied
// the same way the teacher's Load() fills in broker/support defaults.
func Load(path string) (*RelayConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "./relay-data")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("relay_enabled", true)
	v.SetDefault("debug", false)
	v.SetDefault("budget.max_hops", 5)
	v.SetDefault("budget.ttl_seconds", 3600)
	v.SetDefault("budget.call_budget_remaining", 10)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window_secs", 60)
	v.SetDefault("rate_limit.max_per_window", 100)
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_ms", 30000)
	v.SetDefault("breaker.success_to_close", 2)
	v.SetDefault("backpressure.max_mailbox_size", 1000)
	v.SetDefault("backpressure.pressure_warning_at", 0.8)
	// The feature flag is read from RELAY_ENABLED itself; the RELAY prefix
	// alone would map relay_enabled to RELAY_RELAY_ENABLED.
	_ = v.BindEnv("relay_enabled", "RELAY_ENABLED")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	return &cfg, nil
}

// AdapterDef is one entry of an `adapters:`-keyed YAML list, loaded
// separately from the viper-driven RelayConfig because it's an
// operator-authored structured list, not a flat key/value settings file —
// same split the teacher makes between config.yaml (Load) and cells.yaml
// (LoadCells). cmd/relayd does not use it: adapterhub.Manager reads
// adapters.yaml itself, as a top-level list of adapterhub.Config.
type AdapterDef struct {
	ID            string                 `yaml:"id"`
	Type          string                 `yaml:"type"` // "telegram" | "webhook" | "websocket"
	SubjectPrefix []string               `yaml:"subject_prefix"`
	DisplayName   string                 `yaml:"display_name"`
	Settings      map[string]interface{} `yaml:"settings,omitempty"`
}

// LoadAdapters reads an adapters.yaml file listing adapter definitions.
func LoadAdapters(path string) ([]AdapterDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: failed to read adapters file %s: %w", path, err)
	}
	var doc struct {
		Adapters []AdapterDef `yaml:"adapters"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: failed to parse adapters file %s: %w", path, err)
	}
	return doc.Adapters, nil
}

// ScheduleDef is one entry in schedules.yaml — the Pulse definition shape
// from spec.md §4.15.
type ScheduleDef struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Prompt         string `yaml:"prompt"`
	Cron           string `yaml:"cron"`
	Timezone       string `yaml:"timezone"`
	Cwd            string `yaml:"cwd,omitempty"`
	Enabled        bool   `yaml:"enabled"`
	MaxRuntimeSec  int    `yaml:"max_runtime_seconds,omitempty"`
	PermissionMode string `yaml:"permission_mode,omitempty"`
}

// LoadSchedules reads a schedules.yaml file listing Pulse schedule definitions.
func LoadSchedules(path string) ([]ScheduleDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: failed to read schedules file %s: %w", path, err)
	}
	var doc struct {
		Schedules []ScheduleDef `yaml:"schedules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: failed to parse schedules file %s: %w", path, err)
	}
	return doc.Schedules, nil
}
