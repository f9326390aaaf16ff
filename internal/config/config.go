// Package config loads and validates the gateway YAML configuration:
// server settings, the credential pool, the model catalog, scoring weights
// and the retry/health/telemetry tuning knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for Go duration strings
// ("90s", "1h") and bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		*d = Duration(dur)
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("config: invalid duration %q", raw)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CredentialConfig declares one provider credential in the pool.
type CredentialConfig struct {
	// ID identifies the credential across restarts. Generated when empty.
	ID string `yaml:"id" json:"id"`

	// Provider is the upstream vendor key, e.g. "openai" or "anthropic".
	Provider string `yaml:"provider" json:"provider"`

	// APIKey holds the secret. Values like ${OPENAI_API_KEY} are expanded
	// from the environment at load time.
	APIKey string `yaml:"api-key" json:"-"`

	// BaseURL is the provider endpoint the executor posts to.
	BaseURL string `yaml:"base-url" json:"base-url"`

	RateLimitPerMinute int   `yaml:"rate-limit-per-minute" json:"rate-limit-per-minute"`
	DailyQuotaTokens   int64 `yaml:"daily-quota-tokens" json:"daily-quota-tokens"`

	// Disabled registers the credential in DISABLED state.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ModelConfig declares one catalog entry.
type ModelConfig struct {
	Name         string   `yaml:"name" json:"name"`
	Provider     string   `yaml:"provider" json:"provider"`
	MaxTokens    int      `yaml:"max-tokens" json:"max-tokens"`
	CostPerToken float64  `yaml:"cost-per-token" json:"cost-per-token"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
}

// ScoringWeights tunes the credential score terms for one priority class.
type ScoringWeights struct {
	Latency float64 `yaml:"latency" json:"latency"`
	Success float64 `yaml:"success" json:"success"`
	Load    float64 `yaml:"load" json:"load"`
}

// ScoringConfig maps request priorities to weight sets.
type ScoringConfig struct {
	Default    ScoringWeights            `yaml:"default" json:"default"`
	Priorities map[string]ScoringWeights `yaml:"priorities,omitempty" json:"priorities,omitempty"`
}

// ForPriority resolves the weight set for a priority name.
func (s ScoringConfig) ForPriority(priority string) ScoringWeights {
	if w, ok := s.Priorities[strings.ToLower(strings.TrimSpace(priority))]; ok {
		return w
	}
	return s.Default
}

// HealthConfig tunes the health monitor and the credential state machine.
type HealthConfig struct {
	// Interval between monitor scans.
	Interval Duration `yaml:"interval" json:"interval"`

	// RateLimitWindow is the idle period after which RATE_LIMITED recovers.
	RateLimitWindow Duration `yaml:"rate-limit-window" json:"rate-limit-window"`

	// QuotaWindow is the rolling period for the daily token budget.
	QuotaWindow Duration `yaml:"quota-window" json:"quota-window"`

	// ErrorThreshold is the consecutive error count that demotes to ERROR.
	ErrorThreshold int `yaml:"error-threshold" json:"error-threshold"`

	// ErrorCooldown must elapse before an ERROR credential may recover.
	ErrorCooldown Duration `yaml:"error-cooldown" json:"error-cooldown"`
}

// RetryConfig tunes the executor retry loop.
type RetryConfig struct {
	Attempts       int      `yaml:"attempts" json:"attempts"`
	BackoffBase    Duration `yaml:"backoff-base" json:"backoff-base"`
	BackoffCap     Duration `yaml:"backoff-cap" json:"backoff-cap"`
	RequestTimeout Duration `yaml:"request-timeout" json:"request-timeout"`
}

// TelemetryConfig tunes the in-memory outcome ring.
type TelemetryConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// UsageConfig controls persistent call-outcome storage.
type UsageConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Backend selects "sqlite" (default) or "postgres".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	SQLitePath  string `yaml:"sqlite-path,omitempty" json:"sqlite-path,omitempty"`
	PostgresDSN string `yaml:"postgres-dsn,omitempty" json:"-"`

	BatchSize     int      `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	FlushInterval Duration `yaml:"flush-interval,omitempty" json:"flush-interval,omitempty"`
	RetentionDays int      `yaml:"retention-days,omitempty" json:"retention-days,omitempty"`
}

// Config is the root gateway configuration, loaded from a YAML file.
type Config struct {
	Port          int    `yaml:"port" json:"port"`
	ManagementKey string `yaml:"management-key" json:"-"`
	Debug         bool   `yaml:"debug" json:"debug"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// ProxyURL routes outbound provider calls through an HTTP or SOCKS5 proxy.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// MaxInFlight bounds concurrent upstream calls across all credentials.
	MaxInFlight int `yaml:"max-in-flight" json:"max-in-flight"`

	// FailoverAttempts bounds how many distinct credentials one call may try.
	FailoverAttempts int `yaml:"failover-attempts" json:"failover-attempts"`

	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Scoring   ScoringConfig   `yaml:"scoring" json:"scoring"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Usage     UsageConfig     `yaml:"usage" json:"usage"`

	Credentials []CredentialConfig `yaml:"credentials" json:"credentials"`
	Models      []ModelConfig      `yaml:"models" json:"models"`
}

// Defaults mirrors the documented state-machine and retry defaults.
var Defaults = Config{
	Port:             8318,
	MaxInFlight:      128,
	FailoverAttempts: 3,
	Retry: RetryConfig{
		Attempts:       3,
		BackoffBase:    Duration(500 * time.Millisecond),
		BackoffCap:     Duration(8 * time.Second),
		RequestTimeout: Duration(120 * time.Second),
	},
	Health: HealthConfig{
		Interval:        Duration(60 * time.Second),
		RateLimitWindow: Duration(60 * time.Second),
		QuotaWindow:     Duration(24 * time.Hour),
		ErrorThreshold:  10,
		ErrorCooldown:   Duration(time.Hour),
	},
	Scoring: ScoringConfig{
		Default: ScoringWeights{Latency: 1.0, Success: 2.0, Load: 1.0},
		Priorities: map[string]ScoringWeights{
			"high": {Latency: 3.0, Success: 3.0, Load: 0.5},
			"low":  {Latency: 0.5, Success: 1.0, Load: 3.0},
		},
	},
	Telemetry: TelemetryConfig{Capacity: 10000},
	Usage: UsageConfig{
		Backend:       "sqlite",
		BatchSize:     100,
		FlushInterval: Duration(5 * time.Second),
		RetentionDays: 30,
	},
}

// LoadConfig reads, expands and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML bytes, applying defaults and validation.
func ParseConfig(data []byte) (*Config, error) {
	cfg := Defaults
	// Deep-copy the mutable default maps so callers never share them.
	cfg.Scoring.Priorities = make(map[string]ScoringWeights, len(Defaults.Scoring.Priorities))
	for k, v := range Defaults.Scoring.Priorities {
		cfg.Scoring.Priorities[k] = v
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.expandSecrets()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = Defaults.Port
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = Defaults.MaxInFlight
	}
	if c.FailoverAttempts <= 0 {
		c.FailoverAttempts = Defaults.FailoverAttempts
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = Defaults.Retry.Attempts
	}
	if c.Retry.BackoffBase <= 0 {
		c.Retry.BackoffBase = Defaults.Retry.BackoffBase
	}
	if c.Retry.BackoffCap <= 0 {
		c.Retry.BackoffCap = Defaults.Retry.BackoffCap
	}
	if c.Retry.RequestTimeout <= 0 {
		c.Retry.RequestTimeout = Defaults.Retry.RequestTimeout
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = Defaults.Health.Interval
	}
	if c.Health.RateLimitWindow <= 0 {
		c.Health.RateLimitWindow = Defaults.Health.RateLimitWindow
	}
	if c.Health.QuotaWindow <= 0 {
		c.Health.QuotaWindow = Defaults.Health.QuotaWindow
	}
	if c.Health.ErrorThreshold <= 0 {
		c.Health.ErrorThreshold = Defaults.Health.ErrorThreshold
	}
	if c.Health.ErrorCooldown <= 0 {
		c.Health.ErrorCooldown = Defaults.Health.ErrorCooldown
	}
	if c.Scoring.Default == (ScoringWeights{}) {
		c.Scoring.Default = Defaults.Scoring.Default
	}
	if c.Telemetry.Capacity <= 0 {
		c.Telemetry.Capacity = Defaults.Telemetry.Capacity
	}
	if c.Usage.Backend == "" {
		c.Usage.Backend = Defaults.Usage.Backend
	}
	if c.Usage.BatchSize <= 0 {
		c.Usage.BatchSize = Defaults.Usage.BatchSize
	}
	if c.Usage.FlushInterval <= 0 {
		c.Usage.FlushInterval = Defaults.Usage.FlushInterval
	}
	if c.Usage.RetentionDays <= 0 {
		c.Usage.RetentionDays = Defaults.Usage.RetentionDays
	}
}

func (c *Config) validate() error {
	seenCred := make(map[string]struct{}, len(c.Credentials))
	for i := range c.Credentials {
		cred := &c.Credentials[i]
		if strings.TrimSpace(cred.Provider) == "" {
			return fmt.Errorf("config: credential %d: provider is required", i)
		}
		cred.Provider = strings.ToLower(strings.TrimSpace(cred.Provider))
		if cred.ID != "" {
			if _, dup := seenCred[cred.ID]; dup {
				return fmt.Errorf("config: duplicate credential id %q", cred.ID)
			}
			seenCred[cred.ID] = struct{}{}
		}
		if cred.RateLimitPerMinute < 0 {
			return fmt.Errorf("config: credential %q: negative rate limit", cred.ID)
		}
		if cred.DailyQuotaTokens < 0 {
			return fmt.Errorf("config: credential %q: negative daily quota", cred.ID)
		}
	}

	seenModel := make(map[string]struct{}, len(c.Models))
	for i := range c.Models {
		model := &c.Models[i]
		if strings.TrimSpace(model.Name) == "" {
			return fmt.Errorf("config: model %d: name is required", i)
		}
		if strings.TrimSpace(model.Provider) == "" {
			return fmt.Errorf("config: model %q: provider is required", model.Name)
		}
		model.Provider = strings.ToLower(strings.TrimSpace(model.Provider))
		if _, dup := seenModel[model.Name]; dup {
			return fmt.Errorf("config: duplicate model %q", model.Name)
		}
		seenModel[model.Name] = struct{}{}
		if model.CostPerToken < 0 {
			return fmt.Errorf("config: model %q: negative cost", model.Name)
		}
	}

	if c.Usage.Enabled && c.Usage.Backend == "postgres" && strings.TrimSpace(c.Usage.PostgresDSN) == "" {
		return fmt.Errorf("config: usage backend postgres requires postgres-dsn")
	}
	return nil
}

// expandSecrets resolves ${ENV_VAR} references in secret-bearing fields.
func (c *Config) expandSecrets() {
	for i := range c.Credentials {
		c.Credentials[i].APIKey = os.ExpandEnv(c.Credentials[i].APIKey)
	}
	c.Usage.PostgresDSN = os.ExpandEnv(c.Usage.PostgresDSN)
	c.ManagementKey = os.ExpandEnv(c.ManagementKey)
}
