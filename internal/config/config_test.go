package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`port: 9000`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("explicit port lost: %d", cfg.Port)
	}
	if cfg.Retry.Attempts != 3 {
		t.Fatalf("default retry attempts missing: %d", cfg.Retry.Attempts)
	}
	if cfg.Health.ErrorThreshold != 10 {
		t.Fatalf("default error threshold missing: %d", cfg.Health.ErrorThreshold)
	}
	if cfg.Health.QuotaWindow.Std() != 24*time.Hour {
		t.Fatalf("default quota window missing: %s", cfg.Health.QuotaWindow.Std())
	}
	if cfg.Telemetry.Capacity != 10000 {
		t.Fatalf("default telemetry capacity missing: %d", cfg.Telemetry.Capacity)
	}
	if cfg.Usage.Backend != "sqlite" {
		t.Fatalf("default usage backend missing: %s", cfg.Usage.Backend)
	}
}

func TestDurationParsing(t *testing.T) {
	raw := `
health:
  interval: 90s
  rate-limit-window: 60
  error-cooldown: 1h
`
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Health.Interval.Std(); got != 90*time.Second {
		t.Fatalf("duration string mishandled: %s", got)
	}
	if got := cfg.Health.RateLimitWindow.Std(); got != 60*time.Second {
		t.Fatalf("bare seconds mishandled: %s", got)
	}
	if got := cfg.Health.ErrorCooldown.Std(); got != time.Hour {
		t.Fatalf("hour duration mishandled: %s", got)
	}
}

func TestCredentialValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing provider",
			"credentials:\n  - id: a\n    api-key: k",
			"provider is required",
		},
		{
			"duplicate id",
			"credentials:\n  - id: a\n    provider: openai\n  - id: a\n    provider: openai",
			"duplicate credential id",
		},
		{
			"negative rate limit",
			"credentials:\n  - id: a\n    provider: openai\n    rate-limit-per-minute: -1",
			"negative rate limit",
		},
		{
			"duplicate model",
			"models:\n  - name: m\n    provider: openai\n  - name: m\n    provider: openai",
			"duplicate model",
		},
		{
			"postgres without dsn",
			"usage:\n  enabled: true\n  backend: postgres",
			"requires postgres-dsn",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSecretExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "sk-expanded")
	raw := `
credentials:
  - id: a
    provider: openai
    api-key: ${TEST_GATEWAY_KEY}
`
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Credentials[0].APIKey != "sk-expanded" {
		t.Fatalf("env expansion failed: %q", cfg.Credentials[0].APIKey)
	}
}

func TestProviderNormalized(t *testing.T) {
	raw := `
credentials:
  - id: a
    provider: "  OpenAI "
models:
  - name: m
    provider: ANTHROPIC
`
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Credentials[0].Provider != "openai" {
		t.Fatalf("credential provider not normalized: %q", cfg.Credentials[0].Provider)
	}
	if cfg.Models[0].Provider != "anthropic" {
		t.Fatalf("model provider not normalized: %q", cfg.Models[0].Provider)
	}
}

func TestScoringForPriority(t *testing.T) {
	s := ScoringConfig{
		Default:    ScoringWeights{Latency: 1},
		Priorities: map[string]ScoringWeights{"high": {Latency: 3}},
	}
	if got := s.ForPriority("HIGH "); got.Latency != 3 {
		t.Fatalf("priority lookup should normalize: %+v", got)
	}
	if got := s.ForPriority("unknown"); got.Latency != 1 {
		t.Fatalf("unknown priority should fall back to default: %+v", got)
	}
}
