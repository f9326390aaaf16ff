package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/executor"
	"github.com/openmux/modelgate/internal/registry"
)

func gatewayConfig(baseURL string, creds ...config.CredentialConfig) *config.Config {
	for i := range creds {
		creds[i].BaseURL = baseURL
	}
	return &config.Config{
		MaxInFlight:      16,
		FailoverAttempts: 3,
		Retry: config.RetryConfig{
			Attempts:       1,
			BackoffBase:    config.Duration(time.Millisecond),
			BackoffCap:     config.Duration(2 * time.Millisecond),
			RequestTimeout: config.Duration(2 * time.Second),
		},
		Health: config.HealthConfig{
			RateLimitWindow: config.Duration(60 * time.Second),
			QuotaWindow:     config.Duration(24 * time.Hour),
			ErrorThreshold:  10,
			ErrorCooldown:   config.Duration(time.Hour),
		},
		Scoring: config.ScoringConfig{
			Default: config.ScoringWeights{Latency: 1.0, Success: 2.0, Load: 1.0},
		},
		Telemetry:   config.TelemetryConfig{Capacity: 100},
		Credentials: creds,
		Models: []config.ModelConfig{
			{Name: "gpt-x", Provider: "openai", MaxTokens: 4096, CostPerToken: 0.00001, Capabilities: []string{"chat"}},
		},
	}
}

func cred(id, key string, rpm int, quota int64) config.CredentialConfig {
	return config.CredentialConfig{
		ID:                 id,
		Provider:           "openai",
		APIKey:             key,
		RateLimitPerMinute: rpm,
		DailyQuotaTokens:   quota,
	}
}

const chatPayload = `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`

func okResponse(w http.ResponseWriter, tokens int) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"total_tokens":` + strconv.Itoa(tokens) + `}}`))
}

func TestCallSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okResponse(w, 42)
	}))
	defer server.Close()

	gw := New(gatewayConfig(server.URL, cred("a", "key-a", 100, 0)), nil)
	result, err := gw.Call(context.Background(), []byte(chatPayload), Options{Model: "gpt-x"})
	if err != nil {
		t.Fatal(err)
	}
	if result.ModelUsed != "gpt-x" || result.CredentialID != "a" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.TokensUsed != 42 {
		t.Fatalf("expected 42 tokens, got %d", result.TokensUsed)
	}
	if stats := gw.Stats(0); stats.Calls != 1 || stats.SuccessRate != 1.0 {
		t.Fatalf("telemetry missing: %+v", stats)
	}
}

func TestCallUnknownModel(t *testing.T) {
	gw := New(gatewayConfig("http://unused", cred("a", "key-a", 100, 0)), nil)
	_, err := gw.Call(context.Background(), []byte(`{"model":"nope"}`), Options{Model: "nope"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCallNoCapacity(t *testing.T) {
	gw := New(gatewayConfig("http://unused"), nil)
	_, err := gw.Call(context.Background(), []byte(chatPayload), Options{Model: "gpt-x"})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity with no credentials, got %v", err)
	}
}

func TestCallFailsOverOnRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer key-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		okResponse(w, 7)
	}))
	defer server.Close()

	gw := New(gatewayConfig(server.URL, cred("a", "key-a", 100, 0), cred("b", "key-b", 100, 0)), nil)
	result, err := gw.Call(context.Background(), []byte(chatPayload), Options{Model: "gpt-x"})
	if err != nil {
		t.Fatal(err)
	}
	if result.CredentialID != "b" {
		t.Fatalf("expected failover to credential b, got %s", result.CredentialID)
	}
	// The throttled credential is demoted, not retried forever.
	for _, view := range gw.Registry().Snapshot() {
		if view.ID == "a" && view.State != registry.StateRateLimited {
			t.Fatalf("credential a should be RATE_LIMITED, got %s", view.State)
		}
	}
}

func TestCallSurfacesUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request shape"}}`))
	}))
	defer server.Close()

	gw := New(gatewayConfig(server.URL, cred("a", "key-a", 100, 0), cred("b", "key-b", 100, 0)), nil)
	_, err := gw.Call(context.Background(), []byte(chatPayload), Options{Model: "gpt-x"})
	var execErr *executor.Error
	if !errors.As(err, &execErr) || execErr.Category != executor.CategoryUpstream {
		t.Fatalf("expected upstream error without failover, got %v", err)
	}
}

func TestConcurrentCallsRespectQuota(t *testing.T) {
	var served int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&served, 1)
		okResponse(w, 60)
	}))
	defer server.Close()

	// One credential with a 100-token daily quota; two concurrent calls
	// estimated at ~60 tokens each. Exactly one fits.
	payload := []byte(`{"model":"gpt-x","messages":[{"role":"user","content":"` + repeatWord("hello", 60) + `"}]}`)
	gw := New(gatewayConfig(server.URL, cred("a", "key-a", 100, 100)), nil)

	var (
		wg        sync.WaitGroup
		successes int32
		capacity  int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Call(context.Background(), payload, Options{Model: "gpt-x"})
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, ErrNoCapacity):
				atomic.AddInt32(&capacity, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || capacity != 1 {
		t.Fatalf("expected 1 success and 1 NoCapacity, got %d/%d", successes, capacity)
	}
	view := gw.Registry().Snapshot()[0]
	if view.TokensUsedToday > view.DailyQuotaTokens {
		t.Fatalf("quota exceeded: %d > %d", view.TokensUsedToday, view.DailyQuotaTokens)
	}
}

// repeatWord builds a message whose token estimate is close to n: common
// short words encode as one token each.
func repeatWord(word string, n int) string {
	out := word
	for i := 1; i < n; i++ {
		out += " " + word
	}
	return out
}

func TestDisableEnableCredential(t *testing.T) {
	gw := New(gatewayConfig("http://unused", cred("a", "key-a", 100, 0)), nil)

	if err := gw.DisableCredential("a"); err != nil {
		t.Fatal(err)
	}
	_, err := gw.Call(context.Background(), []byte(chatPayload), Options{Model: "gpt-x"})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("disabled credential should yield NoCapacity, got %v", err)
	}
	if err = gw.EnableCredential("a"); err != nil {
		t.Fatal(err)
	}
	if state := gw.Registry().Snapshot()[0].State; state != registry.StateActive {
		t.Fatalf("expected ACTIVE after enable, got %s", state)
	}
	if err = gw.DisableCredential("missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentialsMasksSecrets(t *testing.T) {
	gw := New(gatewayConfig("http://unused", cred("a", "key-a", 100, 0)), nil)
	for _, view := range gw.Credentials() {
		if view.Secret != "" {
			t.Fatalf("secret leaked in credential view %s", view.ID)
		}
	}
}

func TestApplyConfigAddsCredential(t *testing.T) {
	cfg := gatewayConfig("http://unused", cred("a", "key-a", 100, 0))
	gw := New(cfg, nil)

	next := gatewayConfig("http://unused", cred("a", "key-a", 100, 0), cred("b", "key-b", 50, 0))
	gw.ApplyConfig(next)

	if got := len(gw.Registry().Snapshot()); got != 2 {
		t.Fatalf("expected 2 credentials after reload, got %d", got)
	}
}
