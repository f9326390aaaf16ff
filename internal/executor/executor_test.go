package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openmux/modelgate/internal/catalog"
	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/registry"
	"github.com/openmux/modelgate/internal/telemetry"
)

func testConfig() *config.Config {
	return &config.Config{
		Retry: config.RetryConfig{
			Attempts:       2,
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
	}
}

func testModel() catalog.Model {
	return catalog.Model{Name: "gpt-x", Provider: "openai", MaxTokens: 4096, CostPerToken: 0.00001}
}

// harness wires an executor against a stub provider and reserves one
// credential for the call under test.
func harness(t *testing.T, handler http.HandlerFunc) (*Executor, *registry.Registry, *telemetry.Recorder, registry.CredentialView) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testConfig()
	reg := registry.New([]config.CredentialConfig{{
		ID:                 "cred-1",
		Provider:           "openai",
		APIKey:             "sk-test",
		BaseURL:            server.URL,
		RateLimitPerMinute: 100,
	}}, cfg.Health)
	recorder := telemetry.NewRecorder(100)
	exec := New(cfg, reg, recorder)

	if !reg.Reserve("cred-1", 10) {
		t.Fatal("reservation refused")
	}
	return exec, reg, recorder, reg.Snapshot()[0]
}

func execRequest() Request {
	return Request{
		Payload:         []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		MaxTokens:       100,
		EstimatedTokens: 10,
	}
}

func TestExecuteSuccess(t *testing.T) {
	var gotBody []byte
	exec, reg, recorder, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}],"usage":{"total_tokens":42}}`))
	})

	content, outcome, err := exec.Execute(context.Background(), testModel(), cred, execRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !gjson.GetBytes(content, "choices.0.message.content").Exists() {
		t.Fatalf("response content lost: %s", content)
	}
	if outcome.TokensUsed != 42 {
		t.Fatalf("expected 42 tokens from usage, got %d", outcome.TokensUsed)
	}
	if !outcome.Success || outcome.CredentialID != "cred-1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if recorder.Len() != 1 {
		t.Fatalf("expected exactly one telemetry record, got %d", recorder.Len())
	}

	if got := gjson.GetBytes(gotBody, "model").String(); got != "gpt-x" {
		t.Fatalf("model not injected into payload: %s", gotBody)
	}
	if got := gjson.GetBytes(gotBody, "max_tokens").Int(); got != 100 {
		t.Fatalf("max_tokens not injected: %s", gotBody)
	}

	view := reg.Snapshot()[0]
	if view.ConsecutiveSuccesses != 1 || view.TokensUsedToday != 42 {
		t.Fatalf("registry not updated: %+v", view)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	var calls int32
	exec, reg, _, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	})

	_, outcome, err := exec.Execute(context.Background(), testModel(), cred, execRequest())
	if err == nil {
		t.Fatal("expected an error")
	}
	execErr, ok := err.(*Error)
	if !ok || execErr.Category != CategoryRateLimited {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	// 429 is not retried on the same credential.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 physical attempt, got %d", n)
	}
	if outcome.ErrorKind != "rate_limited" {
		t.Fatalf("unexpected outcome error kind %q", outcome.ErrorKind)
	}
	if state := reg.Snapshot()[0].State; state != registry.StateRateLimited {
		t.Fatalf("credential should be RATE_LIMITED, got %s", state)
	}
}

func TestExecuteQuotaExhausted(t *testing.T) {
	exec, reg, _, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exhausted"}}`))
	})

	_, _, err := exec.Execute(context.Background(), testModel(), cred, execRequest())
	execErr, ok := err.(*Error)
	if !ok || execErr.Category != CategoryQuota {
		t.Fatalf("expected quota error, got %v", err)
	}
	if state := reg.Snapshot()[0].State; state != registry.StateQuotaExceeded {
		t.Fatalf("credential should be QUOTA_EXCEEDED, got %s", state)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	exec, reg, recorder, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"usage":{"total_tokens":5}}`))
	})

	_, outcome, err := exec.Execute(context.Background(), testModel(), cred, execRequest())
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 physical attempts, got %d", n)
	}
	if !outcome.Success {
		t.Fatalf("final outcome should be success: %+v", outcome)
	}
	// One telemetry record per logical execution, not per attempt.
	if recorder.Len() != 1 {
		t.Fatalf("expected 1 telemetry record, got %d", recorder.Len())
	}
	// Every physical attempt committed: 1 error then 1 success.
	view := reg.Snapshot()[0]
	if view.ConsecutiveSuccesses != 1 || view.ConsecutiveErrors != 0 {
		t.Fatalf("per-attempt commits missing: %+v", view)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	var calls int32
	exec, reg, _, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, err := exec.Execute(context.Background(), testModel(), cred, execRequest())
	execErr, ok := err.(*Error)
	if !ok || execErr.Category != CategoryTransient {
		t.Fatalf("expected transient error after retries, got %v", err)
	}
	// Attempts = configured retries + 1 initial.
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 physical attempts, got %d", n)
	}
	if errs := reg.Snapshot()[0].ConsecutiveErrors; errs != 3 {
		t.Fatalf("expected 3 committed errors, got %d", errs)
	}
}

func TestExecuteNonRetryableStopsImmediately(t *testing.T) {
	var calls int32
	exec, _, _, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"bad schema"}}`))
	})

	_, _, err := exec.Execute(context.Background(), testModel(), cred, execRequest())
	execErr, ok := err.(*Error)
	if !ok || execErr.Category != CategoryUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", n)
	}
}

func TestExecuteReleasesReservation(t *testing.T) {
	exec, reg, _, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, _ = exec.Execute(context.Background(), testModel(), cred, execRequest())

	// The reservation must be returned regardless of outcome; a fresh
	// full-size reservation proves nothing leaked.
	if !reg.Reserve("cred-1", 10) {
		t.Fatal("reservation leaked after failed execution")
	}
}

func TestExecuteAttemptTimeout(t *testing.T) {
	exec, _, _, cred := harness(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	req := execRequest()
	req.Timeout = 20 * time.Millisecond
	start := time.Now()
	_, _, err := exec.Execute(context.Background(), testModel(), cred, req)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	execErr, ok := err.(*Error)
	if !ok || execErr.Category != CategoryTransient {
		t.Fatalf("timeouts classify as transient, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced per attempt, took %s", elapsed)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCategory
	}{
		{http.StatusOK, CategoryUnknown},
		{http.StatusTooManyRequests, CategoryRateLimited},
		{http.StatusPaymentRequired, CategoryQuota},
		{http.StatusForbidden, CategoryQuota},
		{http.StatusInternalServerError, CategoryTransient},
		{http.StatusBadGateway, CategoryTransient},
		{http.StatusServiceUnavailable, CategoryTransient},
		{http.StatusGatewayTimeout, CategoryTransient},
		{http.StatusBadRequest, CategoryUpstream},
		{http.StatusNotFound, CategoryUpstream},
	}
	for _, tt := range tests {
		if got := CategorizeStatus(tt.status); got != tt.want {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.want, got)
		}
	}
}

func TestParseUsageTokens(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int64
	}{
		{"openai total", `{"usage":{"total_tokens":42}}`, 42},
		{"openai split", `{"usage":{"prompt_tokens":10,"completion_tokens":5}}`, 15},
		{"anthropic split", `{"usage":{"input_tokens":7,"output_tokens":3}}`, 10},
		{"no usage", `{"choices":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseUsageTokens([]byte(tt.payload)); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestBuildBodyWrapsPlainText(t *testing.T) {
	exec := &Executor{}
	body, err := exec.buildBody(testModel(), Request{Payload: []byte("hello there")})
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(body, "messages.0.content").String(); got != "hello there" {
		t.Fatalf("plain payload not wrapped: %s", body)
	}
	if got := gjson.GetBytes(body, "model").String(); got != "gpt-x" {
		t.Fatalf("model missing: %s", body)
	}
}

func TestBuildBodyClampsMaxTokens(t *testing.T) {
	exec := &Executor{}
	body, err := exec.buildBody(testModel(), Request{Payload: []byte(`{"messages":[]}`), MaxTokens: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(body, "max_tokens").Int(); got != 4096 {
		t.Fatalf("max_tokens not clamped to model limit: %d", got)
	}
}
