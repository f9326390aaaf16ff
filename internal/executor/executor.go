// Package executor performs the outbound provider call for a chosen
// (model, credential) pair: timeout, transient retry with backoff, response
// classification, usage commit per attempt and one telemetry record per
// logical execution.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openmux/modelgate/internal/catalog"
	"github.com/openmux/modelgate/internal/config"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/registry"
	"github.com/openmux/modelgate/internal/telemetry"
)

// Request is one outbound call. Payload is the caller's JSON body; the
// executor injects the resolved model name and token ceiling into it.
type Request struct {
	Payload         []byte
	MaxTokens       int
	EstimatedTokens int64
	// Timeout bounds each physical attempt. The caller's context bounds
	// the cumulative sequence across retries.
	Timeout time.Duration
}

// Executor issues provider calls and keeps the registry and telemetry in
// sync with what actually happened on the wire.
type Executor struct {
	client   *http.Client
	retry    config.RetryConfig
	registry *registry.Registry
	recorder *telemetry.Recorder
}

// New builds an executor sharing one proxy-aware HTTP client.
func New(cfg *config.Config, reg *registry.Registry, recorder *telemetry.Recorder) *Executor {
	return &Executor{
		client:   newHTTPClient(cfg.ProxyURL),
		retry:    cfg.Retry,
		registry: reg,
		recorder: recorder,
	}
}

// Execute runs the call against the reserved credential. Transient
// failures are retried on the same credential with exponential backoff;
// every physical attempt is committed to the registry and exactly one
// outcome (the final attempt's) is recorded.
//
// The returned error, when non-nil, is always a *Error.
func (e *Executor) Execute(ctx context.Context, model catalog.Model, cred registry.CredentialView, req Request) ([]byte, telemetry.Outcome, error) {
	body, err := e.buildBody(model, req)
	if err != nil {
		// Nothing went on the wire; hand the reservation back untouched.
		e.registry.Release(cred.ID, req.EstimatedTokens)
		execErr := &Error{Category: CategoryUpstream, HTTPStatus: http.StatusBadRequest, Message: err.Error()}
		outcome := e.record(model, cred, telemetry.Outcome{ErrorKind: execErr.Category.String()})
		return nil, outcome, execErr
	}

	attempts := e.retry.Attempts + 1
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.retry.RequestTimeout.Std()
	}

	var (
		content   []byte
		lastErr   *Error
		latency   time.Duration
		tokens    int64
		succeeded bool
		released  bool
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if errWait := e.backoff(ctx, attempt-1); errWait != nil {
				lastErr = newTransientError(errWait.Error())
				break
			}
		}
		final := attempt == attempts-1

		content, tokens, latency, lastErr = e.attempt(ctx, model, cred, body, timeout)
		succeeded = lastErr == nil

		commit := registry.Commit{
			EstimatedTokens: req.EstimatedTokens,
			Release:         final || succeeded || !lastErr.Category.Retryable(),
			ActualTokens:    tokens,
			Success:         succeeded,
			Latency:         latency,
			RateLimited:     lastErr != nil && lastErr.Category == CategoryRateLimited,
			QuotaExhausted:  lastErr != nil && lastErr.Category == CategoryQuota,
		}
		if errCommit := e.registry.ApplyCommit(cred.ID, commit); errCommit != nil {
			log.WithError(errCommit).Warnf("commit failed for credential %s", cred.ID)
		}
		released = released || commit.Release

		if succeeded || !lastErr.Category.Retryable() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.Debugf("transient failure on %s (attempt %d/%d): %v", cred.ID, attempt+1, attempts, lastErr)
	}
	if !released {
		// Backoff was cancelled before the final attempt could commit.
		e.registry.Release(cred.ID, req.EstimatedTokens)
	}

	outcome := telemetry.Outcome{
		Success:    succeeded,
		Latency:    latency,
		TokensUsed: tokens,
		Cost:       float64(tokens) * model.CostPerToken,
	}
	if lastErr != nil {
		outcome.ErrorKind = lastErr.Category.String()
	}
	outcome = e.record(model, cred, outcome)

	if lastErr != nil {
		return nil, outcome, lastErr
	}
	return content, outcome, nil
}

// attempt performs one physical HTTP call.
func (e *Executor) attempt(ctx context.Context, model catalog.Model, cred registry.CredentialView, body []byte, timeout time.Duration) ([]byte, int64, time.Duration, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimSuffix(cred.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, &Error{Category: CategoryUpstream, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	httpReq.Header.Set("User-Agent", "modelgate/1.0")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
			return nil, 0, latency, newTransientError("request timed out")
		}
		return nil, 0, latency, newTransientError(err.Error())
	}
	reader := decodeBody(resp)
	payload, readErr := io.ReadAll(reader)
	if errClose := reader.Close(); errClose != nil {
		log.WithError(errClose).Debug("close response body")
	}
	latency = time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, latency, newStatusError(resp.StatusCode, upstreamMessage(payload))
	}
	if readErr != nil {
		return nil, 0, latency, newTransientError(readErr.Error())
	}
	return payload, parseUsageTokens(payload), latency, nil
}

// buildBody injects the resolved model and token ceiling into the caller
// payload. A non-object payload is wrapped as a single user message.
func (e *Executor) buildBody(model catalog.Model, req Request) ([]byte, error) {
	body := req.Payload
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		wrapped, err := sjson.SetBytes([]byte(`{"messages":[{"role":"user"}]}`), "messages.0.content", string(body))
		if err != nil {
			return nil, err
		}
		body = wrapped
	}
	body, err := sjson.SetBytes(body, "model", model.Name)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || (model.MaxTokens > 0 && maxTokens > model.MaxTokens) {
		maxTokens = model.MaxTokens
	}
	if maxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", maxTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (e *Executor) backoff(ctx context.Context, retryIndex int) error {
	wait := e.retry.BackoffBase.Std() << retryIndex
	if maxWait := e.retry.BackoffCap.Std(); maxWait > 0 && wait > maxWait {
		wait = maxWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) record(model catalog.Model, cred registry.CredentialView, outcome telemetry.Outcome) telemetry.Outcome {
	outcome.CredentialID = cred.ID
	outcome.Provider = model.Provider
	outcome.Model = model.Name
	outcome.Timestamp = time.Now()
	e.recorder.Record(outcome)
	return outcome
}

// parseUsageTokens extracts total token usage from a provider response,
// accepting both OpenAI-style and Anthropic-style usage objects.
func parseUsageTokens(payload []byte) int64 {
	usage := gjson.GetBytes(payload, "usage")
	if !usage.Exists() {
		return 0
	}
	if total := usage.Get("total_tokens"); total.Exists() {
		return total.Int()
	}
	prompt := usage.Get("prompt_tokens").Int() + usage.Get("input_tokens").Int()
	completion := usage.Get("completion_tokens").Int() + usage.Get("output_tokens").Int()
	return prompt + completion
}

// upstreamMessage pulls a human-readable error out of a JSON error body.
func upstreamMessage(payload []byte) string {
	if message := gjson.GetBytes(payload, "error.message"); message.Exists() {
		return message.String()
	}
	if message := gjson.GetBytes(payload, "message"); message.Exists() {
		return message.String()
	}
	return strings.TrimSpace(string(payload))
}
