package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// DefaultCallTimeout bounds each single provider attempt.
const DefaultCallTimeout = 90 * time.Second

// Attempt records one provider call in the fallback chain.
type Attempt struct {
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	Success   bool                `json:"success"`
	ErrorKind providers.ErrorKind `json:"error,omitempty"`
	LatencyMS int64               `json:"latency_ms"`
}

// FallbackResult reports the outcome of a chained call.
type FallbackResult struct {
	Response   *providers.ChatResponse
	ProviderID string
	Model      string
	Attempts   []Attempt
	ElapsedMS  int64
}

// FallbackRouter tries each candidate until one succeeds or the error
// is not worth retrying elsewhere.
type FallbackRouter struct {
	models      *ModelRouter
	callTimeout time.Duration
}

func NewFallbackRouter(models *ModelRouter, callTimeout time.Duration) *FallbackRouter {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &FallbackRouter{models: models, callTimeout: callTimeout}
}

// Chat runs the request against the candidate chain built from the
// preferred route. Each attempt is bounded by the per-call timeout.
// Non-retryable errors end the chain immediately.
func (f *FallbackRouter) Chat(ctx context.Context, preferred *Route, req providers.ChatRequest) (*FallbackResult, error) {
	candidates := f.models.Candidates(preferred)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no LLM provider configured")
	}

	result := &FallbackResult{}
	start := time.Now()
	var lastErr error
	var lastKind providers.ErrorKind

	for _, c := range candidates {
		attemptReq := req
		attemptReq.Model = c.Model

		attemptStart := time.Now()
		resp, err := f.callOne(ctx, c, attemptReq)
		latency := time.Since(attemptStart).Milliseconds()

		if err == nil {
			result.Attempts = append(result.Attempts, Attempt{
				Provider:  c.ProviderID,
				Model:     c.Model,
				Success:   true,
				LatencyMS: latency,
			})
			result.Response = resp
			result.ProviderID = c.ProviderID
			result.Model = c.Model
			result.ElapsedMS = time.Since(start).Milliseconds()
			return result, nil
		}

		kind := providers.Classify(err)
		result.Attempts = append(result.Attempts, Attempt{
			Provider:  c.ProviderID,
			Model:     c.Model,
			ErrorKind: kind,
			LatencyMS: latency,
		})
		lastErr = err
		lastKind = kind

		slog.Warn("provider attempt failed",
			"provider", c.ProviderID, "model", c.Model,
			"kind", kind, "latency_ms", latency, "error", err)

		if ctx.Err() != nil {
			break
		}
		if !providers.IsRetryable(kind) {
			break
		}
	}

	result.ElapsedMS = time.Since(start).Milliseconds()
	return result, fmt.Errorf("all providers failed (%s): %w", lastKind, lastErr)
}

func (f *FallbackRouter) callOne(ctx context.Context, c Route, req providers.ChatRequest) (*providers.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	return c.Provider.Chat(callCtx, req)
}
