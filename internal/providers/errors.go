package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for the fallback router.
type ErrorKind string

const (
	ErrAuth             ErrorKind = "auth"
	ErrRateLimit        ErrorKind = "rate_limit"
	ErrTimeout          ErrorKind = "timeout"
	ErrTransientNetwork ErrorKind = "transient_network"
	ErrProvider5xx      ErrorKind = "provider_5xx"
	ErrBilling          ErrorKind = "billing"
	ErrContextOverflow  ErrorKind = "context_overflow"
	ErrValidation       ErrorKind = "validation"
	ErrNotFound         ErrorKind = "not_found"
	ErrToolFailure      ErrorKind = "tool_failure"
	ErrInternal         ErrorKind = "internal"
)

// HTTPError captures a non-200 response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Classify maps an error from a provider call to its kind. Kinds drive
// the fallback router's decision to try the next candidate or abort.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrInternal
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrTransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return ErrTransientNetwork
	case strings.Contains(msg, "context length"),
		strings.Contains(msg, "context window"),
		strings.Contains(msg, "maximum context"),
		strings.Contains(msg, "too many tokens"):
		return ErrContextOverflow
	}
	return ErrInternal
}

func classifyHTTP(e *HTTPError) ErrorKind {
	body := strings.ToLower(e.Body)

	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusTooManyRequests:
		// Some gateways report exhausted credit as 429.
		if strings.Contains(body, "quota") || strings.Contains(body, "billing") ||
			strings.Contains(body, "credit") || strings.Contains(body, "insufficient") {
			return ErrBilling
		}
		return ErrRateLimit
	case http.StatusPaymentRequired:
		return ErrBilling
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if strings.Contains(body, "context length") ||
			strings.Contains(body, "context window") ||
			strings.Contains(body, "maximum context") ||
			strings.Contains(body, "prompt is too long") ||
			strings.Contains(body, "too many tokens") {
			return ErrContextOverflow
		}
		return ErrValidation
	}

	if e.Status >= 500 {
		return ErrProvider5xx
	}
	return ErrInternal
}

// retryableKinds are the failures worth trying on another candidate.
var retryableKinds = map[ErrorKind]bool{
	ErrRateLimit:        true,
	ErrTimeout:          true,
	ErrTransientNetwork: true,
	ErrBilling:          true,
	ErrProvider5xx:      true,
}

// IsRetryable reports whether the fallback chain should continue past
// this error. Auth, validation, context-overflow and not-found failures
// abort the chain: retrying elsewhere cannot fix the request.
func IsRetryable(kind ErrorKind) bool {
	return retryableKinds[kind]
}
