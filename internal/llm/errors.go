package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind categorizes upstream failures for failover and reporting.
type ErrorKind string

const (
	ErrorKindNetwork  ErrorKind = "network"
	ErrorKindAuth     ErrorKind = "auth"
	ErrorKindRate     ErrorKind = "rate"
	ErrorKindCapacity ErrorKind = "capacity"
	ErrorKindBilling  ErrorKind = "billing"
	ErrorKindOther    ErrorKind = "other"
)

// Classify maps an upstream HTTP status and response body to an ErrorKind.
// Body patterns are checked first since providers frequently wrap the real
// condition in a misleading status (e.g. billing errors under 429).
func Classify(status int, body []byte) ErrorKind {
	lower := strings.ToLower(string(body))

	if isRateMessage(lower) {
		return ErrorKindRate
	}
	if isCapacityMessage(lower) {
		return ErrorKindCapacity
	}
	if isBillingMessage(lower) {
		return ErrorKindBilling
	}
	if isAuthMessage(lower) {
		return ErrorKindAuth
	}
	if isNetworkMessage(lower) {
		return ErrorKindNetwork
	}

	switch status {
	case 401, 403:
		return ErrorKindAuth
	case 402:
		return ErrorKindBilling
	case 429:
		return ErrorKindRate
	case 408, 504:
		return ErrorKindNetwork
	case 500, 502, 503, 529:
		return ErrorKindCapacity
	}
	return ErrorKindOther
}

// Retryable reports whether a failure should advance the fallback loop to
// the next model. Auth and billing failures are retryable because another
// provider holds different credentials; kind "other" retries only on 5xx
// or when no HTTP response was received at all.
func Retryable(kind ErrorKind, status int) bool {
	switch kind {
	case ErrorKindNetwork, ErrorKindRate, ErrorKindCapacity, ErrorKindAuth, ErrorKindBilling:
		return true
	default:
		return status >= 500 || status == 0
	}
}

// NewCallError classifies an upstream HTTP failure into a CallError.
func NewCallError(status int, body []byte) *CallError {
	kind := Classify(status, body)
	return &CallError{
		Status:    status,
		Body:      body,
		Retryable: Retryable(kind, status),
		Kind:      kind,
	}
}

// NewTransportError classifies an error raised before any HTTP response
// arrived. Context cancellation is not retryable: the client is gone.
func NewTransportError(err error) *CallError {
	retryable := true
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	return &CallError{
		Body:      []byte(err.Error()),
		Retryable: retryable,
		Kind:      ErrorKindNetwork,
	}
}

func isRateMessage(lower string) bool {
	return strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "requests per minute") ||
		strings.Contains(lower, "requests per day")
}

func isCapacityMessage(lower string) bool {
	return strings.Contains(lower, "overloaded_error") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "at capacity") ||
		strings.Contains(lower, "model unavailable") ||
		strings.Contains(lower, "model_not_found") ||
		strings.Contains(lower, "model not found")
}

func isBillingMessage(lower string) bool {
	return strings.Contains(lower, "payment required") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "plans & billing") ||
		strings.Contains(lower, "account balance")
}

func isAuthMessage(lower string) bool {
	return strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "token has expired") ||
		strings.Contains(lower, "authentication_error") ||
		strings.Contains(lower, "invalid credentials") ||
		strings.Contains(lower, "no api key found")
}

func isNetworkMessage(lower string) bool {
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe")
}
