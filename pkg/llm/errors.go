package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a provider failure for retry and fallback decisions.
type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindServer    Kind = "server"
	KindClient    Kind = "client"
	KindNetwork   Kind = "network"
	KindUnknown   Kind = "unknown"
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a single retry is worthwhile.
// Client errors (4xx) are never retried.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindServer, KindNetwork:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status code to a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// Classify wraps err as a ProviderError, preserving an existing
// classification if one is present.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Kind:       classifyStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Kind:       classifyStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Message: err.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		kind := KindNetwork
		if netErr.Timeout() {
			kind = KindTimeout
		}
		return &ProviderError{Kind: kind, Message: err.Error(), Err: err}
	}

	return &ProviderError{Kind: KindUnknown, Message: err.Error(), Err: err}
}
