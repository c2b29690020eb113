package rawg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// UpstreamError is returned by FetchPage for every failure that is not the
// caller's own cancellation. URL never contains the API key.
type UpstreamError struct {
	// Op is the failing step: "request", "status", "read" or "decode".
	Op         string
	URL        string
	StatusCode int
	Message    string
	Err        error

	// RetryAfter is the server's Retry-After hint on 429/503, zero otherwise.
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("rawg %s %s: status %d: %s", e.Op, e.URL, e.StatusCode, e.Message)
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("rawg %s %s: status %d", e.Op, e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("rawg %s %s: %v", e.Op, e.URL, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request may succeed.
//
// Transport and body-read failures, 408, 429 and 5xx are retryable. Other
// 4xx and malformed bodies are not: the same request gets the same answer.
func (e *UpstreamError) Retryable() bool {
	switch e.Op {
	case "request", "read":
		return !errors.Is(e.Err, context.Canceled)
	case "status":
		return e.StatusCode == http.StatusRequestTimeout ||
			e.StatusCode == http.StatusTooManyRequests ||
			e.StatusCode >= 500
	default:
		return false
	}
}

// IsRetryable reports whether err wraps a retryable *UpstreamError.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	return false
}

// RetryAfter returns the Retry-After hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}
