package codepunk

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrProvider wraps any transport, timeout, or protocol failure from a
// provider call. The inner cause is preserved for errors.Is/As.
type ErrProvider struct {
	Provider string
	Message  string
	Err      error
}

func (e *ErrProvider) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ErrProvider) Unwrap() error { return e.Err }

// ErrHTTP is a non-2xx provider response. Body is truncated by the adapter
// before construction. RetryAfter is parsed from the Retry-After header for
// 429/503 responses, zero otherwise.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is a retryable HTTP error (429 or 503).
func IsTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable)
}

// IsUnauthorized reports whether err is an HTTP 401 from the provider.
func IsUnauthorized(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && e.Status == http.StatusUnauthorized
}

// IsServerError reports whether err is an HTTP 5xx from the provider.
func IsServerError(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && e.Status >= 500
}

// RetryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func RetryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value: either delta-seconds
// ("120") or an HTTP-date. Returns 0 for empty, malformed, or past values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
