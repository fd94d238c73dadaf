package model

import (
	"errors"
	"fmt"
	"time"
)

// PriceNotFoundError means the provider returned no price for the pair. It is
// non-retryable; the pair is de-registered from the source.
type PriceNotFoundError struct {
	Source SourceName
	Pair   Pair
}

func (e *PriceNotFoundError) Error() string {
	return fmt.Sprintf("price not found for %s on %s", e.Pair, e.Source)
}

// UnauthorizedError means the provider rejected our credentials.
type UnauthorizedError struct {
	Source SourceName
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized by %s", e.Source)
}

// RateLimitedError means the provider throttled us (429 or an in-band
// rate-limit note). Retried through the failed-pair queue.
type RateLimitedError struct {
	Source SourceName
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s", e.Source)
}

// BatchSizeExceededError is a caller-side contract breach: more pairs were
// requested than the adapter's batch limit allows.
type BatchSizeExceededError struct {
	Source    SourceName
	Requested int
	Max       int
}

func (e *BatchSizeExceededError) Error() string {
	return fmt.Sprintf("batch of %d exceeds max %d for %s", e.Requested, e.Max, e.Source)
}

// SourceAPIError is a generic upstream failure, optionally carrying the HTTP
// status. 5xx variants are retryable.
type SourceAPIError struct {
	Source     SourceName
	StatusCode int
	Err        error
}

func (e *SourceAPIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s api error (status %d): %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s api error (status %d)", e.Source, e.StatusCode)
}

func (e *SourceAPIError) Unwrap() error { return e.Err }

// TimeoutError means an adapter call exceeded its configured timeout.
type TimeoutError struct {
	Source  SourceName
	Pair    Pair
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s fetching %s", e.Source, e.Timeout, e.Pair)
}

// SourceUnsupportedError means the requested source key is unknown.
type SourceUnsupportedError struct {
	Name string
}

func (e *SourceUnsupportedError) Error() string {
	return fmt.Sprintf("unsupported source %q", e.Name)
}

// SourceDisabledError means the adapter exists but is disabled by config.
type SourceDisabledError struct {
	Name SourceName
}

func (e *SourceDisabledError) Error() string {
	return fmt.Sprintf("source %s is disabled", e.Name)
}

// IsPriceNotFound reports whether err is (or wraps) a PriceNotFoundError.
func IsPriceNotFound(err error) bool {
	var target *PriceNotFoundError
	return errors.As(err, &target)
}

// IsUnauthorized reports whether err is (or wraps) an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// ErrorType returns a stable short name for err, used as a metric label.
func ErrorType(err error) string {
	switch {
	case IsPriceNotFound(err):
		return "price_not_found"
	case IsUnauthorized(err):
		return "unauthorized"
	case IsRateLimited(err):
		return "rate_limited"
	case IsTimeout(err):
		return "timeout"
	default:
		var batch *BatchSizeExceededError
		if errors.As(err, &batch) {
			return "batch_size_exceeded"
		}
		var api *SourceAPIError
		if errors.As(err, &api) {
			return "source_api"
		}
		var unsupported *SourceUnsupportedError
		if errors.As(err, &unsupported) {
			return "source_unsupported"
		}
		var disabled *SourceDisabledError
		if errors.As(err, &disabled) {
			return "source_disabled"
		}
		return "unknown"
	}
}
