// FILE: lokiship/src/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// ErrFlushTimeout is returned by Flush/Shutdown when the grace period
// elapses before outstanding deliveries resolve.
var ErrFlushTimeout = errors.New("flush grace period elapsed")

// ErrShipperClosed is returned by operations on a shut-down shipper.
var ErrShipperClosed = errors.New("shipper is closed")

// ConfigError reports an invalid shipper configuration. It is fatal to
// construction; a shipper is never built from a bad config.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// CapacityError is returned by Accept when the buffer ceiling is hit
// and the overflow policy is "reject". Other records are unaffected.
type CapacityError struct {
	Limit int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("buffer at capacity (%d entries)", e.Limit)
}

// FormatError wraps a formatter failure for a single record. The record
// is dropped; the batch it belonged to is delivered without it.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format record: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// TransportError reports a delivery failure. Retryable failures
// (5xx, 408, 429, network errors) feed the backoff loop; permanent
// failures (other 4xx) surface immediately.
type TransportError struct {
	StatusCode int // 0 when the request never got a response
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("push failed (%s, status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push failed (%s): %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
