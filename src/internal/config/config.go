// FILE: lokiship/src/internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"lokiship/src/internal/core"
)

// Overflow policies applied when the buffer ceiling is reached.
const (
	OverflowFlush  = "flush"  // seal and ship immediately, never drop
	OverflowReject = "reject" // fail the Accept call with a capacity error
)

// Failure policies applied when retries are exhausted.
const (
	FailureDrop    = "drop"    // drop the batch, report the error
	FailureRequeue = "requeue" // keep the batch for later attempts, bounded depth
)

// Config is the full configuration surface of the shipper.
type Config struct {
	// URL is the push endpoint, e.g. http://localhost:3100/loki/api/v1/push
	URL string `toml:"url"`

	// Labels is the global label set. At least one label is required.
	Labels map[string]string `toml:"labels"`

	// Headers are static headers added to every push request.
	Headers map[string]string `toml:"headers"`

	// MaxLogs seals the current generation when its entry count
	// reaches this threshold.
	MaxLogs int64 `toml:"max_logs"`

	// MaxLogLifetimeMS seals the current generation when its oldest
	// entry reaches this age.
	MaxLogLifetimeMS int64 `toml:"max_log_lifetime_ms"`

	// MinLevel drops records below this level at Accept.
	MinLevel string `toml:"min_level"`

	// Formatter selects the line formatter: "logfmt" or "json".
	Formatter        string         `toml:"formatter"`
	FormatterOptions map[string]any `toml:"formatter_options"`

	// MergeRecordLabels merges per-record labels over the global set
	// when resolving a record's stream.
	MergeRecordLabels bool `toml:"merge_record_labels"`

	// Capacity is a hard ceiling on buffered entries per generation.
	// Zero disables the ceiling.
	Capacity       int64  `toml:"capacity"`
	OverflowPolicy string `toml:"overflow_policy"`

	// Compress gzips the push payload and sets Content-Encoding.
	Compress bool `toml:"compress"`

	// Retry parameters for the delivery loop.
	MaxRetries   int64   `toml:"max_retries"`
	RetryDelayMS int64   `toml:"retry_delay_ms"`
	RetryBackoff float64 `toml:"retry_backoff"`

	// FailurePolicy decides what happens to a batch once retries are
	// exhausted. RequeueDepth bounds how many failed batches may be
	// held for later attempts.
	FailurePolicy string `toml:"failure_policy"`
	RequeueDepth  int64  `toml:"requeue_depth"`

	// TimeoutSec is the per-request HTTP timeout.
	TimeoutSec int64 `toml:"timeout_seconds"`

	// RateLimit caps outbound push requests per second. Zero disables.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int64   `toml:"rate_burst"`

	// TLS configures the HTTPS client, including mTLS identity and a
	// server CA override.
	TLS                *TLSClientConfig `toml:"tls"`
	InsecureSkipVerify bool             `toml:"insecure_skip_verify"`
}

// Defaults returns the baseline configuration. Thresholds follow the
// conventional Loki client defaults: 4096 lines or 5 minutes, 6 retry
// attempts on a doubling backoff.
func Defaults() *Config {
	return &Config{
		MaxLogs:          4096,
		MaxLogLifetimeMS: (5 * time.Minute).Milliseconds(),
		MinLevel:         "trace",
		Formatter:        "logfmt",
		OverflowPolicy:   OverflowFlush,
		MaxRetries:       6,
		RetryDelayMS:     1000,
		RetryBackoff:     2.0,
		FailurePolicy:    FailureDrop,
		RequeueDepth:     8,
		TimeoutSec:       30,
		RateBurst:        1,
	}
}

// Validate checks the configuration. All violations are ConfigErrors;
// the first one found is returned.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		return &core.ConfigError{Field: "url", Reason: "push endpoint URL is required"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &core.ConfigError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &core.ConfigError{Field: "url", Reason: "endpoint URL has no host"}
	}
	if len(c.Labels) == 0 {
		return &core.ConfigError{Field: "labels", Reason: "at least one global label is required"}
	}
	if c.MaxLogs <= 0 {
		return &core.ConfigError{Field: "max_logs", Reason: "count threshold must be positive"}
	}
	if c.MaxLogLifetimeMS <= 0 {
		return &core.ConfigError{Field: "max_log_lifetime_ms", Reason: "age threshold must be positive"}
	}
	if _, err := core.ParseLevel(c.MinLevel); err != nil {
		return &core.ConfigError{Field: "min_level", Reason: err.Error()}
	}
	if c.Capacity < 0 {
		return &core.ConfigError{Field: "capacity", Reason: "ceiling cannot be negative"}
	}
	if c.Capacity > 0 && c.Capacity < c.MaxLogs {
		return &core.ConfigError{Field: "capacity", Reason: "ceiling below max_logs makes the count trigger unreachable"}
	}
	switch c.OverflowPolicy {
	case OverflowFlush, OverflowReject:
	default:
		return &core.ConfigError{Field: "overflow_policy", Reason: fmt.Sprintf("unknown policy %q", c.OverflowPolicy)}
	}
	switch c.FailurePolicy {
	case FailureDrop, FailureRequeue:
	default:
		return &core.ConfigError{Field: "failure_policy", Reason: fmt.Sprintf("unknown policy %q", c.FailurePolicy)}
	}
	if c.FailurePolicy == FailureRequeue && c.RequeueDepth <= 0 {
		return &core.ConfigError{Field: "requeue_depth", Reason: "requeue policy needs a positive depth"}
	}
	if c.MaxRetries < 0 {
		return &core.ConfigError{Field: "max_retries", Reason: "retry limit cannot be negative"}
	}
	if c.RetryDelayMS <= 0 {
		return &core.ConfigError{Field: "retry_delay_ms", Reason: "backoff base must be positive"}
	}
	if c.RetryBackoff < 1.0 {
		return &core.ConfigError{Field: "retry_backoff", Reason: "backoff multiplier must be >= 1"}
	}
	if c.TimeoutSec <= 0 {
		return &core.ConfigError{Field: "timeout_seconds", Reason: "request timeout must be positive"}
	}
	if c.RateLimit < 0 {
		return &core.ConfigError{Field: "rate_limit", Reason: "rate limit cannot be negative"}
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return &core.ConfigError{Field: "rate_burst", Reason: "rate limiting needs a positive burst"}
	}
	if c.TLS != nil {
		if err := c.TLS.validate(); err != nil {
			return err
		}
	}
	return nil
}

// MaxLogLifetime returns the age threshold as a duration.
func (c *Config) MaxLogLifetime() time.Duration {
	return time.Duration(c.MaxLogLifetimeMS) * time.Millisecond
}

// RetryDelay returns the backoff base as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}
