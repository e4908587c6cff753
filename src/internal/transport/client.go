// FILE: lokiship/src/internal/transport/client.go
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"lokiship/src/internal/config"
	"lokiship/src/internal/core"
	ltls "lokiship/src/internal/tls"
	"lokiship/src/internal/version"

	"github.com/lixenwraith/log"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// Client delivers push payloads over HTTP with bounded exponential
// backoff. One Send call owns one payload from first attempt to final
// outcome.
type Client struct {
	config     *config.Config
	client     *fasthttp.Client
	tlsManager *ltls.ClientManager
	limiter    *rate.Limiter
	logger     *log.Logger

	totalRequests atomic.Uint64
	totalRetries  atomic.Uint64
}

// New creates the push transport.
func New(cfg *config.Config, logger *log.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logger,
	}

	c.client = &fasthttp.Client{
		MaxConnsPerHost:               10,
		MaxIdleConnDuration:           10 * time.Second,
		ReadTimeout:                   cfg.Timeout(),
		WriteTimeout:                  cfg.Timeout(),
		DisableHeaderNamesNormalizing: true,
	}

	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateBurst))
	}

	if strings.HasPrefix(cfg.URL, "https://") {
		if cfg.TLS != nil && cfg.TLS.Enabled {
			tlsManager, err := ltls.NewClientManager(cfg.TLS, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create TLS client manager: %w", err)
			}
			c.tlsManager = tlsManager
			c.client.TLSConfig = tlsManager.GetConfig()
		} else if cfg.InsecureSkipVerify {
			c.client.TLSConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
	}

	return c, nil
}

// Send pushes one payload. Retryable failures (network errors, 5xx,
// 408, 429) are retried up to the attempt limit with exponential
// backoff; other 4xx responses fail immediately. The returned error is
// always a *core.TransportError on failure.
func (c *Client) Send(ctx context.Context, payload []byte, contentEncoding string) error {
	var lastErr *core.TransportError
	retryDelay := c.config.RetryDelay()

	for attempt := int64(0); attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.totalRetries.Add(1)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return &core.TransportError{Retryable: true, Err: ctx.Err()}
			}

			// Grow the delay with overflow protection, capped at the
			// request timeout.
			newDelay := time.Duration(float64(retryDelay) * c.config.RetryBackoff)
			if newDelay > c.config.Timeout() || newDelay < retryDelay {
				retryDelay = c.config.Timeout()
			} else {
				retryDelay = newDelay
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return &core.TransportError{Retryable: true, Err: err}
			}
		}

		statusCode, responseBody, err := c.post(payload, contentEncoding)
		c.totalRequests.Add(1)

		if err != nil {
			lastErr = &core.TransportError{Retryable: true, Err: fmt.Errorf("request failed: %w", err)}
			c.logger.Warn("msg", "Push request failed",
				"component", "transport",
				"attempt", attempt+1,
				"max_retries", c.config.MaxRetries,
				"error", err)
			continue
		}

		if statusCode >= 200 && statusCode < 300 {
			c.logger.Debug("msg", "Push accepted",
				"component", "transport",
				"status_code", statusCode,
				"attempt", attempt+1)
			return nil
		}

		retryable := statusCode >= 500 || statusCode == fasthttp.StatusRequestTimeout ||
			statusCode == fasthttp.StatusTooManyRequests
		lastErr = &core.TransportError{
			StatusCode: statusCode,
			Retryable:  retryable,
			Err:        fmt.Errorf("server returned status %d: %s", statusCode, responseBody),
		}

		if !retryable {
			c.logger.Error("msg", "Push rejected by server",
				"component", "transport",
				"status_code", statusCode,
				"response", string(responseBody))
			return lastErr
		}

		c.logger.Warn("msg", "Server returned retryable status",
			"component", "transport",
			"attempt", attempt+1,
			"status_code", statusCode)
	}

	c.logger.Error("msg", "Push failed after all retries",
		"component", "transport",
		"retries", c.config.MaxRetries,
		"last_error", lastErr)
	return lastErr
}

// post performs a single HTTP POST attempt.
func (c *Client) post(payload []byte, contentEncoding string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(c.config.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if contentEncoding != "" {
		req.Header.Set(fasthttp.HeaderContentEncoding, contentEncoding)
	}
	req.Header.Set(fasthttp.HeaderUserAgent, fmt.Sprintf("lokiship/%s", version.Short()))
	for name, value := range c.config.Headers {
		req.Header.Set(name, value)
	}
	req.SetBody(payload)

	err := c.client.DoTimeout(req, resp, c.config.Timeout())

	statusCode := resp.StatusCode()
	var responseBody []byte
	if len(resp.Body()) > 0 {
		responseBody = make([]byte, len(resp.Body()))
		copy(responseBody, resp.Body())
	}

	// Release immediately, not deferred
	fasthttp.ReleaseRequest(req)
	fasthttp.ReleaseResponse(resp)

	return statusCode, responseBody, err
}

// Stats returns delivery counters.
func (c *Client) Stats() (requests, retries uint64) {
	return c.totalRequests.Load(), c.totalRetries.Load()
}
