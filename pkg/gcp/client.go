// Package gcp wraps the Google Cloud Functions, Cloud Scheduler and Pub/Sub
// REST APIs used by a deploy pass.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/github/functions-deploy/pkg/metrics"
	"golang.org/x/time/rate"
	"google.golang.org/api/cloudfunctions/v1"
	"google.golang.org/api/cloudscheduler/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/pubsub/v1"
)

// ClientOption is a function that configures the Client.
type ClientOption func(*Client) error

// Client issues rate limited, retried calls against the Google APIs.
type Client struct {
	functions   *cloudfunctions.Service
	scheduler   *cloudscheduler.Service
	pubsub      *pubsub.Service
	apiOpts     []option.ClientOption
	retries     int
	backoff     time.Duration
	rateLimiter *rate.Limiter
}

// NewClient creates a client for all three services. Credentials are picked
// up from the environment unless overridden with WithAPIOptions.
func NewClient(ctx context.Context, opts ...ClientOption) (*Client, error) {
	c := &Client{
		retries: 3,
		backoff: 100 * time.Millisecond,
		// 20 req/sec with burst of 50
		rateLimiter: rate.NewLimiter(rate.Limit(20), 50),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	var err error
	if c.functions, err = cloudfunctions.NewService(ctx, c.apiOpts...); err != nil {
		return nil, fmt.Errorf("failed to create cloud functions service: %w", err)
	}
	if c.scheduler, err = cloudscheduler.NewService(ctx, c.apiOpts...); err != nil {
		return nil, fmt.Errorf("failed to create cloud scheduler service: %w", err)
	}
	if c.pubsub, err = pubsub.NewService(ctx, c.apiOpts...); err != nil {
		return nil, fmt.Errorf("failed to create pubsub service: %w", err)
	}
	return c, nil
}

// WithRetries sets the number of retries for failed requests.
func WithRetries(retries int) ClientOption {
	return func(c *Client) error {
		c.retries = retries
		return nil
	}
}

// WithRetryBackoff sets the base delay of the exponential retry backoff.
func WithRetryBackoff(base time.Duration) ClientOption {
	return func(c *Client) error {
		c.backoff = base
		return nil
	}
}

// WithRateLimiter sets a custom rate limiter for API calls.
func WithRateLimiter(rps float64, burst int) ClientOption {
	return func(c *Client) error {
		c.rateLimiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithEndpoint points all services at a custom base URL. Plain HTTP is only
// accepted for local hosts.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) error {
		ep, err := normalizeEndpoint(endpoint)
		if err != nil {
			return err
		}
		c.apiOpts = append(c.apiOpts, option.WithEndpoint(ep))
		return nil
	}
}

// WithAPIOptions passes options through to the generated service
// constructors, for example credentials or a custom HTTP client.
func WithAPIOptions(opts ...option.ClientOption) ClientOption {
	return func(c *Client) error {
		c.apiOpts = append(c.apiOpts, opts...)
		return nil
	}
}

func normalizeEndpoint(endpoint string) (string, error) {
	isLocal := strings.HasPrefix(endpoint, "http://localhost") ||
		strings.HasPrefix(endpoint, "http://127.0.0.1")

	if strings.HasPrefix(endpoint, "http://") && !isLocal {
		return "", fmt.Errorf("insecure endpoint not allowed: %s (use HTTPS for non-local hosts)", endpoint)
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		endpoint = "https://" + endpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return endpoint, nil
}

// ClientError represents a client error that can not be retried.
type ClientError struct {
	err error
}

func (c *ClientError) Error() string {
	return fmt.Sprintf("client_error: %s", c.err.Error())
}

func (c *ClientError) Unwrap() error {
	return c.err
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is an API 409.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// do runs fn with rate limiting and retries. Transport errors, 429 and 5xx
// responses are retried with exponential backoff; other 4xx responses
// return a *ClientError immediately.
func (c *Client) do(ctx context.Context, method string, fn func() error) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var lastErr error
	// The first attempt is not a retry!
	for attempt := range c.retries + 1 {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * c.backoff
			//nolint:gosec
			jitter := time.Duration(rand.Int64N(50)) * time.Millisecond
			delay := min(backoff+jitter, 5*time.Second)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		start := time.Now()
		err := fn()
		metrics.APICallTimer.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.APICallOk.Inc()
			return nil
		}
		lastErr = fmt.Errorf("%s: %w", method, err)

		var gerr *googleapi.Error
		if errors.As(err, &gerr) &&
			gerr.Code >= 400 && gerr.Code < 500 &&
			gerr.Code != http.StatusTooManyRequests {
			metrics.APICallClientError.Inc()
			slog.Debug("client error, aborting",
				"method", method,
				"attempt", attempt,
				"error", lastErr)
			return &ClientError{err: lastErr}
		}

		slog.Warn("recoverable error, re-trying",
			"method", method,
			"attempt", attempt,
			"retries", c.retries,
			"error", lastErr)
		metrics.APICallSoftFail.Inc()
	}

	metrics.APICallHardFail.Inc()
	slog.Error("all retries exhausted",
		"method", method,
		"count", c.retries,
		"error", lastErr)
	return fmt.Errorf("all retries exhausted: %w", lastErr)
}
