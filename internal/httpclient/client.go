// Package httpclient provides a retrying HTTP client tuned for LLM provider
// APIs. Rate-limit responses (429/503) honor the provider's reset headers,
// transient server errors get a short fixed ladder, everything else returns
// immediately. Waits respect request context cancellation.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryClass decides how a failed attempt is retried.
type RetryClass int

const (
	// NoRetry fails immediately.
	NoRetry RetryClass = iota
	// QuickRetry retries transient server errors on a short fixed ladder.
	QuickRetry
	// RateLimited honors reset headers, falling back to exponential delay.
	RateLimited
)

// quickRetryCap bounds QuickRetry attempts regardless of MaxRetries.
const quickRetryCap = 2

// Classifier maps a response status code to a retry class.
type Classifier func(statusCode int) RetryClass

// DefaultClassifier retries rate limits smartly and server errors briefly.
func DefaultClassifier(statusCode int) RetryClass {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return RateLimited
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return QuickRetry
	default:
		return NoRetry
	}
}

// RateLimit carries provider rate-limit state parsed from response headers.
type RateLimit struct {
	// RetryAfter is the provider-mandated wait, when present.
	RetryAfter time.Duration

	// ResetAt is when the exhausted quota window reopens.
	ResetAt time.Time

	// RequestsRemaining and TokensRemaining are informational.
	RequestsRemaining int
	TokensRemaining   int
}

// HeaderParser extracts rate-limit state from provider response headers.
type HeaderParser func(http.Header) RateLimit

// Client wraps an http.Client with status-aware retries.
type Client struct {
	base       *http.Client
	maxRetries int
	baseDelay  time.Duration
	parse      HeaderParser
	classify   Classifier
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(base *http.Client) Option {
	return func(c *Client) { c.base = base }
}

// WithMaxRetries bounds retry attempts after the first try.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the exponential backoff base for rate-limit retries.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithHeaderParser installs a provider-specific rate-limit header parser.
func WithHeaderParser(p HeaderParser) Option {
	return func(c *Client) { c.parse = p }
}

// WithClassifier replaces the retry classification.
func WithClassifier(fn Classifier) Option {
	return func(c *Client) { c.classify = fn }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a Client. Defaults: 60s request timeout, 3 retries, 2s base
// delay, DefaultClassifier, slog default logger.
func New(opts ...Option) *Client {
	c := &Client{
		base:       &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		classify:   DefaultClassifier,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request, retrying per the classifier. The request body is
// rewound between attempts via req.GetBody; requests without GetBody are not
// retried after the body has been consumed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if req.GetBody == nil {
				return nil, fmt.Errorf("cannot retry: request body is not rewindable")
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewinding request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.base.Do(req)
		if err != nil {
			// Transport errors (DNS, connect, context) are not retried
			// here; the caller's breaker and context own those.
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		class := c.classify(resp.StatusCode)
		var limits RateLimit
		if c.parse != nil {
			limits = c.parse(resp.Header)
		}

		delay := c.delayFor(class, attempt, limits)
		if class == NoRetry || attempt >= c.maxRetries || delay <= 0 {
			// Terminal: hand the response back for body inspection.
			return resp, nil
		}
		resp.Body.Close()

		c.log.Warn("retrying provider request",
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"max", c.maxRetries,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// delayFor computes the wait before the next attempt, zero meaning stop.
func (c *Client) delayFor(class RetryClass, attempt int, limits RateLimit) time.Duration {
	switch class {
	case RateLimited:
		if limits.RetryAfter > 0 {
			return limits.RetryAfter
		}
		if !limits.ResetAt.IsZero() {
			if until := time.Until(limits.ResetAt); until > 0 {
				return until
			}
		}
		exp := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		return exp + time.Duration(float64(exp)*0.1)
	case QuickRetry:
		if attempt >= quickRetryCap {
			return 0
		}
		return time.Duration(attempt+1) * time.Second
	default:
		return 0
	}
}
