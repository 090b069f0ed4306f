package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseOpenAILimits reads OpenAI rate-limit headers. Reset headers carry Go
// duration syntax ("1s", "6m0s"); bare integers are treated as seconds.
func ParseOpenAILimits(h http.Header) RateLimit {
	limits := RateLimit{RetryAfter: parseRetryAfter(h.Get("Retry-After"))}

	for _, key := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if raw := h.Get(key); raw != "" {
			if d := parseResetDuration(raw); d > 0 {
				limits.ResetAt = time.Now().Add(d)
				break
			}
		}
	}

	limits.RequestsRemaining = parseInt(h.Get("x-ratelimit-remaining-requests"))
	limits.TokensRemaining = parseInt(h.Get("x-ratelimit-remaining-tokens"))
	return limits
}

// ParseAnthropicLimits reads Anthropic rate-limit headers. Reset headers are
// RFC 3339 timestamps.
func ParseAnthropicLimits(h http.Header) RateLimit {
	limits := RateLimit{RetryAfter: parseRetryAfter(h.Get("retry-after"))}

	if raw := h.Get("anthropic-ratelimit-requests-reset"); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			limits.ResetAt = at
		}
	}

	limits.RequestsRemaining = parseInt(h.Get("anthropic-ratelimit-requests-remaining"))
	limits.TokensRemaining = parseInt(h.Get("anthropic-ratelimit-input-tokens-remaining")) +
		parseInt(h.Get("anthropic-ratelimit-output-tokens-remaining"))
	return limits
}

// parseRetryAfter handles both forms RFC 9110 allows: delay seconds and an
// HTTP date.
func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if until := time.Until(at); until > 0 {
			return until
		}
	}
	return 0
}

func parseResetDuration(raw string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func parseInt(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
