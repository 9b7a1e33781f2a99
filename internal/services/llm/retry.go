package llm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for Gemini API rate limit handling.
// Tuned for Gemini's per-minute quota window.
type RetryConfig struct {
	// MaxRetries is the maximum number of transport-level retry attempts.
	MaxRetries int

	// InitialBackoff is the initial wait time before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait time between retries.
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64
}

// Default retry constants. Transport retries stay well inside the 90 s
// generative-call timeout so a rate-limited call still fails the attempt in
// bounded time.
const (
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = 2 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 1.5
)

// NewDefaultRetryConfig returns a RetryConfig with sensible defaults.
func NewDefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// IsRateLimitError checks if an error is a Gemini rate limit error.
// Matches 429 status codes and RESOURCE_EXHAUSTED errors.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "RESOURCE_EXHAUSTED") ||
		strings.Contains(errStr, "quota")
}

// IsTransientError reports whether an error is worth a transport-level retry
// within the same attempt: rate limits, 5xx responses and timeouts.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimitError(err) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "UNAVAILABLE") ||
		strings.Contains(errStr, "connection reset")
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs" patterns
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses the API-suggested retry delay from a Gemini error.
// Returns 0 if no delay is found in the error message.
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}

	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}

	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

// CalculateBackoff computes the backoff duration for a given attempt.
// If apiDelay > 0 (from ExtractRetryDelay), it's used as the base.
// Otherwise, InitialBackoff is used. The result is capped at MaxBackoff.
func (c *RetryConfig) CalculateBackoff(attempt int, apiDelay time.Duration) time.Duration {
	base := c.InitialBackoff
	if apiDelay > 0 {
		base = apiDelay + time.Second
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= c.BackoffMultiplier
	}

	backoff := time.Duration(float64(base) * multiplier)
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}

	return backoff
}
