package utils

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitBackoff decides whether a failed backend call is worth repeating
// and how long to wait first.
type RateLimitBackoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRateLimitBackoff returns the defaults used by the generation backends.
func NewRateLimitBackoff() *RateLimitBackoff {
	return &RateLimitBackoff{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

func containsRateLimitPhrases(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "server busy") ||
		strings.Contains(s, "maximum pending requests exceeded")
}

// IsRetryableStatus reports whether an HTTP status means the server is
// overloaded rather than broken.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// IsRateLimitError checks an error message for the phrases servers use when
// they shed load.
func (rlb *RateLimitBackoff) IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "status 429") || strings.Contains(msg, "http 429") {
		return true
	}
	return containsRateLimitPhrases(msg)
}

// Delay is the wait before retry number attempt (0-based). A Retry-After
// header, given in seconds, takes precedence over exponential growth.
func (rlb *RateLimitBackoff) Delay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds >= 0 {
			return rlb.capDelay(time.Duration(seconds) * time.Second)
		}
	}
	return rlb.capDelay(rlb.BaseDelay * time.Duration(math.Pow(2, float64(attempt))))
}

func (rlb *RateLimitBackoff) capDelay(delay time.Duration) time.Duration {
	if delay > rlb.MaxDelay {
		return rlb.MaxDelay
	}
	if delay < 0 {
		return rlb.BaseDelay
	}
	return delay
}

// ShouldRetry determines if we should retry based on attempt count
func (rlb *RateLimitBackoff) ShouldRetry(attempt int) bool {
	return attempt < rlb.MaxRetries
}

// Wait sleeps for d or until ctx is done.
func (rlb *RateLimitBackoff) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
