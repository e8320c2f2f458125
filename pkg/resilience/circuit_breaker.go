package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// StatusError is a non-2xx vendor response other than a rate limit.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the vendor may succeed on retry.
func (e StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError
}

// FromStatus maps a vendor HTTP status to a typed error, or nil on 2xx.
func FromStatus(provider string, code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return RateLimitError{Provider: provider, Message: body}
	default:
		return StatusError{Provider: provider, Code: code, Body: body}
	}
}

// IsTransient reports whether err is a rate limit or a vendor 5xx.
func IsTransient(err error) bool {
	if err == nil || ctxErr(err) {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker blocks requests after repeated rate limit failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !time.Now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = time.Now().Add(c.cooldown)
	}
}
