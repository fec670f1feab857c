// Package retry centralises the backoff policies used by the store's
// connect step and the LLM vision client's transport calls, so retry
// behaviour lives in one place instead of being reimplemented at each
// call site.
package retry

import (
	"context"
	"errors"
	"time"
)

// Kind selects a backoff shape.
type Kind int

const (
	// Linear waits Delay, then 2*Delay, then 3*Delay, ... Used for DB
	// connect retries.
	Linear Kind = iota
	// Exponential waits Delay, then Delay*Multiplier, then
	// Delay*Multiplier^2, ... Used for LLM transport retries.
	Exponential
)

// Policy describes one retry schedule.
type Policy struct {
	Kind       Kind
	Attempts   int           // total attempts including the first, not just retries
	Delay      time.Duration // base delay
	Multiplier float64       // only used by Exponential
}

// DBConnect is the store's connect-step policy: 3 attempts, linear
// back-off.
func DBConnect() Policy {
	return Policy{Kind: Linear, Attempts: 3, Delay: 500 * time.Millisecond}
}

// LLMTransport is the vision client's transport-retry policy: 2
// retries (3 attempts in total), exponential back-off.
func LLMTransport() Policy {
	return Policy{Kind: Exponential, Attempts: 3, Delay: time.Second, Multiplier: 2.0}
}

// delay returns the wait before attempt n (1-based; attempt 1 never
// waits).
func (p Policy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	switch p.Kind {
	case Exponential:
		d := p.Delay
		for i := 1; i < attempt-1; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
		}
		return d
	default: // Linear
		return time.Duration(attempt-1) * p.Delay
	}
}

// Do runs fn up to Policy.Attempts times, sleeping between attempts
// per the configured backoff. It returns the last error if every
// attempt fails, or nil on the first success. The caller's fn decides
// what is retryable — Do never inspects the error, so callers should
// only hand Do errors they've already classified as retryable.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if d := p.delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return lastErr
}
