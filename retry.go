package stepflow

import "time"

// RetryBuilder provides a fluent way to construct RetryConfig values for use
// with WithRetryConfig.
type RetryBuilder struct {
	cfg RetryConfig
}

// Retry creates a RetryBuilder that retries a failed step up to retries
// times after the first attempt.
//
// retries < 0 is treated as 0 (no retries).
func Retry(retries int) RetryBuilder {
	if retries < 0 {
		retries = 0
	}
	return RetryBuilder{cfg: RetryConfig{Attempts: retries}}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	c := r.cfg
	c.Delay = initial
	c.MaxDelay = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	c.Multiplier = multiplier
	return RetryBuilder{cfg: c}
}

// WithConstantBackoff waits delay between every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	c := r.cfg
	c.Delay = delay
	c.MaxDelay = 0
	c.Multiplier = 1.0
	return RetryBuilder{cfg: c}
}

// Immediate disables any sleep between retries.
func (r RetryBuilder) Immediate() RetryBuilder {
	c := r.cfg
	c.Delay = 0
	c.MaxDelay = 0
	c.Multiplier = 0
	return RetryBuilder{cfg: c}
}

// Config returns the RetryConfig to pass to WithRetryConfig.
func (r RetryBuilder) Config() RetryConfig {
	return r.cfg
}
