// Package retry is the reusable reconnect policy shared by relay clients:
// exponential backoff with a capped delay and a bounded number of attempts.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy mirrors {maxAttempts, baseDelay, multiplier, cap}.
type Policy struct {
	// MaxAttempts bounds the total number of tries. Zero means unbounded.
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	Multiplier  float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	Cap         time.Duration `env:"RETRY_CAP" envDefault:"30s"`
	// Jitter randomizes each delay by +/- this fraction.
	Jitter float64 `env:"RETRY_JITTER" envDefault:"0"`
}

// Default returns the reconnect policy browser clients use: five attempts
// starting at one second and doubling.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
	}
}

// Delay returns the un-jittered wait before the given retry (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

// BackOff builds the backoff/v5 schedule for this policy.
func (p Policy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = max(p.Multiplier, 1)
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.Cap
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()

	return b
}

// Notify is called before sleeping for the next attempt.
type Notify func(err error, wait time.Duration)

// Do runs op until it succeeds, returns a Permanent error, the attempts are used
// up or ctx is done.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	return backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	}, opts...)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
