package fetcher

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second

	backoffMultiplier = 2.0
	backoffJitter     = 0.25
)

// RetryPolicy bounds how a fetch is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether a failure is worth another attempt.
	// Nil retries KindTransient only.
	Retryable func(*FetchError) bool
}

// DefaultRetryPolicy returns 3 attempts with delays between 1s and 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(fe *FetchError) bool {
	if p.Retryable != nil {
		return p.Retryable(fe)
	}
	return fe.Kind == KindTransient
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
	ceiling time.Duration
}

func newBackoff(p RetryPolicy) *backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling < base {
		ceiling = base
	}
	return &backoff{current: base, ceiling: ceiling}
}

// next returns the current backoff duration and advances the internal state.
// The jittered result never exceeds the ceiling.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * backoffJitter * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}
	if d > b.ceiling {
		d = b.ceiling
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}
