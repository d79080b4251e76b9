package pipeline

import (
	"time"
)

const (
	defaultAttempts     = 5
	defaultInitialRetry = 20 * time.Millisecond
	defaultMaxRetry     = time.Second
)

// RetryPolicy describes how often a busy store is asked to begin again.
// Zero values are treated as "use defaults".
type RetryPolicy struct {
	// Attempts is the maximum number of Begin calls.
	Attempts int

	// Initial is the first backoff duration.
	Initial time.Duration

	// Max is the cap for backoff duration.
	Max time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: defaultAttempts,
		Initial:  defaultInitialRetry,
		Max:      defaultMaxRetry,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	return p
}
