package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	// Exponential doubles the delay after every failed attempt.
	Exponential Strategy = iota
	// Constant waits BaseDelay between every attempt.
	Constant
)

// Policy bounds how an operation is retried.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single exponential delay. Zero means uncapped.
	MaxDelay time.Duration
	Strategy Strategy
	// Idempotent must be set for the operation to be attempted more than once.
	Idempotent bool
	// AttemptTimeout bounds a single attempt. An attempt that runs out of
	// time while the caller context is still live counts as transient.
	AttemptTimeout time.Duration
}

var (
	// APICall is used for remote provider API calls.
	APICall = Policy{
		Name:        "api",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Strategy:    Exponential,
		Idempotent:  true,
	}

	// Bootstrap is a short fixed-delay policy for bootstrap class operations
	// such as package installation and readiness probes.
	Bootstrap = Policy{
		Name:        "bootstrap",
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Strategy:    Constant,
		Idempotent:  true,
	}

	// Upload is used for object storage part uploads.
	Upload = Policy{
		Name:        "upload",
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Strategy:    Exponential,
		Idempotent:  true,
	}
)

// Once returns a copy of the policy for a non-idempotent operation.
func (p Policy) Once() Policy {
	p.Idempotent = false
	return p
}

// WithAttempts returns a copy of the policy with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

func (p Policy) attempts() int {
	if !p.Idempotent || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backOff builds a jitter-free schedule so the total wait equals the sum of the delays.
func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff
	switch p.Strategy {
	case Constant:
		b = backoff.NewConstantBackOff(p.BaseDelay)
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.BaseDelay
		eb.RandomizationFactor = 0
		eb.Multiplier = 2
		eb.MaxElapsedTime = 0
		eb.MaxInterval = p.MaxDelay
		if eb.MaxInterval <= 0 {
			eb.MaxInterval = time.Duration(1<<62 - 1)
		}
		eb.Reset()
		b = eb
	}
	return backoff.WithMaxRetries(b, uint64(p.attempts()-1))
}
