package recovery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how failures of one category are retried.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter    float64 `yaml:"jitter"`
	Retryable bool    `yaml:"retryable"`
	// HighPriority entries are dispatched ahead of other due entries.
	HighPriority bool `yaml:"high_priority"`
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[Category]Policy {
	transient := Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
		Retryable:       true,
	}
	return map[Category]Policy{
		CategoryNetwork: transient,
		CategoryTimeout: transient,
		CategoryAuth:    {MaxAttempts: 1, HighPriority: true},
		CategoryStorage: {
			MaxAttempts:     2,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      1,
			Retryable:       true,
		},
		CategoryConflict: {MaxAttempts: 1},
		CategoryUnknown:  {MaxAttempts: 1},
	}
}

// canRetry reports whether another attempt is allowed after attempts.
func (p Policy) canRetry(attempts int) bool {
	return p.Retryable && attempts < p.MaxAttempts
}

// NewBackOff builds the delay schedule for p. The schedule never stops on
// its own; attempt accounting is the caller's job.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the first n delays of p's schedule.
func (p Policy) Delays(n int) []time.Duration {
	b := p.NewBackOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
