// Package queue holds the pieces shared by the job queue transports: the
// redelivery policy and the observer fan-out.
package queue

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

// RetryPolicy bounds how often a failed job is redelivered and how long the
// queue waits between attempts.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy allows three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// ShouldRetry reports whether a job that failed on the given attempt gets
// another delivery.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || scanning.IsPermanent(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay returns how long to wait before redelivering a job that failed on
// the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = backoff.DefaultMultiplier
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := p.InitialInterval
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}
	return d
}
