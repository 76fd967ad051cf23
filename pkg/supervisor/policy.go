package supervisor

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default readiness probe bounds, shared by create and resume.
const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 2 * time.Second
)

// Policy bounds the readiness probe loop.
type Policy struct {
	// MaxAttempts is the total number of health checks, including the first.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int
	// Interval is the fixed wait between attempts. Zero means DefaultInterval.
	Interval time.Duration
	// Success decides whether a health check status code means ready.
	Success func(code string) bool
	// Timer drives the waits between attempts. Nil uses a real timer.
	Timer backoff.Timer
}

// DefaultPolicy returns the 30 x 2s policy with an HTTP 200 predicate.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultInterval,
		Success:     IsHTTPOK,
	}
}

// IsHTTPOK reports whether code is the literal status "200".
func IsHTTPOK(code string) bool {
	return strings.TrimSpace(code) == "200"
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Success == nil {
		p.Success = IsHTTPOK
	}
	return p
}

// backOff builds the constant-interval schedule. WithMaxRetries counts
// retries, so one is subtracted to make MaxAttempts the total.
func (p Policy) backOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.MaxAttempts-1))
}
