// Package retry wraps a thunk with a max-attempts + backoff policy,
// matching the attempt-indexed delay formula the orchestrator requires:
// min(initialDelay * f(n), maxDelay). It drives the attempt loop through
// github.com/cenkalti/backoff/v4 rather than hand-rolling one, the way the
// agent package's rate-limit coordinator drives its own wait loop around a
// computed duration.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffKind selects the per-attempt delay growth function.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Policy configures a retry envelope. MaxAttempts default of 0 or 1 means
// no retry: the thunk runs exactly once.
type Policy struct {
	MaxAttempts  int
	Backoff      BackoffKind
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Attempt describes one retry decision, passed to the hook registered via
// WithNotify before the corresponding sleep. AttemptNumber is 1-indexed:
// it is the attempt that just failed.
type Attempt struct {
	AttemptNumber int
	MaxAttempts   int
	Delays        []time.Duration
	LastError     error
}

// delayFunc returns f(n) for the configured backoff kind, 1-indexed.
func (p Policy) delayFunc(n int) time.Duration {
	var factor float64
	switch p.Backoff {
	case BackoffLinear:
		factor = float64(n)
	case BackoffExponential:
		factor = float64(uint64(1) << uint(n-1))
	default: // BackoffFixed and unset
		factor = 1
	}
	d := time.Duration(float64(p.InitialDelay) * factor)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// schedule implements backoff.BackOff with the spec's exact formula; it
// does not use cenkalti/backoff's own exponential curve, only its retry
// control flow (attempt counting, context plumbing, NextBackOff protocol).
type schedule struct {
	policy Policy
	n      int
}

func (s *schedule) NextBackOff() time.Duration {
	s.n++
	if s.n >= s.policy.MaxAttempts {
		return backoff.Stop
	}
	return s.policy.delayFunc(s.n)
}

func (s *schedule) Reset() { s.n = 0 }

// Do runs fn, retrying per policy. notify, if non-nil, is invoked before
// each retry sleep with the attempt record the spec requires
// ({attemptNumber, maxAttempts, delays[], lastError}). The final error is
// returned after MaxAttempts is exhausted.
func Do(ctx context.Context, policy Policy, notify func(Attempt), fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	sched := &schedule{policy: policy}
	var delays []time.Duration
	var lastErr error

	op := func() error {
		err := fn(ctx)
		lastErr = err
		return err
	}

	notifyFn := func(err error, d time.Duration) {
		delays = append(delays, d)
		if notify != nil {
			notify(Attempt{
				AttemptNumber: sched.n,
				MaxAttempts:   policy.MaxAttempts,
				Delays:        append([]time.Duration(nil), delays...),
				LastError:     err,
			})
		}
	}

	bo := backoff.WithContext(sched, ctx)
	if err := backoff.RetryNotify(op, bo, notifyFn); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
