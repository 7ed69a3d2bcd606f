// Package retry runs an operation a bounded number of times and reports how it ended.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retries exhausted")

type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted
	Aborted
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Policy returns the wait before the next attempt, given how many attempts have run.
type Policy func(attempt int) time.Duration

func Constant(d time.Duration) Policy {
	return func(int) time.Duration { return d }
}

func Exponential(base, max time.Duration) Policy {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			return max
		}
		return d
	}
}

type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

func (r Result) OK() bool { return r.Outcome == Succeeded }

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, ctx is done,
// or maxAttempts calls have failed.
func Do(ctx context.Context, maxAttempts int, policy Policy, op func(ctx context.Context, attempt int) error) Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if policy == nil {
		policy = Constant(0)
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Canceled, Attempts: attempt - 1, Err: err}
		}

		err := op(ctx, attempt)
		if err == nil {
			return Result{Outcome: Succeeded, Attempts: attempt}
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return Result{Outcome: Aborted, Attempts: attempt, Err: perm.err}
		}
		last = err

		if attempt == maxAttempts {
			break
		}

		if wait := policy(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{Outcome: Canceled, Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}

	return Result{
		Outcome:  Exhausted,
		Attempts: maxAttempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, last),
	}
}
