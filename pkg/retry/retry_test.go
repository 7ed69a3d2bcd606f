package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	res := Do(context.Background(), 4, nil, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("closed")
		}
		return nil
	})
	if !res.OK() {
		t.Fatalf("outcome = %v, want succeeded", res.Outcome)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", res.Attempts, calls)
	}
}

func TestDoExhaustsWithoutExtraAttempt(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("closed")
	calls := 0
	res := Do(context.Background(), 4, Constant(time.Millisecond), func(context.Context, int) error {
		calls++
		return sentinel
	})
	if res.Outcome != Exhausted {
		t.Fatalf("outcome = %v, want exhausted", res.Outcome)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if !errors.Is(res.Err, ErrExhausted) || !errors.Is(res.Err, sentinel) {
		t.Errorf("err = %v, want wrapping ErrExhausted and last error", res.Err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad request")
	calls := 0
	res := Do(context.Background(), 4, nil, func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})
	if res.Outcome != Aborted || calls != 1 {
		t.Fatalf("outcome = %v calls = %d, want aborted after 1", res.Outcome, calls)
	}
	if !errors.Is(res.Err, sentinel) {
		t.Errorf("err = %v, want %v", res.Err, sentinel)
	}
}

func TestDoObservesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := Do(ctx, 4, Constant(time.Hour), func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("closed")
	})
	if res.Outcome != Canceled {
		t.Fatalf("outcome = %v, want canceled", res.Outcome)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExponential(t *testing.T) {
	t.Parallel()

	p := Exponential(10*time.Millisecond, 50*time.Millisecond)
	for _, tt := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{9, 50 * time.Millisecond},
	} {
		if got := p(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
