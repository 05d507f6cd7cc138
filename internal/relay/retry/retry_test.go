package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"relaybot/internal/transport"
)

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", transport.NewError(transport.KindTransient, "send", nil), true},
		{"rate limited", &transport.Error{Kind: transport.KindRateLimited, RetryAfter: time.Second}, true},
		{"not found", transport.NewError(transport.KindNotFound, "delete", nil), false},
		{"permission", fmt.Errorf("wrap: %w", transport.NewError(transport.KindPermission, "send", nil)), false},
		{"auth", transport.NewError(transport.KindAuth, "connect", nil), false},
		{"invalid", transport.NewError(transport.KindInvalid, "send", nil), false},
		{"no retry", NoRetry(errors.New("bad input")), false},
		{"cancelled", context.Canceled, false},
		{"unclassified", errors.New("eof"), true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 5, Base: 2 * time.Second, MaxDelay: 30 * time.Second}
	tests := []struct {
		n    int
		full time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		lo := Backoff(p, tt.n, func() float64 { return 0 })
		hi := Backoff(p, tt.n, func() float64 { return 0.999999 })
		if lo != tt.full/2 {
			t.Fatalf("Backoff(n=%d, rand=0) = %v, want %v", tt.n, lo, tt.full/2)
		}
		if hi > tt.full || hi < tt.full*99/100 {
			t.Fatalf("Backoff(n=%d, rand~1) = %v, want just under %v", tt.n, hi, tt.full)
		}
	}
}

func TestHintOverridesBackoff(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, MaxDelay: 2 * time.Second}
	zero := func() float64 { return 0 }
	if got := delayFor(p, 0, &transport.Error{Kind: transport.KindRateLimited, RetryAfter: 7 * time.Second}, zero); got != 7*time.Second {
		t.Fatalf("transport hint delay = %v, want 7s", got)
	}
	if got := delayFor(p, 0, RetryAfter(errors.New("flood"), 3*time.Second), zero); got != 3*time.Second {
		t.Fatalf("RetryAfter delay = %v, want 3s", got)
	}
	if got := delayFor(p, 0, RetryAfter(errors.New("flood"), time.Hour), zero); got != maxHint {
		t.Fatalf("oversized hint = %v, want %v", got, maxHint)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoExhausts(t *testing.T) {
	t.Parallel()
	calls := 0
	flaky := transport.NewError(transport.KindTransient, "send", errors.New("502"))
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return flaky
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if ex.Attempts != 3 || calls != 3 {
		t.Fatalf("Attempts = %d, calls = %d; want 3, 3", ex.Attempts, calls)
	}
	if !errors.Is(err, flaky) {
		t.Fatal("ExhaustedError should unwrap to the last error")
	}
}

func TestDoStopsOnTerminal(t *testing.T) {
	t.Parallel()
	calls := 0
	inner := errors.New("chat id malformed")
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return NoRetry(inner)
	})
	if err != inner || calls != 1 {
		t.Fatalf("err = %v after %d calls; want the unwrapped terminal error after 1", err, calls)
	}

	calls = 0
	nf := transport.NewError(transport.KindNotFound, "edit", nil)
	err = Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return nf
	})
	if !transport.IsNotFound(err) || IsExhausted(err) || calls != 1 {
		t.Fatalf("err = %v after %d calls; want not_found after 1", err, calls)
	}
}

func TestDoRecovers(t *testing.T) {
	t.Parallel()
	var retries []int
	s := NewScheduler(map[string]Policy{"x": fastPolicy(4)}, func(class string, attempt int, _ time.Duration, _ error) {
		if class != "x" {
			t.Errorf("class = %q, want x", class)
		}
		retries = append(retries, attempt)
	})
	calls := 0
	err := s.Do(context.Background(), "x", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do = %v after %d calls, want success after 3", err, calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("retries = %v, want [1 2]", retries)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Base: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(context.Context) error { return errors.New("down") })
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestSchedulerPresets(t *testing.T) {
	t.Parallel()
	s := NewScheduler(nil, nil)
	if p := s.Policy("telegram"); p.Base != 2*time.Second || p.MaxDelay != 30*time.Second || p.MaxAttempts != 3 {
		t.Fatalf("telegram preset = %+v", p)
	}
	if p := s.Policy("irc"); p.Base != time.Second {
		t.Fatalf("unknown class = %+v, want default", p)
	}
}
