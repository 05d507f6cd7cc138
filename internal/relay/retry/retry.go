// Package retry re-runs failed platform calls with bounded exponential
// backoff. Errors are classified first: only transient failures are retried.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"relaybot/internal/transport"
)

// maxHint bounds retry-after hints so a broken adapter cannot park a worker.
const maxHint = 5 * time.Minute

// Policy bounds one class of calls. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	return p
}

// Presets per platform class; other classes use "default".
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"telegram": {MaxAttempts: 3, Base: 2 * time.Second, MaxDelay: 30 * time.Second},
		"discord":  {MaxAttempts: 3, Base: time.Second, MaxDelay: 15 * time.Second},
		"default":  {MaxAttempts: 3, Base: time.Second, MaxDelay: 15 * time.Second},
	}
}

// Retryable reports whether err is worth another attempt. Typed transport
// errors decide by kind; unclassified errors are treated as transient.
func Retryable(err error) bool {
	if err == nil || IsNoRetry(err) || errors.Is(err, context.Canceled) {
		return false
	}
	switch transport.KindOf(err) {
	case transport.KindTransient, transport.KindRateLimited:
		return true
	case transport.KindPermission, transport.KindNotFound, transport.KindInvalid, transport.KindAuth:
		return false
	}
	return true
}

// IsTimeout reports network-level timeouts and resets, the classic transient
// failures of a long-lived platform connection.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection reset")
}

// Hint returns the delay the failing side asked for, if any.
func Hint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	var te *transport.Error
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

// Backoff returns the delay before retry n (0-based):
// min(base*2^n, max) scaled by a factor drawn from [0.5, 1.0).
func Backoff(p Policy, n int, rnd func() float64) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return time.Duration(float64(d) * (0.5 + rnd()*0.5))
}

func delayFor(p Policy, n int, err error, rnd func() float64) time.Duration {
	if h, ok := Hint(err); ok {
		return min(max(h, 0), maxHint)
	}
	return Backoff(p, n, rnd)
}

// RetryFunc observes a scheduled retry.
type RetryFunc func(class string, attempt int, delay time.Duration, err error)

// Scheduler holds per-class policies. It is safe for concurrent use.
type Scheduler struct {
	mu       sync.RWMutex
	policies map[string]Policy
	onRetry  RetryFunc

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewScheduler(policies map[string]Policy, onRetry RetryFunc) *Scheduler {
	s := &Scheduler{
		onRetry: onRetry,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	s.Apply(policies)
	return s
}

// Apply replaces the policy set; classes missing from policies keep their preset.
func (s *Scheduler) Apply(policies map[string]Policy) {
	merged := DefaultPolicies()
	for class, p := range policies {
		merged[strings.ToLower(strings.TrimSpace(class))] = p.withDefaults()
	}
	s.mu.Lock()
	s.policies = merged
	s.mu.Unlock()
}

func (s *Scheduler) Policy(class string) Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[strings.ToLower(class)]; ok {
		return p
	}
	return s.policies["default"]
}

func (s *Scheduler) float() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// Do runs fn under the policy of class.
func (s *Scheduler) Do(ctx context.Context, class string, fn func(context.Context) error) error {
	onRetry := func(attempt int, d time.Duration, err error) {
		if s.onRetry != nil {
			s.onRetry(class, attempt, d, err)
		}
	}
	return run(ctx, s.Policy(class), fn, s.float, onRetry)
}

// Do runs fn under p with a process-wide random source.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	return run(ctx, p, fn, rand.Float64, nil)
}

func run(ctx context.Context, p Policy, fn func(context.Context) error, rnd func() float64, onRetry func(int, time.Duration, error)) error {
	p = p.withDefaults()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			var nr noRetryError
			if errors.As(err, &nr) {
				return nr.err
			}
			return err
		}
		if attempt >= p.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}
		delay := delayFor(p, attempt-1, err, rnd)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
