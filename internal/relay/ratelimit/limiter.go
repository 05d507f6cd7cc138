// Package ratelimit paces outbound platform calls with a sliding-window log
// per target class. Callers wait for a slot; they are never rejected.
package ratelimit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultClass = "default"

// Rule allows Calls grants in any Window-long interval.
type Rule struct {
	Calls  int
	Window time.Duration
}

func (r Rule) valid() bool { return r.Calls > 0 && r.Window > 0 }

// DefaultRules are the platform limits used when configuration is silent.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"telegram":   {Calls: 20, Window: time.Minute},
		"discord":    {Calls: 50, Window: time.Minute},
		DefaultClass: {Calls: 20, Window: time.Minute},
	}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	now func() time.Time

	mu      sync.Mutex
	rules   map[string]Rule
	windows map[string][]time.Time // ascending grant times, may lie in the future
}

func New(rules map[string]Rule) *Limiter {
	l := &Limiter{now: time.Now, windows: make(map[string][]time.Time)}
	l.Apply(rules)
	return l
}

// Apply replaces the rule set. Outstanding reservations are kept.
func (l *Limiter) Apply(rules map[string]Rule) {
	merged := DefaultRules()
	for class, r := range rules {
		if r.valid() {
			merged[normClass(class)] = r
		}
	}
	l.mu.Lock()
	l.rules = merged
	l.mu.Unlock()
}

func (l *Limiter) Rule(class string) Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ruleLocked(normClass(class))
}

// Acquire blocks until a slot for class is free, and returns how long it
// waited. A cancelled wait gives its slot back.
func (l *Limiter) Acquire(ctx context.Context, class string) (time.Duration, error) {
	class = normClass(class)
	start := l.now()
	at := l.reserve(class, start)
	wait := at.Sub(start)
	if wait <= 0 {
		return 0, nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return wait, nil
	case <-ctx.Done():
		l.release(class, at)
		return l.now().Sub(start), ctx.Err()
	}
}

// InWindow reports how many grants of class fall in the window ending now,
// counting those already reserved for the future.
func (l *Limiter) InWindow(class string) int {
	class = normClass(class)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(class, now)
	return len(l.windows[class])
}

// reserve books the earliest grant time at or after now that keeps every
// window at or below the rule's limit.
func (l *Limiter) reserve(class string, now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	rule := l.ruleLocked(class)
	grants := l.pruneLocked(class, now)

	at := now
	if n := len(grants); n >= rule.Calls {
		if next := grants[n-rule.Calls].Add(rule.Window); next.After(at) {
			at = next
		}
	}
	i := sort.Search(len(grants), func(i int) bool { return grants[i].After(at) })
	grants = append(grants, time.Time{})
	copy(grants[i+1:], grants[i:])
	grants[i] = at
	l.windows[class] = grants
	return at
}

func (l *Limiter) release(class string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	grants := l.windows[class]
	for i, g := range grants {
		if g.Equal(at) {
			l.windows[class] = append(grants[:i], grants[i+1:]...)
			return
		}
	}
}

// pruneLocked drops grants that no longer count against the window at now.
func (l *Limiter) pruneLocked(class string, now time.Time) []time.Time {
	rule := l.ruleLocked(class)
	grants := l.windows[class]
	cut := 0
	for cut < len(grants) && !grants[cut].Add(rule.Window).After(now) {
		cut++
	}
	if cut > 0 {
		grants = append(grants[:0], grants[cut:]...)
		l.windows[class] = grants
	}
	return grants
}

func (l *Limiter) ruleLocked(class string) Rule {
	if r, ok := l.rules[class]; ok {
		return r
	}
	return l.rules[DefaultClass]
}

func normClass(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return DefaultClass
	}
	return c
}
