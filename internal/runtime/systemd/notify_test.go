package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(r *recorder, interval time.Duration) *Notifier {
	n := New(logx.Nop())
	n.notify = r.notify
	n.watchdog = func(bool) (time.Duration, error) { return interval, nil }
	return n
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := newTestNotifier(r, 0)
	n.Ready()
	n.Status("relaying 3 pairs")
	n.Stopping()
	want := []string{"READY=1", "STATUS=relaying 3 pairs", "STOPPING=1"}
	if len(r.states) != len(want) {
		t.Fatalf("states = %v, want %v", r.states, want)
	}
	for i := range want {
		if r.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", r.states, want)
		}
	}
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := newTestNotifier(r, 20*time.Millisecond)
	var mu sync.Mutex
	healthy := true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(ctx, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.count("WATCHDOG=1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no watchdog pings")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(15 * time.Millisecond)
	before := r.count("WATCHDOG=1")
	time.Sleep(60 * time.Millisecond)
	if after := r.count("WATCHDOG=1"); after != before {
		t.Fatalf("pings while unhealthy: %d -> %d", before, after)
	}
	cancel()
	<-done
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()
	for _, wd := range []func(bool) (time.Duration, error){
		func(bool) (time.Duration, error) { return 0, nil },
		func(bool) (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") },
	} {
		n := newTestNotifier(&recorder{}, 0)
		n.watchdog = wd
		done := make(chan struct{})
		go func() {
			defer close(done)
			n.Watchdog(context.Background(), nil)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Watchdog should return when disabled")
		}
	}
}
