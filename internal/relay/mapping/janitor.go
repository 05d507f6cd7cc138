package mapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/pkg/logx"
)

const DefaultGCSchedule = "@every 15m"

// Janitor runs Store.GC on a cron schedule.
type Janitor struct {
	store   *Store
	log     logx.Logger
	maxAge  time.Duration
	maxSize int

	mu sync.Mutex
	c  *cron.Cron
}

// NewJanitor validates schedule (standard five-field cron or a descriptor
// such as "@every 15m") and returns a stopped janitor.
func NewJanitor(store *Store, schedule string, maxAge time.Duration, maxSize int, log logx.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultGCSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	j := &Janitor{store: store, log: log, maxAge: maxAge, maxSize: maxSize, c: c}
	if _, err := c.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("mapping.gc_schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.c.Start()
	j.log.Info("mapping janitor started", logx.Duration("max_age", j.maxAge), logx.Int("max_size", j.maxSize))
}

// Stop halts the schedule and waits for a running GC until ctx is done.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	done := j.c.Stop()
	j.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one GC pass immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	return j.store.GC(ctx, j.maxAge, j.maxSize)
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	start := time.Now()
	n, err := j.RunOnce(ctx)
	if err != nil {
		j.log.Warn("mapping gc failed", logx.Int("removed", n), logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("mapping gc", logx.Int("removed", n), logx.Int("live", j.store.Len()), logx.Duration("took", time.Since(start)))
	}
}
