package app

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/relay"
	"relaybot/internal/relay/forward"
	"relaybot/internal/relay/session"
	"relaybot/internal/runtime/supervisor"
	"relaybot/pkg/logx"
)

// StopReason is logged with the shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the relay up: mappings are restored, the engine and notifier
// start, sessions attach, then the supporting loops run.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()
	// The engine and notifier drain on Stop, so the app cancel must not reach
	// their in-flight calls.
	drainable := context.WithoutCancel(run)

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.Validate(cfg); err != nil {
			return err
		}
		return checkMapped(cfg)
	})

	if err := a.mappings.Load(ctx); err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	a.janitor.Start()

	if a.notif.Enabled() {
		a.notif.Start(drainable)
	}
	a.engine.Start(drainable)
	for _, id := range a.sessions.IDs() {
		events, err := a.sessions.Events(id)
		if err != nil {
			return err
		}
		if err := a.engine.Attach(id, events); err != nil {
			return err
		}
	}
	a.sessions.Start(run)
	a.debug.Start(run)

	if a.natsOn {
		br, err := eventbus.DialNATS(a.natsCfg, a.root)
		if err != nil {
			// The bridge is an observer; the relay runs without it.
			a.log.Warn("nats bridge disabled", logx.Err(err))
		} else {
			a.bridge = br
			a.sup.Go("events.nats", func(c context.Context) error { return br.Run(c, a.bus) })
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		a.sd.Watchdog(c, func() bool { _, ok := a.health(); return ok })
		return nil
	})

	a.sd.Ready()
	a.sd.Status(a.statusLine())
	a.log.Info("app started", logx.Int("sessions", len(a.sessions.IDs())), logx.Int("pairs", len(a.router.Pairs())))
	return nil
}

func (a *App) statusLine() string {
	counts := a.router.Counts()
	return fmt.Sprintf("relaying %d pairs (%d paused, %d error) across %d sessions",
		counts[relay.PairActive], counts[relay.PairPaused], counts[relay.PairError], len(a.sessions.IDs()))
}

type healthReport struct {
	Status     string                    `json:"status"`
	Sessions   []session.Info            `json:"sessions"`
	Forwarding forward.Stats             `json:"forwarding"`
	RateLimits map[string]rateLimitState `json:"rate_limits,omitempty"`
	Loops      []supervisor.Stats        `json:"loops,omitempty"`
}

type rateLimitState struct {
	Calls  int    `json:"calls"`
	Window string `json:"window"`
}

// health is unhealthy once the app is stopping or every session is in
// terminal error.
func (a *App) health() (any, bool) {
	rep := healthReport{
		Status:     "ok",
		Sessions:   a.sessions.Snapshot(),
		Forwarding: a.engine.Stats(),
		RateLimits: map[string]rateLimitState{},
	}
	// Sinks are rate limited per platform class.
	for _, s := range rep.Sessions {
		r := a.limiter.Rule(s.Platform)
		rep.RateLimits[s.Platform] = rateLimitState{Calls: r.Calls, Window: r.Window.String()}
	}
	ok := true
	if a.sup != nil {
		rep.Loops = a.sup.Snapshot()
		if a.sup.Context().Err() != nil {
			ok = false
		}
	}
	failed := 0
	for _, s := range rep.Sessions {
		if s.Status == relay.SessionError {
			failed++
		}
	}
	if len(rep.Sessions) > 0 && failed == len(rep.Sessions) {
		ok = false
	}
	if !ok {
		rep.Status = "unhealthy"
	}
	return rep, ok
}

// Stop shuts down in dependency order: intake first, then the engine drain,
// then the services the drain may still use. Each step is bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context so sessions stop intake and loops unwind.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late return is logged as a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("sessions", 3*time.Second, a.sessions.Stop)
	step("forwarding", a.drainTimeout, a.engine.Stop)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("janitor", time.Second, a.janitor.Stop)
	step("nats", time.Second, func(context.Context) error {
		if a.bridge != nil {
			return a.bridge.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
