package app

import (
	"context"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/pkg/logx"
)

// restartSections are read once at startup.
var restartSections = map[string]bool{
	"sessions":   true,
	"sanitizer":  true,
	"detector":   true,
	"forwarding": true,
	"mapping":    true,
	"storage":    true,
	"events":     true,
}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig fans a committed config out to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Reloaded()

	sections, attrs, pairsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	var needRestart []string
	for _, s := range sections {
		if restartSections[s] {
			needRestart = append(needRestart, s)
		}
	}
	if len(needRestart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strings("sections", needRestart))
	}

	// Retarget the chat sink before Apply.
	a.mu.Lock()
	a.logSessID = newCfg.Logging.Chat.Session
	a.mu.Unlock()
	a.logs.SetChatTarget(a.sinkFor(a.logSession), strings.TrimSpace(newCfg.Logging.Chat.Channel))
	a.logs.Apply(mapLoggingConfig(newCfg))

	rep, err := config.Validate(newCfg)
	if err != nil {
		// The manager validated before commit; this only trips on a
		// token_file or similar that changed underneath.
		a.log.Warn("reloaded config no longer validates; keeping previous pairs", logx.Err(err))
	} else if len(pairsChanged) > 0 {
		for _, iss := range rep.Excluded {
			a.log.Warn("pair excluded", logx.String("pair", iss.ID), logx.Err(iss.Err))
		}
		a.router.Rebuild(mapPairs(newCfg, rep, a.log))
		a.log.Info("pairs rebuilt", logx.Strings("pairs", pairsChanged))
	}

	a.detector.SetGlobal(mapGlobalBlocklist(newCfg, a.log))

	if rules, err := mapRateLimits(newCfg); err != nil {
		a.log.Warn("invalid rate_limits; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(rules)
	}
	if policies, err := mapRetryPolicies(newCfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.retry.Apply(policies)
	}

	if ncfg, nsess, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.mu.Lock()
		a.notifySessID = nsess
		a.mu.Unlock()
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReload, Time: time.Now(), Data: sections})
	a.sd.Status(a.statusLine())
	a.log.Info("config reloaded", fields...)
}
