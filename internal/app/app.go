// Package app wires the relay: configuration, storage, sessions, the
// forwarding engine and the supporting services, with ordered start/stop and
// hot-reload fan-out.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/debugsrv"
	"relaybot/internal/observability/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/relay/forward"
	"relaybot/internal/relay/mapping"
	"relaybot/internal/relay/ratelimit"
	"relaybot/internal/relay/retry"
	"relaybot/internal/relay/router"
	"relaybot/internal/relay/session"
	"relaybot/internal/relay/trap"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/runtime/systemd"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/discord"
	"relaybot/internal/transport/telegram"
	"relaybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics
	sd      *systemd.Notifier

	router   *router.Router
	mappings *mapping.Store
	janitor  *mapping.Janitor
	detector *trap.Detector
	limiter  *ratelimit.Limiter
	retry    *retry.Scheduler
	sessions *session.Manager
	engine   *forward.Engine
	notif    *notifier.Service
	debug    *debugsrv.Service
	bridge   *eventbus.Bridge

	natsCfg eventbus.NATSConfig
	natsOn  bool

	drainTimeout time.Duration

	mu           sync.Mutex
	notifySessID string
	logSessID    string
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rep, err := config.Validate(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkMapped(cfg); err != nil {
		return nil, err
	}

	// The chat sink posts through a session that does not exist yet:
	// bootstrap with it off, set the target, then Apply the final config.
	baseLog := mapLoggingConfig(cfg)
	baseLog.Chat.Enabled = false
	logSvc, log := logx.New(baseLog)

	a := &App{
		cfgm:    cfgm,
		root:    log,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      systemd.New(log),
	}
	for _, iss := range rep.Excluded {
		a.log.Warn("pair excluded", logx.String("pair", iss.ID), logx.Err(iss.Err))
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, a.abort(err)
	} else if enabled {
		st, err := storage.Open(context.Background(), sc, log)
		if err != nil {
			return nil, a.abort(err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.mappings = mapping.New(a.store, log.With(logx.String("comp", "mapping")))
	jc, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.janitor, err = mapping.NewJanitor(a.mappings, jc.Schedule, jc.MaxAge, jc.MaxSize, log.With(logx.String("comp", "mapping.gc")))
	if err != nil {
		return nil, a.abort(err)
	}

	a.router = router.New(mapPairs(cfg, rep, a.log))
	a.detector = trap.New(mapDetectorConfig(cfg), mapGlobalBlocklist(cfg, a.log))

	rules, err := mapRateLimits(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.limiter = ratelimit.New(rules)
	policies, err := mapRetryPolicies(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.retry = retry.NewScheduler(policies, a.onRetry)

	ncfg, nsess, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.notifySessID = nsess
	a.notif = notifier.New(ncfg, a.sinkFor(a.notifySession), log.With(logx.String("comp", "notifier")), a.bus, a.store)

	specs, err := mapSessions(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	connectors := map[string]transport.Connector{
		telegram.Platform: telegram.NewConnector(telegram.Config{}, log.With(logx.String("comp", "telegram"))),
		discord.Platform:  discord.NewConnector(discord.Config{}, log.With(logx.String("comp", "discord"))),
	}
	a.sessions = session.New(specs, connectors, log.With(logx.String("comp", "session")), session.Options{
		Bus:      a.bus,
		Notifier: a.notif,
		Metrics:  a.metrics,
		OnStatus: a.onSessionStatus,
	})

	fcfg, drain, err := mapForwardingConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.drainTimeout = drain
	a.engine = forward.New(fcfg, forward.Deps{
		Router:   a.router,
		Mappings: a.mappings,
		Detector: a.detector,
		Limiter:  a.limiter,
		Retry:    a.retry,
		Sinks:    a.sessions,
		Audit:    a.store,
		Bus:      a.bus,
		Notifier: a.notif,
		Metrics:  a.metrics,
		Log:      log.With(logx.String("comp", "forward")),
	})

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.debug = debugsrv.New(dcfg, a.metrics.Handler(), a.health, log)
	a.natsCfg, a.natsOn = mapNATSConfig(cfg)

	a.logSessID = cfg.Logging.Chat.Session
	if ch := strings.TrimSpace(cfg.Logging.Chat.Channel); ch != "" {
		logSvc.SetChatTarget(a.sinkFor(a.logSession), ch)
	}
	logSvc.Apply(mapLoggingConfig(cfg))
	return a, nil
}

// abort releases what New opened before returning err.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return err
}

func (a *App) notifySession() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notifySessID
}

func (a *App) logSession() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logSessID
}

// sinkFor resolves the session named by id at send time, so a reload can
// retarget alerts and log lines without rebuilding their services.
func (a *App) sinkFor(id func() string) transport.SinkFunc {
	return func() (transport.Sink, error) {
		return a.sessions.Sink(id())
	}
}

func (a *App) onRetry(class string, attempt int, delay time.Duration, err error) {
	if a.metrics != nil {
		a.metrics.Retries.WithLabelValues(class).Inc()
	}
	a.log.Debug("sink call retry", logx.String("class", class), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
}

// onSessionStatus takes the pairs of a session in terminal error out of the
// active set.
func (a *App) onSessionStatus(ch session.StatusChange) {
	if ch.To != relay.SessionError {
		return
	}
	n := a.router.FailSession(ch.SessionID, "session_error")
	a.log.Error("session failed, pairs moved to error",
		logx.String("session", ch.SessionID), logx.Int("pairs", n), logx.Err(ch.Err))
}
