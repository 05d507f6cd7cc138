package app

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/debugsrv"
	"relaybot/internal/relay"
	"relaybot/internal/relay/forward"
	"relaybot/internal/relay/mapping"
	"relaybot/internal/relay/ratelimit"
	"relaybot/internal/relay/retry"
	"relaybot/internal/relay/sanitize"
	"relaybot/internal/relay/session"
	"relaybot/internal/relay/trap"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const (
	defaultPollTimeout  = 10 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false when no driver is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}, true, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapSessions resolves tokens, so it touches the filesystem for token_file.
func mapSessions(cfg *config.Config) ([]session.Spec, error) {
	specs := make([]session.Spec, 0, len(cfg.Sessions))
	for i, sc := range cfg.Sessions {
		token, err := sc.ResolveToken()
		if err != nil {
			return nil, err
		}
		poll, err := config.ParseDurationOrDefault(fmt.Sprintf("sessions[%d].poll_timeout", i), sc.PollTimeout, defaultPollTimeout)
		if err != nil {
			return nil, err
		}
		specs = append(specs, session.Spec{
			SessionSpec: transport.SessionSpec{
				ID:          sc.ID,
				Platform:    strings.ToLower(strings.TrimSpace(sc.Platform)),
				Token:       token,
				PollTimeout: poll,
				Channels:    append([]string(nil), sc.Channels...),
			},
			EventBuffer: sc.EventBuffer,
		})
	}
	return specs, nil
}

// mapPairs compiles the pairs that passed validation. Bad patterns fall back
// to literal matching inside the compilers; they are logged here.
func mapPairs(cfg *config.Config, rep *config.Report, log logx.Logger) []relay.Pair {
	defaults, _ := sanitize.Compile(sanitize.DefaultRuleSpec())
	pairs := make([]relay.Pair, 0, len(cfg.Pairs))
	for i, pc := range cfg.Pairs {
		if rep != nil && rep.Excludes(i) {
			continue
		}
		status, ok := relay.ParsePairStatus(strings.ToLower(strings.TrimSpace(pc.Status)))
		if !ok {
			continue
		}
		rules := defaults
		if pc.Strip != nil {
			var errs []error
			rules, errs = sanitize.Compile(sanitize.RuleSpec{
				RemoveMentions:  pc.Strip.RemoveMentions,
				MentionPatterns: pc.Strip.MentionPatterns,
				Headers:         pc.Strip.Headers,
				Footers:         pc.Strip.Footers,
			})
			for _, err := range errs {
				log.Warn("strip pattern treated as literal", logx.String("pair", pc.ID), logx.Err(err))
			}
		}
		bl, errs := trap.CompileBlocklist(trap.BlocklistSpec{Text: pc.Blocklist.Text, Images: pc.Blocklist.Images})
		for _, err := range errs {
			log.Warn("blocklist pattern treated as substring", logx.String("pair", pc.ID), logx.Err(err))
		}
		pairs = append(pairs, relay.Pair{
			ID:                 pc.ID,
			SessionID:          pc.Session,
			Source:             strings.TrimSpace(pc.Source),
			Destination:        strings.TrimSpace(pc.Destination),
			DestinationSession: strings.TrimSpace(pc.DestinationSession),
			Status:             status,
			Rules:              rules,
			Blocklist:          bl,
		})
	}
	return pairs
}

func mapGlobalBlocklist(cfg *config.Config, log logx.Logger) *trap.Blocklist {
	bl, errs := trap.CompileBlocklist(trap.BlocklistSpec{Text: cfg.Blocklist.Text, Images: cfg.Blocklist.Images})
	for _, err := range errs {
		log.Warn("global blocklist pattern treated as substring", logx.Err(err))
	}
	return bl
}

func mapDetectorConfig(cfg *config.Config) trap.Config {
	out := trap.DefaultConfig()
	d := cfg.Detector
	if d.EditTrapThreshold > 0 {
		out.EditThreshold = d.EditTrapThreshold
	}
	if d.MinLength > 0 {
		out.MinLength = d.MinLength
	}
	if len(d.DegenerateTokens) > 0 {
		out.DegenerateTokens = append([]string(nil), d.DegenerateTokens...)
	}
	if d.ActionableConfidence > 0 {
		out.ActionableConfidence = d.ActionableConfidence
	}
	out.ComplianceThreshold = d.ComplianceThreshold
	return out
}

func mapSanitizeOptions(cfg *config.Config) sanitize.Options {
	s := cfg.Sanitizer
	out := sanitize.DefaultOptions()
	if s.MaxLength != 0 {
		out.MaxLength = s.MaxLength
	}
	if s.Ellipsis != "" {
		out.Ellipsis = s.Ellipsis
	}
	off := func(b *bool) bool { return b != nil && !*b }
	out.SkipSpam = off(s.NormalizeSpam)
	out.SkipDecorations = off(s.StripDecorations)
	out.SkipAttribution = off(s.StripAttribution)
	return out
}

// mapForwardingConfig also returns the shutdown drain bound.
func mapForwardingConfig(cfg *config.Config) (forward.Config, time.Duration, error) {
	f := cfg.Forwarding
	autoResume, err := config.ParseSwitchableDuration("forwarding.auto_resume_after", f.AutoResumeAfter, 120*time.Second)
	if err != nil {
		return forward.Config{}, 0, err
	}
	callTimeout, err := config.ParseDurationOrDefault("forwarding.call_timeout", f.CallTimeout, 30*time.Second)
	if err != nil {
		return forward.Config{}, 0, err
	}
	drain, err := config.ParseDurationOrDefault("forwarding.drain_timeout", f.DrainTimeout, defaultDrainTimeout)
	if err != nil {
		return forward.Config{}, 0, err
	}
	return forward.Config{
		Workers:                f.Workers,
		QueueSize:              f.QueueSize,
		AutoResumeAfter:        autoResume,
		ResetEditCountOnResume: f.ResetEditCountOnResume,
		CallTimeout:            callTimeout,
		Sanitize:               mapSanitizeOptions(cfg),
		StripImageMetadata:     cfg.Sanitizer.StripImageMetadata,
	}, drain, nil
}

// mapRateLimits overlays configured classes on the built-in presets.
func mapRateLimits(cfg *config.Config) (map[string]ratelimit.Rule, error) {
	rules := ratelimit.DefaultRules()
	for class, w := range cfg.RateLimits {
		win, err := config.ParseDurationField("rate_limits."+class+".window", w.Window)
		if err != nil {
			return nil, err
		}
		if w.Calls <= 0 || win <= 0 {
			return nil, fmt.Errorf("rate_limits.%s: calls and window must be > 0", class)
		}
		rules[class] = ratelimit.Rule{Calls: w.Calls, Window: win}
	}
	return rules, nil
}

func mapRetryPolicies(cfg *config.Config) (map[string]retry.Policy, error) {
	policies := retry.DefaultPolicies()
	for class, b := range cfg.Retry {
		p := policies[class]
		if _, ok := policies[class]; !ok {
			p = policies["default"]
		}
		if b.MaxAttempts > 0 {
			p.MaxAttempts = b.MaxAttempts
		}
		base, err := config.ParseDurationOrDefault("retry."+class+".base", b.Base, p.Base)
		if err != nil {
			return nil, err
		}
		maxDelay, err := config.ParseDurationOrDefault("retry."+class+".max_delay", b.MaxDelay, p.MaxDelay)
		if err != nil {
			return nil, err
		}
		p.Base, p.MaxDelay = base, maxDelay
		policies[class] = p
	}
	return policies, nil
}

type janitorConfig struct {
	Schedule string
	MaxAge   time.Duration
	MaxSize  int
}

func mapJanitorConfig(cfg *config.Config) (janitorConfig, error) {
	maxAge, err := config.ParseDurationOrDefault("mapping.max_age", cfg.Mapping.MaxAge, mapping.DefaultMaxAge)
	if err != nil {
		return janitorConfig{}, err
	}
	schedule := strings.TrimSpace(cfg.Mapping.GCSchedule)
	if schedule == "" {
		schedule = mapping.DefaultGCSchedule
	}
	return janitorConfig{Schedule: schedule, MaxAge: maxAge, MaxSize: cfg.Mapping.MaxSize}, nil
}

// mapNotifierConfig returns the notifier config and the session whose sink
// delivers the alerts.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, "", nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, "", err
	}
	retryMax, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, "", err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, "", err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Channel:         strings.TrimSpace(n.Channel),
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, n.Session, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	o := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	// Zero write timeout keeps /debug/pprof/profile usable.
	write, err := config.ParseDurationField("observability.write_timeout", o.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapNATSConfig(cfg *config.Config) (eventbus.NATSConfig, bool) {
	n := cfg.Events.NATS
	if !n.Enabled {
		return eventbus.NATSConfig{}, false
	}
	return eventbus.NATSConfig{
		URL:           strings.TrimSpace(n.URL),
		Name:          n.Name,
		SubjectPrefix: n.SubjectPrefix,
	}, true
}

// checkMapped runs every mapper so a reload that would fail to apply is
// rejected before commit.
func checkMapped(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapForwardingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimits(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicies(cfg); err != nil {
		return err
	}
	if _, err := mapJanitorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}
