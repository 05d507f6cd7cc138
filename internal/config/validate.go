package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Platforms with a built-in connector.
var knownPlatforms = map[string]bool{"telegram": true, "discord": true}

// FieldError is a validation failure at a config path such as
// "pairs[2].source".
type FieldError struct {
	Path string
	Msg  string
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Msg }

// PairIssue explains why a pair was left out of the active set.
type PairIssue struct {
	Index int
	ID    string
	Err   error
}

// Report lists the pairs excluded from routing. Invalid pairs do not fail the
// whole config.
type Report struct {
	Excluded []PairIssue
}

func (r *Report) Excludes(index int) bool {
	for _, p := range r.Excluded {
		if p.Index == index {
			return true
		}
	}
	return false
}

type validator struct {
	errs []error
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, &FieldError{Path: path, Msg: fmt.Sprintf(format, args...)})
}

func (v *validator) check(err error) {
	if err != nil {
		v.errs = append(v.errs, err)
	}
}

// Validate checks every section. Problems outside pairs are returned as one
// joined error; pair problems land in the report.
func Validate(cfg *Config) (*Report, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	v := &validator{}
	validateLogging(v, cfg)
	sessions := validateSessions(v, cfg.Sessions)
	rep := &Report{Excluded: validatePairs(cfg.Pairs, sessions)}

	validateBlocklist(v, "blocklist", cfg.Blocklist)
	if cfg.Sanitizer.MaxLength < 0 {
		v.fail("sanitizer.max_length", "must be >= 0")
	}
	validateDetector(v, cfg.Detector)
	validateForwarding(v, cfg.Forwarding)
	for class, w := range cfg.RateLimits {
		p := "rate_limits." + class
		if w.Calls <= 0 {
			v.fail(p+".calls", "must be > 0")
		}
		d, err := ParseDurationField(p+".window", w.Window)
		v.check(err)
		if err == nil && d <= 0 {
			v.fail(p+".window", "required")
		}
	}
	for class, b := range cfg.Retry {
		p := "retry." + class
		if b.MaxAttempts < 0 {
			v.fail(p+".max_attempts", "must be >= 0")
		}
		_, err := ParseDurationField(p+".base", b.Base)
		v.check(err)
		_, err = ParseDurationField(p+".max_delay", b.MaxDelay)
		v.check(err)
	}
	validateMapping(v, cfg.Mapping)
	validateStorage(v, cfg.Storage)
	validateNotifier(v, cfg.Notifier, sessions)
	validateObservability(v, cfg.Observability)
	return rep, errors.Join(v.errs...)
}

func validateLogging(v *validator, cfg *Config) {
	if !validLevel(cfg.Logging.Level) {
		v.fail("logging.level", "unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		v.fail("logging.file.path", "required when file logging is enabled")
	}
	chat := cfg.Logging.Chat
	if !chat.Enabled {
		return
	}
	if !validLevel(chat.MinLevel) {
		v.fail("logging.chat.min_level", "unknown level %q", chat.MinLevel)
	}
	if strings.TrimSpace(chat.Channel) == "" {
		v.fail("logging.chat.channel", "required when chat logging is enabled")
	}
	if !sessionDeclared(cfg.Sessions, chat.Session) {
		v.fail("logging.chat.session", "unknown session %q", chat.Session)
	}
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func sessionDeclared(sessions []SessionConfig, id string) bool {
	for _, s := range sessions {
		if s.ID == id && id != "" {
			return true
		}
	}
	return false
}

// validateSessions returns the ids of the well-formed sessions.
func validateSessions(v *validator, sessions []SessionConfig) map[string]bool {
	ok := map[string]bool{}
	if len(sessions) == 0 {
		v.fail("sessions", "at least one session is required")
	}
	seen := map[string]bool{}
	for i, s := range sessions {
		p := fmt.Sprintf("sessions[%d]", i)
		n := len(v.errs)
		id := strings.TrimSpace(s.ID)
		switch {
		case id == "":
			v.fail(p+".id", "required")
		case seen[id]:
			v.fail(p+".id", "duplicate session %q", id)
		}
		seen[id] = true
		if !knownPlatforms[strings.ToLower(strings.TrimSpace(s.Platform))] {
			v.fail(p+".platform", "unsupported platform %q", s.Platform)
		}
		hasToken := strings.TrimSpace(s.Token) != ""
		hasFile := strings.TrimSpace(s.TokenFile) != ""
		switch {
		case !hasToken && !hasFile:
			v.fail(p+".token", "token or token_file is required")
		case hasToken && hasFile:
			v.fail(p+".token", "set either token or token_file, not both")
		}
		_, err := ParseDurationField(p+".poll_timeout", s.PollTimeout)
		v.check(err)
		if s.EventBuffer < 0 {
			v.fail(p+".event_buffer", "must be >= 0")
		}
		if len(v.errs) == n {
			ok[id] = true
		}
	}
	return ok
}

func validatePairs(pairs []PairConfig, sessions map[string]bool) []PairIssue {
	var out []PairIssue
	ids := map[string]bool{}
	sources := map[string]string{}
	for i, pc := range pairs {
		p := fmt.Sprintf("pairs[%d]", i)
		exclude := func(field, format string, args ...any) {
			out = append(out, PairIssue{Index: i, ID: pc.ID, Err: &FieldError{Path: p + field, Msg: fmt.Sprintf(format, args...)}})
		}
		id := strings.TrimSpace(pc.ID)
		src := strings.TrimSpace(pc.Source)
		switch {
		case id == "":
			exclude(".id", "required")
			continue
		case ids[id]:
			exclude(".id", "duplicate pair %q", id)
			continue
		case !sessions[strings.TrimSpace(pc.Session)]:
			exclude(".session", "unknown session %q", pc.Session)
			continue
		case src == "":
			exclude(".source", "required")
			continue
		case strings.TrimSpace(pc.Destination) == "":
			exclude(".destination", "required")
			continue
		case strings.TrimSpace(pc.DestinationSession) != "" && !sessions[strings.TrimSpace(pc.DestinationSession)]:
			exclude(".destination_session", "unknown session %q", pc.DestinationSession)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(pc.Status)) {
		case "", "active", "paused":
		default:
			exclude(".status", "must be active or paused, got %q", pc.Status)
			continue
		}
		if bad := invalidImages(pc.Blocklist.Images); bad != "" {
			exclude(".blocklist.images", "not an md5 or sha256 hex digest: %q", bad)
			continue
		}
		key := strings.TrimSpace(pc.Session) + "\x00" + src
		if other, dup := sources[key]; dup {
			exclude(".source", "session %s already relays %s through pair %q", pc.Session, src, other)
			continue
		}
		ids[id] = true
		sources[key] = id
	}
	return out
}

func validateBlocklist(v *validator, path string, b BlocklistConfig) {
	if bad := invalidImages(b.Images); bad != "" {
		v.fail(path+".images", "not an md5 or sha256 hex digest: %q", bad)
	}
}

func invalidImages(images []string) string {
	for _, h := range images {
		s := strings.TrimSpace(h)
		if (len(s) != 32 && len(s) != 64) || strings.Trim(strings.ToLower(s), "0123456789abcdef") != "" {
			return h
		}
	}
	return ""
}

func validateDetector(v *validator, d DetectorConfig) {
	if d.EditTrapThreshold < 0 {
		v.fail("detector.edit_trap_threshold", "must be >= 0")
	}
	if d.MinLength < 0 {
		v.fail("detector.min_length", "must be >= 0")
	}
	if d.ActionableConfidence < 0 || d.ActionableConfidence > 1 {
		v.fail("detector.actionable_confidence", "must be within [0, 1]")
	}
	if d.ComplianceThreshold < 0 || d.ComplianceThreshold > 100 {
		v.fail("detector.compliance_threshold", "must be within [0, 100]")
	}
}

func validateForwarding(v *validator, f ForwardingConfig) {
	if f.Workers < 0 {
		v.fail("forwarding.workers", "must be >= 0")
	}
	if f.QueueSize < 0 {
		v.fail("forwarding.queue_size", "must be >= 0")
	}
	_, err := ParseSwitchableDuration("forwarding.auto_resume_after", f.AutoResumeAfter, 0)
	v.check(err)
	_, err = ParseDurationField("forwarding.call_timeout", f.CallTimeout)
	v.check(err)
	_, err = ParseDurationField("forwarding.drain_timeout", f.DrainTimeout)
	v.check(err)
}

func validateMapping(v *validator, m MappingConfig) {
	_, err := ParseDurationField("mapping.max_age", m.MaxAge)
	v.check(err)
	if m.MaxSize < 0 {
		v.fail("mapping.max_size", "must be >= 0")
	}
	if s := strings.TrimSpace(m.GCSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			v.fail("mapping.gc_schedule", "invalid cron spec: %v", err)
		}
	}
}

func validateStorage(v *validator, s *StorageConfig) {
	if s == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "none", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			v.fail("storage.path", "required when storage.driver=sqlite")
		}
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			v.fail("storage.redis.addr", "required when storage.driver=redis")
		}
	default:
		v.fail("storage.driver", "unknown driver %q", s.Driver)
	}
	_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	v.check(err)
}

func validateNotifier(v *validator, n *NotifierConfig, sessions map[string]bool) {
	if n == nil || !n.Enabled {
		return
	}
	if !sessions[strings.TrimSpace(n.Session)] {
		v.fail("notifier.session", "unknown session %q", n.Session)
	}
	if strings.TrimSpace(n.Channel) == "" {
		v.fail("notifier.channel", "required when the notifier is enabled")
	}
	for _, f := range []struct{ path, raw string }{
		{"notifier.retry_base", n.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay},
		{"notifier.dedup_window", n.DedupWindow},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		v.check(err)
	}
}

func validateObservability(v *validator, o ObservabilityConfig) {
	if !o.Enabled {
		return
	}
	addr := strings.TrimSpace(o.Addr)
	if addr != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			v.fail("observability.addr", "%v", err)
		} else if !IsLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			v.fail("observability.addr", "non-loopback bind requires a token or allow_insecure")
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"observability.read_timeout", o.ReadTimeout},
		{"observability.write_timeout", o.WriteTimeout},
		{"observability.idle_timeout", o.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		v.check(err)
	}
}

// IsLoopbackHost reports whether host only accepts local connections. An
// empty host binds every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
