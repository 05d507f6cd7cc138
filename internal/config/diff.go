package config

import (
	"reflect"
	"sort"
	"strings"

	"relaybot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log fields that are
// safe to print (no tokens or passwords) and the ids of pairs that were
// added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.Int("sessions.count", len(newCfg.Sessions)))
	}

	pairs := diffPairs(oldCfg.Pairs, newCfg.Pairs)
	if len(pairs) > 0 {
		changed = append(changed, "pairs")
		attrs = append(attrs,
			logx.Int("pairs.changed", len(pairs)),
			logx.Int("pairs.count", len(newCfg.Pairs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Blocklist, newCfg.Blocklist) {
		changed = append(changed, "blocklist")
		attrs = append(attrs,
			logx.Int("blocklist.text", len(newCfg.Blocklist.Text)),
			logx.Int("blocklist.images", len(newCfg.Blocklist.Images)),
		)
	}

	plain := []struct {
		name     string
		old, new any
	}{
		{"sanitizer", oldCfg.Sanitizer, newCfg.Sanitizer},
		{"detector", oldCfg.Detector, newCfg.Detector},
		{"forwarding", oldCfg.Forwarding, newCfg.Forwarding},
		{"rate_limits", oldCfg.RateLimits, newCfg.RateLimits},
		{"retry", oldCfg.Retry, newCfg.Retry},
		{"mapping", oldCfg.Mapping, newCfg.Mapping},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"events", oldCfg.Events, newCfg.Events},
	}
	for _, s := range plain {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}

	oldStore, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oldStore, ns) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.redis_password_set", ns.Redis.Password != ""),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	if !reflect.DeepEqual(oo, no) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pairs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffPairs(oldP, newP []PairConfig) []string {
	index := func(ps []PairConfig) map[string]PairConfig {
		m := make(map[string]PairConfig, len(ps))
		for _, p := range ps {
			m[p.ID] = p
		}
		return m
	}
	om, nm := index(oldP), index(newP)
	ids := map[string]struct{}{}
	for id := range om {
		ids[id] = struct{}{}
	}
	for id := range nm {
		ids[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		o, inOld := om[id]
		n, inNew := nm[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
