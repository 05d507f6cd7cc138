package app

import (
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/relay"
	"relaybot/internal/relay/ratelimit"
	"relaybot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"absent", nil, false, "", false},
		{"none", &config.StorageConfig{Driver: "none"}, false, "", false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "relay.db"}, true, "sqlite", false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, false, "", true},
		{"redis", &config.StorageConfig{Driver: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:6379"}}, true, "redis", false},
		{"redis without addr", &config.StorageConfig{Driver: "redis"}, false, "", true},
		{"unknown", &config.StorageConfig{Driver: "tape"}, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled || sc.Driver != tt.driver {
				t.Fatalf("mapStorageConfig = %+v, %v; want driver %q enabled %v", sc, enabled, tt.driver, tt.enabled)
			}
		})
	}

	sc, _, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if sc.BusyTimeout != time.Second {
		t.Fatalf("BusyTimeout = %v, want 1s default", sc.BusyTimeout)
	}
}

func TestMapPairsSkipsExcluded(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Sessions: []config.SessionConfig{{ID: "tg", Platform: "telegram", Token: "x"}},
		Pairs: []config.PairConfig{
			{ID: "a", Session: "tg", Source: " -1 ", Destination: "-2"},
			{ID: "b", Session: "ghost", Source: "-3", Destination: "-4"},
			{ID: "c", Session: "tg", Source: "-5", Destination: "-6", Status: "paused",
				Strip:     &config.StripConfig{Footers: []string{"via .*"}},
				Blocklist: config.BlocklistConfig{Text: []string{"casino"}}},
		},
	}
	rep, err := config.Validate(cfg)
	if err != nil {
		t.Fatalf("Validate = %v", err)
	}
	pairs := mapPairs(cfg, rep, logx.Nop())
	if len(pairs) != 2 || pairs[0].ID != "a" || pairs[1].ID != "c" {
		t.Fatalf("pairs = %+v, want a and c", pairs)
	}
	if pairs[0].Source != "-1" || pairs[0].Status != relay.PairActive {
		t.Fatalf("pair a = %+v", pairs[0])
	}
	if pairs[1].Status != relay.PairPaused {
		t.Fatalf("pair c status = %v, want paused", pairs[1].Status)
	}
	if pairs[0].Rules == nil || pairs[1].Rules == nil {
		t.Fatal("pairs must carry compiled strip rules")
	}
	if !pairs[1].Blocklist.MatchText("win at the CASINO") {
		t.Fatal("pair blocklist not compiled")
	}
}

func TestMapSanitizeOptions(t *testing.T) {
	t.Parallel()
	off := false
	on := true
	got := mapSanitizeOptions(&config.Config{Sanitizer: config.SanitizerConfig{
		MaxLength:        100,
		NormalizeSpam:    &off,
		StripDecorations: &on,
	}})
	if got.MaxLength != 100 || !got.SkipSpam || got.SkipDecorations || got.SkipAttribution {
		t.Fatalf("mapSanitizeOptions = %+v", got)
	}
	if def := mapSanitizeOptions(&config.Config{}); def.MaxLength <= 0 || def.Ellipsis == "" {
		t.Fatalf("defaults = %+v", def)
	}
}

func TestMapForwardingConfig(t *testing.T) {
	t.Parallel()
	fc, drain, err := mapForwardingConfig(&config.Config{Forwarding: config.ForwardingConfig{
		AutoResumeAfter: "off",
		CallTimeout:     "5s",
		DrainTimeout:    "2s",
	}})
	if err != nil {
		t.Fatalf("mapForwardingConfig = %v", err)
	}
	if fc.AutoResumeAfter >= 0 || fc.CallTimeout != 5*time.Second || drain != 2*time.Second {
		t.Fatalf("forward config = %+v, drain %v", fc, drain)
	}
	fc, drain, _ = mapForwardingConfig(&config.Config{})
	if fc.AutoResumeAfter != 120*time.Second || drain != defaultDrainTimeout {
		t.Fatalf("defaults = %+v, drain %v", fc, drain)
	}
	if _, _, err := mapForwardingConfig(&config.Config{Forwarding: config.ForwardingConfig{CallTimeout: "soon"}}); err == nil {
		t.Fatal("bad call_timeout accepted")
	}
}

func TestMapRateLimitsAndRetry(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		RateLimits: map[string]config.Window{"telegram": {Calls: 5, Window: "10s"}},
		Retry:      map[string]config.Backoff{"matrix": {MaxAttempts: 7}},
	}
	rules, err := mapRateLimits(cfg)
	if err != nil {
		t.Fatalf("mapRateLimits = %v", err)
	}
	if r := rules["telegram"]; r.Calls != 5 || r.Window != 10*time.Second {
		t.Fatalf("telegram rule = %+v", r)
	}
	if _, ok := rules[ratelimit.DefaultClass]; !ok {
		t.Fatal("default class dropped")
	}

	policies, err := mapRetryPolicies(cfg)
	if err != nil {
		t.Fatalf("mapRetryPolicies = %v", err)
	}
	p := policies["matrix"]
	if p.MaxAttempts != 7 || p.Base != policies["default"].Base {
		t.Fatalf("matrix policy = %+v, want default base with 7 attempts", p)
	}
}

func TestMapNotifierAndDebug(t *testing.T) {
	t.Parallel()
	nc, sess, err := mapNotifierConfig(&config.Config{})
	if err != nil || nc.Enabled || sess != "" {
		t.Fatalf("absent notifier = %+v, %q, %v", nc, sess, err)
	}
	nc, sess, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled: true, Session: "tg", Channel: " -100 ", DedupWindow: "1m",
	}})
	if err != nil || !nc.Enabled || sess != "tg" || nc.Channel != "-100" || nc.DedupWindow != time.Minute {
		t.Fatalf("notifier = %+v, %q, %v", nc, sess, err)
	}

	dc, err := mapDebugConfig(&config.Config{Observability: config.ObservabilityConfig{Enabled: true, Pprof: true}})
	if err != nil {
		t.Fatalf("mapDebugConfig = %v", err)
	}
	if dc.WriteTimeout != 0 || dc.ReadTimeout != 10*time.Second || !dc.Pprof {
		t.Fatalf("debug config = %+v", dc)
	}
}

func TestCheckMappedRejectsBadDurations(t *testing.T) {
	t.Parallel()
	bad := []*config.Config{
		{Mapping: config.MappingConfig{MaxAge: "a while"}},
		{Notifier: &config.NotifierConfig{RetryBase: "1 second"}},
		{Observability: config.ObservabilityConfig{IdleTimeout: "-1s"}},
	}
	for i, cfg := range bad {
		if err := checkMapped(cfg); err == nil {
			t.Fatalf("config %d accepted", i)
		}
	}
	if err := checkMapped(&config.Config{}); err != nil {
		t.Fatalf("empty config = %v", err)
	}
}
