package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

const sampleYAML = `
logging: {level: info, console: true}
sessions:
  - {id: tg, platform: telegram, token: "123:abc"}
pairs:
  - id: btc
    session: tg
    source: "-1001"
    destination: "-2001"
    strip: {remove_mentions: true, footers: ["shared by .*"]}
  - {id: eth, session: tg, source: "-1002", destination: "-2002", status: paused}
forwarding: {auto_resume_after: "off", workers: 2}
rate_limits:
  telegram: {calls: 20, window: 60s}
storage: {driver: sqlite, path: ./relay.db}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("relay.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml = %v", err)
	}
	if len(cfg.Pairs) != 2 || cfg.Pairs[0].Strip == nil || cfg.Pairs[0].Strip.Footers[0] != "shared by .*" {
		t.Fatalf("pairs = %+v", cfg.Pairs)
	}
	if cfg.RateLimits["telegram"].Calls != 20 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("rate_limits/storage = %+v / %+v", cfg.RateLimits, cfg.Storage)
	}

	js := `{"sessions":[{"id":"tg","platform":"telegram","token":"x"}],"pairs":[]}`
	if _, err := Decode("relay.json", []byte(js)); err != nil {
		t.Fatalf("Decode json = %v", err)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, body string
	}{
		{"unknown yaml field", "c.yaml", "sessions: []\nbogus: 1\n"},
		{"unknown nested field", "c.json", `{"forwarding":{"workerz":1}}`},
		{"trailing json", "c.json", `{"pairs":[]} {"pairs":[]}`},
		{"bad yaml", "c.yml", "pairs: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode(%q) succeeded, want error", tt.body)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("relay.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}
	rep, err := Validate(cfg)
	if err != nil || len(rep.Excluded) != 0 {
		t.Fatalf("Validate(sample) = %+v, %v", rep, err)
	}

	bad := *cfg
	bad.Sessions = append([]SessionConfig{}, cfg.Sessions...)
	bad.Sessions[0].PollTimeout = "soon"
	bad.Storage = &StorageConfig{Driver: "sqlite"}
	bad.Observability = ObservabilityConfig{Enabled: true, Addr: "0.0.0.0:9090"}
	bad.Mapping.GCSchedule = "every so often"
	_, err = Validate(&bad)
	if err == nil {
		t.Fatal("Validate(bad) = nil, want errors")
	}
	for _, path := range []string{"sessions[0].poll_timeout", "storage.path", "observability.addr", "mapping.gc_schedule"} {
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("Validate error %q does not name %s", err, path)
		}
	}
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("Validate error %T is not a FieldError", err)
	}
}

func TestValidateExcludesBadPairs(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Sessions: []SessionConfig{{ID: "tg", Platform: "telegram", Token: "x"}},
		Pairs: []PairConfig{
			{ID: "ok", Session: "tg", Source: "-1", Destination: "-2"},
			{ID: "dup-source", Session: "tg", Source: "-1", Destination: "-3"},
			{ID: "ghost", Session: "nope", Source: "-4", Destination: "-5"},
			{ID: "no-dest", Session: "tg", Source: "-6"},
			{ID: "ok", Session: "tg", Source: "-7", Destination: "-8"},
			{ID: "bad-hash", Session: "tg", Source: "-9", Destination: "-10", Blocklist: BlocklistConfig{Images: []string{"xyz"}}},
		},
	}
	rep, err := Validate(cfg)
	if err != nil {
		t.Fatalf("Validate = %v, pair problems must not fail the config", err)
	}
	if len(rep.Excluded) != 5 {
		t.Fatalf("Excluded = %+v, want 5", rep.Excluded)
	}
	if rep.Excludes(0) || !rep.Excludes(1) || !rep.Excludes(4) {
		t.Fatalf("Excludes mismatch: %+v", rep.Excluded)
	}
	if got := rep.Excluded[1].Err.Error(); !strings.HasPrefix(got, "pairs[2].session") {
		t.Fatalf("issue = %q, want a pairs[2].session path", got)
	}
}

func TestValidateDestinationSession(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Sessions: []SessionConfig{
			{ID: "tg", Platform: "telegram", Token: "x"},
			{ID: "dc", Platform: "Discord", Token: "y"},
		},
		Pairs: []PairConfig{
			{ID: "bridge", Session: "dc", Source: "111", Destination: "-2", DestinationSession: "tg"},
			{ID: "lost", Session: "dc", Source: "222", Destination: "-3", DestinationSession: "matrix"},
		},
	}
	rep, err := Validate(cfg)
	if err != nil {
		t.Fatalf("Validate = %v, want discord accepted", err)
	}
	if len(rep.Excluded) != 1 || rep.Excludes(0) || !rep.Excludes(1) {
		t.Fatalf("Excluded = %+v, want only lost", rep.Excluded)
	}
	if got := rep.Excluded[0].Err.Error(); !strings.HasPrefix(got, "pairs[1].destination_session") {
		t.Fatalf("lost error = %q", got)
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseSwitchableDuration("x", "off", time.Minute); err != nil || d != -1 {
		t.Fatalf("off = %v, %v", d, err)
	}
	if d, err := ParseSwitchableDuration("x", "90s", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("90s = %v, %v", d, err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Sessions:      []SessionConfig{{ID: "tg", Platform: "telegram", Token: "old-secret"}},
		Pairs:         []PairConfig{{ID: "a", Source: "1"}, {ID: "b", Source: "2"}},
		Observability: ObservabilityConfig{Token: "tok-1"},
	}
	newCfg := &Config{
		Sessions:      []SessionConfig{{ID: "tg", Platform: "telegram", Token: "new-secret"}},
		Pairs:         []PairConfig{{ID: "a", Source: "1"}, {ID: "c", Source: "3"}},
		Observability: ObservabilityConfig{Token: "tok-2"},
	}
	changed, attrs, pairs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "observability,pairs,sessions" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(pairs, ",") != "b,c" {
		t.Fatalf("pairs = %v, want b,c", pairs)
	}
	var buf bytes.Buffer
	logx.NewJSON(&buf, "debug").Info("config reloaded", attrs...)
	if out := buf.String(); strings.Contains(out, "secret") || strings.Contains(out, "tok-") {
		t.Fatalf("summary leaks a secret: %s", out)
	}
}

func TestResolveToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "token", "  123:abc \n")
	if tok, err := (SessionConfig{ID: "s", TokenFile: p}).ResolveToken(); err != nil || tok != "123:abc" {
		t.Fatalf("ResolveToken(file) = %q, %v", tok, err)
	}
	empty := writeFile(t, dir, "empty", "\n")
	if _, err := (SessionConfig{ID: "s", TokenFile: empty}).ResolveToken(); err == nil {
		t.Fatal("empty token file accepted")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", sampleYAML)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load = %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := Validate(cfg)
		return err
	})
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and not published.
	writeFile(t, dir, "relay.yaml", strings.Replace(sampleYAML, "driver: sqlite, path: ./relay.db", "driver: tape", 1))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Storage)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "relay.yaml", strings.Replace(sampleYAML, "workers: 2", "workers: 6", 1))
	select {
	case cfg := <-sub:
		if cfg.Forwarding.Workers != 6 {
			t.Fatalf("published workers = %d, want 6", cfg.Forwarding.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid change was not published")
	}
	if m.Get().Forwarding.Workers != 6 {
		t.Fatal("Get does not return the committed config")
	}

	cancel()
	<-done
	m.Unsubscribe(sub)
}
