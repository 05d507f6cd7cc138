package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/relay"
)

const appYAML = `
logging: {level: warn}
sessions:
  - {id: tg, platform: telegram, token: "123:abc"}
pairs:
  - {id: btc, session: tg, source: "-1001", destination: "-2001"}
  - {id: ghost, session: nope, source: "-1003", destination: "-2003"}
rate_limits:
  telegram: {calls: 20, window: 60s}
storage: {driver: file, path: STORE}
`

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	body := strings.Replace(appYAML, "STORE", filepath.Join(dir, "relay.jsonl"), 1)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	t.Cleanup(func() { _ = a.abort(nil) })
	return a, body
}

func TestNewBuildsRelay(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	pairs := a.router.Pairs()
	if len(pairs) != 1 || pairs[0].ID != "btc" {
		t.Fatalf("pairs = %+v, want only btc", pairs)
	}
	if ids := a.sessions.IDs(); len(ids) != 1 || ids[0] != "tg" {
		t.Fatalf("sessions = %v", ids)
	}
	if a.store == nil {
		t.Fatal("file storage not opened")
	}
	if a.limiter.Rule("telegram").Calls != 20 {
		t.Fatalf("telegram rule = %+v", a.limiter.Rule("telegram"))
	}
	rep, ok := a.health()
	if !ok {
		t.Fatal("fresh app should be healthy")
	}
	if rl := rep.(healthReport).RateLimits["telegram"]; rl.Calls != 20 || rl.Window != "1m0s" {
		t.Fatalf("health rate_limits = %+v, want 20 per 1m0s", rl)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("sessions: []\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(path); err == nil || !strings.Contains(err.Error(), "sessions") {
		t.Fatalf("New = %v, want a sessions error", err)
	}
}

func TestApplyConfigRebuildsPairsAndLimits(t *testing.T) {
	t.Parallel()
	a, body := newTestApp(t)
	oldCfg := a.cfgm.Get()

	next := strings.Replace(body, "calls: 20", "calls: 7", 1)
	next = strings.Replace(next, `source: "-1001", destination: "-2001"}`,
		`source: "-1001", destination: "-2001"}
  - {id: eth, session: tg, source: "-1002", destination: "-2002", status: paused}`, 1)
	newCfg, err := config.Decode("relay.yaml", []byte(next))
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.applyConfig(ctx, oldCfg, newCfg)

	p, ok := a.router.Pair("eth")
	if !ok || p.Status != relay.PairPaused {
		t.Fatalf("eth = %+v, %v; want paused pair", p, ok)
	}
	if _, ok := a.router.Pair("btc"); !ok {
		t.Fatal("btc lost on rebuild")
	}
	if got := a.limiter.Rule("telegram").Calls; got != 7 {
		t.Fatalf("telegram calls = %d, want 7", got)
	}
}
