package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewJSONWritesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v, want hello", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if _, ok := m["err"]; ok {
		t.Fatal("nil error should not add an err field")
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q, want logx_test.go:<line>", c)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Error("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"pair paused","pair":"btc","reason":"edit_trap"}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] pair paused\n- pair=btc\n- reason=edit_trap"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("  not json  ")); got != "not json" {
		t.Fatalf("non-JSON line = %q, want trimmed raw", got)
	}
}

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (r *recordingSender) SendText(_ context.Context, channel, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, channel+"|"+text)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestChatSinkHonorsMinLevel(t *testing.T) {
	rs := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetChatTarget(rs, "ops")

	log.Info("quiet")
	log.Warn("loud")

	select {
	case <-rs.got:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink did not deliver the warning")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.lines) != 1 {
		t.Fatalf("delivered %d lines, want 1: %v", len(rs.lines), rs.lines)
	}
	if !strings.HasPrefix(rs.lines[0], "ops|[WARN] loud") {
		t.Fatalf("line = %q", rs.lines[0])
	}
}
