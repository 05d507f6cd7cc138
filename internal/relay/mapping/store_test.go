package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// memBackend is an in-memory storage.Store whose writes can be made to fail.
type memBackend struct {
	mu   sync.Mutex
	rows map[string]storage.Mapping
	fail error
}

func newMemBackend() *memBackend { return &memBackend{rows: map[string]storage.Mapping{}} }

func (b *memBackend) AppendAudit(context.Context, storage.AuditEntry) error { return nil }

func (b *memBackend) PutDedup(context.Context, string, time.Time) error { return nil }

func (b *memBackend) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) PutMapping(_ context.Context, m storage.Mapping) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.rows[m.SessionID+"/"+m.SourceMessageID] = m
	return nil
}

func (b *memBackend) DeleteMapping(_ context.Context, s, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	delete(b.rows, s+"/"+id)
	return nil
}

func (b *memBackend) LoadMappings(context.Context) ([]storage.Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]storage.Mapping, 0, len(b.rows))
	for _, m := range b.rows {
		out = append(out, m)
	}
	return out, nil
}

func (b *memBackend) setFail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

func key(id string) relay.Key { return relay.Key{SessionID: "s1", MessageID: id} }

func TestPutGetIncrementRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := newMemBackend()
	s := New(be, logx.Nop())

	if err := s.Put(ctx, Entry{Key: key("1"), PairID: "p", DestinationChannel: "d", DestinationMessageID: "9"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok := s.Get(key("1"))
	if !ok || e.DestinationMessageID != "9" || e.CreatedAt.IsZero() {
		t.Fatalf("Get = %+v, %v; want dest 9 with CreatedAt set", e, ok)
	}

	for want := 1; want <= 3; want++ {
		e, ok, err := s.IncrementEditCount(ctx, key("1"))
		if err != nil || !ok || e.EditCount != want {
			t.Fatalf("IncrementEditCount = %+v, %v, %v; want count %d", e, ok, err, want)
		}
	}
	if _, ok, err := s.IncrementEditCount(ctx, key("missing")); ok || err != nil {
		t.Fatalf("IncrementEditCount(missing) = %v, %v; want false, nil", ok, err)
	}

	removed, ok, err := s.Remove(ctx, key("1"))
	if err != nil || !ok || removed.EditCount != 3 {
		t.Fatalf("Remove = %+v, %v, %v", removed, ok, err)
	}
	if _, ok := s.Get(key("1")); ok {
		t.Fatal("mapping still present after Remove")
	}
	if rows, _ := be.LoadMappings(ctx); len(rows) != 0 {
		t.Fatalf("backend rows = %d, want 0", len(rows))
	}
	if _, ok, err := s.Remove(ctx, key("1")); ok || err != nil {
		t.Fatalf("second Remove = %v, %v; want false, nil", ok, err)
	}
}

func TestFailedWriteRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := newMemBackend()
	s := New(be, logx.Nop())
	if err := s.Put(ctx, Entry{Key: key("1"), DestinationMessageID: "9"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	boom := errors.New("disk full")
	be.setFail(boom)

	if err := s.Put(ctx, Entry{Key: key("2")}); !errors.Is(err, boom) {
		t.Fatalf("Put err = %v, want %v", err, boom)
	}
	if _, ok := s.Get(key("2")); ok {
		t.Fatal("failed Put left an entry behind")
	}
	if _, _, err := s.IncrementEditCount(ctx, key("1")); !errors.Is(err, boom) {
		t.Fatalf("IncrementEditCount err = %v, want %v", err, boom)
	}
	if e, _ := s.Get(key("1")); e.EditCount != 0 {
		t.Fatalf("EditCount = %d after failed write, want 0", e.EditCount)
	}
	if _, _, err := s.Remove(ctx, key("1")); !errors.Is(err, boom) {
		t.Fatalf("Remove err = %v, want %v", err, boom)
	}
	if _, ok := s.Get(key("1")); !ok {
		t.Fatal("failed Remove dropped the entry")
	}
}

func TestGC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	s := New(nil, logx.Nop())
	s.now = func() time.Time { return now }

	for i, age := range []time.Duration{8 * 24 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour, time.Minute} {
		if err := s.Put(ctx, Entry{Key: key(fmt.Sprint(i)), CreatedAt: now.Add(-age)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	n, err := s.GC(ctx, DefaultMaxAge, 0)
	if err != nil || n != 1 {
		t.Fatalf("GC(age) = %d, %v; want 1", n, err)
	}
	if _, ok := s.Get(key("0")); ok {
		t.Fatal("expired mapping survived GC")
	}

	n, err = s.GC(ctx, DefaultMaxAge, 2)
	if err != nil || n != 2 {
		t.Fatalf("GC(size) = %d, %v; want 2", n, err)
	}
	for _, id := range []string{"3", "4"} {
		if _, ok := s.Get(key(id)); !ok {
			t.Fatalf("newest mapping %s evicted", id)
		}
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestResetEditCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(newMemBackend(), logx.Nop())
	_ = s.Put(ctx, Entry{Key: key("a"), PairID: "p1", EditCount: 2})
	_ = s.Put(ctx, Entry{Key: key("b"), PairID: "p1"})
	_ = s.Put(ctx, Entry{Key: key("c"), PairID: "p2", EditCount: 1})

	n, err := s.ResetEditCounts(ctx, "p1")
	if err != nil || n != 1 {
		t.Fatalf("ResetEditCounts = %d, %v; want 1", n, err)
	}
	if e, _ := s.Get(key("a")); e.EditCount != 0 {
		t.Fatalf("a.EditCount = %d, want 0", e.EditCount)
	}
	if e, _ := s.Get(key("c")); e.EditCount != 1 {
		t.Fatalf("other pair touched: c.EditCount = %d, want 1", e.EditCount)
	}
}

func TestLoadRestoresIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := newMemBackend()
	first := New(be, logx.Nop())
	_ = first.Put(ctx, Entry{Key: key("1"), PairID: "p", DestinationMessageID: "5", EditCount: 1})

	second := New(be, logx.Nop())
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, ok := second.Get(key("1"))
	if !ok || e.DestinationMessageID != "5" || e.EditCount != 1 {
		t.Fatalf("loaded entry = %+v, %v", e, ok)
	}
}

// Concurrent edits and a delete on one key never leave a half-applied
// mapping: either the delete wins and later edits see nothing, or edits land
// on an entry that is later removed.
func TestSameKeyEditDeleteRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := newMemBackend()
	s := New(be, logx.Nop())
	for round := 0; round < 50; round++ {
		k := key(fmt.Sprint("r", round))
		if err := s.Put(ctx, Entry{Key: k, PairID: "p"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _ = s.IncrementEditCount(ctx, k)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Remove(ctx, k)
		}()
		wg.Wait()

		if _, ok := s.Get(k); ok {
			t.Fatalf("round %d: mapping survived Remove", round)
		}
		rows, _ := be.LoadMappings(ctx)
		for _, r := range rows {
			if r.SourceMessageID == k.MessageID {
				t.Fatalf("round %d: backend still holds %+v", round, r)
			}
		}
	}
	if n := len(s.locks.m); n != 0 {
		t.Fatalf("key locks leaked: %d", n)
	}
}

func TestJanitor(t *testing.T) {
	t.Parallel()
	if _, err := NewJanitor(New(nil, logx.Nop()), "not a schedule", 0, 0, logx.Nop()); err == nil {
		t.Fatal("invalid schedule should fail")
	}

	ctx := context.Background()
	s := New(nil, logx.Nop())
	_ = s.Put(ctx, Entry{Key: key("old"), CreatedAt: time.Now().Add(-30 * 24 * time.Hour)})
	_ = s.Put(ctx, Entry{Key: key("new")})

	j, err := NewJanitor(s, "", 0, 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Start()
	n, err := j.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v; want 1", n, err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := j.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
