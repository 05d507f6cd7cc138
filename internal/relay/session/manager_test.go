package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/relay"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type fakeSink struct{}

func (fakeSink) Send(context.Context, string, string, *transport.Attachment) (string, error) {
	return "1", nil
}

func (fakeSink) Edit(context.Context, string, string, string) error { return nil }

func (fakeSink) Delete(context.Context, string, string) error { return nil }

func (fakeSink) Class() string { return "fake" }

type fakeConn struct {
	events []transport.Event
	// listenErr is returned after the events are delivered; nil blocks until cancel.
	listenErr error
	closed    atomic.Int32
}

func (c *fakeConn) Listen(ctx context.Context, out chan<- transport.Event) error {
	for _, e := range c.events {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.listenErr != nil {
		return c.listenErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConn) Sink() transport.Sink { return fakeSink{} }

func (c *fakeConn) Close() error { c.closed.Add(1); return nil }

type fakeConnector struct {
	mu    sync.Mutex
	steps []func() (transport.Conn, error)
	calls int
}

func (f *fakeConnector) Connect(context.Context, transport.SessionSpec) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i]()
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newManager(c transport.Connector, opts Options) *Manager {
	opts.MinBackoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	specs := []Spec{{SessionSpec: transport.SessionSpec{ID: "s1", Platform: "fake"}, EventBuffer: 4}}
	return New(specs, map[string]transport.Connector{"fake": c}, logx.Nop(), opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestLifecycleAndEvents(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{events: []transport.Event{
		{Kind: transport.EventNew, SessionID: "s1", ChannelID: "-100", MessageID: "-100:1"},
		{Kind: transport.EventEdited, SessionID: "s1", ChannelID: "-100", MessageID: "-100:1"},
	}}
	c := &fakeConnector{steps: []func() (transport.Conn, error){func() (transport.Conn, error) { return conn, nil }}}

	var mu sync.Mutex
	var path []relay.SessionStatus
	m := newManager(c, Options{OnStatus: func(ch StatusChange) {
		mu.Lock()
		path = append(path, ch.To)
		mu.Unlock()
	}})

	if _, err := m.Sink("s1"); transport.KindOf(err) != transport.KindTransient {
		t.Fatalf("Sink before connect = %v, want transient not-connected", err)
	}

	m.Start(context.Background())
	events, err := m.Events("s1")
	if err != nil {
		t.Fatalf("Events = %v", err)
	}
	for i, want := range []transport.EventKind{transport.EventNew, transport.EventEdited} {
		select {
		case e := <-events:
			if e.Kind != want {
				t.Fatalf("event %d kind = %s, want %s", i, e.Kind, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	waitFor(t, "listening", func() bool { st, _ := m.Status("s1"); return st == relay.SessionListening })
	if _, err := m.Sink("s1"); err != nil {
		t.Fatalf("Sink while listening = %v", err)
	}

	stopManager(t, m)
	if _, open := <-events; open {
		t.Fatal("event channel should be closed after Stop")
	}
	if conn.closed.Load() != 1 {
		t.Fatalf("conn closed %d times, want 1", conn.closed.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []relay.SessionStatus{relay.SessionConnecting, relay.SessionAuthorized, relay.SessionListening, relay.SessionDisconnecting, relay.SessionDisconnected}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()
	authErr := transport.NewError(transport.KindAuth, "connect", errors.New("401 Unauthorized"))
	c := &fakeConnector{steps: []func() (transport.Conn, error){func() (transport.Conn, error) { return nil, authErr }}}
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(16)
	defer unsub()
	n := &recordingNotifier{}
	m := newManager(c, Options{Bus: bus, Notifier: n})

	m.Start(context.Background())
	waitFor(t, "error state", func() bool { st, _ := m.Status("s1"); return st == relay.SessionError })
	// Give a wrongly restarting loop time to show itself.
	time.Sleep(20 * time.Millisecond)
	if got := c.count(); got != 1 {
		t.Fatalf("Connect called %d times, want 1 (no auth retry)", got)
	}
	if n.len() != 1 {
		t.Fatalf("operator alerts = %d, want 1", n.len())
	}
	if _, err := m.Connect(context.Background(), "s1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("Connect after auth failure = %v, want ErrTerminal", err)
	}
	if _, err := m.Sink("s1"); !transport.IsAuth(err) {
		t.Fatalf("Sink in error state = %v, want auth kind", err)
	}

	sawError := false
	for len(sub) > 0 {
		e := <-sub
		if p, ok := e.Data.(eventbus.SessionStatus); ok && e.Type == eventbus.TopicSessionStatus && p.To == string(relay.SessionError) {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no session.status error event on the bus")
	}
	if snap := m.Snapshot(); snap[0].LastError == "" {
		t.Fatal("Snapshot should carry the auth error")
	}
	stopManager(t, m)
}

func TestNetworkFailureReconnects(t *testing.T) {
	t.Parallel()
	var attempt atomic.Int32
	c := &fakeConnector{steps: []func() (transport.Conn, error){
		func() (transport.Conn, error) {
			attempt.Add(1)
			return nil, transport.NewError(transport.KindTransient, "connect", errors.New("dial tcp: i/o timeout"))
		},
		func() (transport.Conn, error) {
			attempt.Add(1)
			return &fakeConn{listenErr: errors.New("connection reset by peer")}, nil
		},
		func() (transport.Conn, error) {
			attempt.Add(1)
			return &fakeConn{}, nil
		},
	}}
	m := newManager(c, Options{})
	m.Start(context.Background())
	waitFor(t, "third connect", func() bool {
		st, _ := m.Status("s1")
		return attempt.Load() >= 3 && st == relay.SessionListening
	})
	if snap := m.Snapshot(); snap[0].Reconnects != 2 {
		t.Fatalf("Reconnects = %d, want 2", snap[0].Reconnects)
	}
	stopManager(t, m)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	c := &fakeConnector{steps: []func() (transport.Conn, error){func() (transport.Conn, error) { return conn, nil }}}
	m := newManager(c, Options{})

	if err := m.Disconnect("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Disconnect(unknown) = %v, want ErrUnknownSession", err)
	}
	m.Start(context.Background())
	waitFor(t, "listening", func() bool { st, _ := m.Status("s1"); return st == relay.SessionListening })

	for i := 0; i < 3; i++ {
		if err := m.Disconnect("s1"); err != nil {
			t.Fatalf("Disconnect #%d = %v", i, err)
		}
	}
	waitFor(t, "disconnected", func() bool { st, _ := m.Status("s1"); return st == relay.SessionDisconnected })
	time.Sleep(20 * time.Millisecond)
	if got := c.count(); got != 1 {
		t.Fatalf("Connect called %d times after operator disconnect, want 1", got)
	}
	if conn.closed.Load() != 1 {
		t.Fatalf("conn closed %d times, want 1", conn.closed.Load())
	}
	stopManager(t, m)
	stopManager(t, m)
}
