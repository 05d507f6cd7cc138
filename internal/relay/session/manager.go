// Package session owns one long-lived platform connection per configured
// session and exposes each session's inbound events as a bounded channel.
//
// Lifecycle per session:
//
//	disconnected -> connecting -> authorized -> listening -> disconnecting -> disconnected
//	connecting -> error (authorization failure, terminal for the process lifetime)
//
// Network failures while connecting or listening drop the session back to
// disconnected and the supervised loop reconnects with backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrStopped        = errors.New("session manager stopped")
	// ErrTerminal wraps the authorization failure of a session in error state.
	ErrTerminal = errors.New("session in terminal error state")
)

const defaultEventBuffer = 256

// Spec configures one session.
type Spec struct {
	transport.SessionSpec
	// EventBuffer bounds the inbound channel; a full channel blocks the adapter.
	EventBuffer int
}

// Notifier receives operator alerts.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// StatusChange is one lifecycle transition.
type StatusChange struct {
	SessionID string
	From      relay.SessionStatus
	To        relay.SessionStatus
	Err       error
	At        time.Time
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	Bus        eventbus.Bus
	Notifier   Notifier
	Metrics    *metrics.Metrics
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnStatus runs synchronously after every transition, outside the lock.
	OnStatus func(StatusChange)
}

// Info is the Snapshot view of one session.
type Info struct {
	ID         string              `json:"id"`
	Platform   string              `json:"platform"`
	Status     relay.SessionStatus `json:"status"`
	LastError  string              `json:"last_error,omitempty"`
	Reconnects uint64              `json:"reconnects"`
	Since      time.Time           `json:"since"`
}

// Active is an authorized connection returned by Connect.
type Active struct {
	ID   string
	conn transport.Conn
}

type session struct {
	spec   Spec
	events chan transport.Event

	status     relay.SessionStatus
	since      time.Time
	lastErr    error
	reconnects uint64

	conn   transport.Conn
	cancel context.CancelFunc // cancels the current Listen
	// operatorStop is set by Disconnect so the supervised loop exits instead
	// of reconnecting.
	operatorStop bool
}

type Manager struct {
	log        logx.Logger
	connectors map[string]transport.Connector
	opts       Options

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	sup      *supervisor.Supervisor
	stopped  bool
}

// allowed lists the legal transitions; error has no way out.
var allowed = map[relay.SessionStatus][]relay.SessionStatus{
	relay.SessionDisconnected:  {relay.SessionConnecting},
	relay.SessionConnecting:    {relay.SessionAuthorized, relay.SessionDisconnected, relay.SessionError},
	relay.SessionAuthorized:    {relay.SessionListening, relay.SessionDisconnecting, relay.SessionError},
	relay.SessionListening:     {relay.SessionDisconnecting, relay.SessionError},
	relay.SessionDisconnecting: {relay.SessionDisconnected},
}

var allStates = []string{
	string(relay.SessionDisconnected), string(relay.SessionConnecting), string(relay.SessionAuthorized),
	string(relay.SessionListening), string(relay.SessionDisconnecting), string(relay.SessionError),
}

func canTransition(from, to relay.SessionStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// New builds a manager for specs. connectors is keyed by platform name.
func New(specs []Spec, connectors map[string]transport.Connector, log logx.Logger, opts Options) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	m := &Manager{
		log:        log.With(logx.String("comp", "sessions")),
		connectors: connectors,
		opts:       opts,
		sessions:   make(map[string]*session, len(specs)),
	}
	now := time.Now()
	for _, sp := range specs {
		if _, dup := m.sessions[sp.ID]; dup || sp.ID == "" {
			continue
		}
		buf := sp.EventBuffer
		if buf <= 0 {
			buf = defaultEventBuffer
		}
		m.sessions[sp.ID] = &session{
			spec:   sp,
			events: make(chan transport.Event, buf),
			status: relay.SessionDisconnected,
			since:  now,
		}
		m.order = append(m.order, sp.ID)
	}
	m.updateGaugeLocked()
	return m
}

// IDs returns the configured session ids in configuration order.
func (m *Manager) IDs() []string {
	return append([]string(nil), m.order...)
}

// Events returns the inbound channel of a session. The channel is closed
// once Stop has waited out every listener.
func (m *Manager) Events(id string) (<-chan transport.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.events, nil
}

// Status returns the current status of a session.
func (m *Manager) Status(id string) (relay.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.status, nil
}

// Connect authorizes a session. An authorization failure moves it to error
// and is reported to the operator; it is never retried.
func (m *Manager) Connect(ctx context.Context, id string) (*Active, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	case m.stopped:
		m.mu.Unlock()
		return nil, ErrStopped
	case s.status == relay.SessionError:
		err := s.lastErr
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrTerminal, err)
	case s.status != relay.SessionDisconnected:
		st := s.status
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s is %s", id, st)
	}
	spec := s.spec
	s.operatorStop = false
	ch := m.transitionLocked(s, relay.SessionConnecting, nil)
	m.mu.Unlock()
	m.emit(ch)

	conn, err := m.dial(ctx, spec)
	if err != nil {
		if transport.IsAuth(err) || transport.KindOf(err) == transport.KindInvalid {
			m.fail(ctx, s, err)
			return nil, err
		}
		m.setStatus(s, relay.SessionDisconnected, err)
		return nil, err
	}

	m.mu.Lock()
	if m.stopped || s.operatorStop {
		ch = m.transitionLocked(s, relay.SessionDisconnected, nil)
		m.mu.Unlock()
		m.emit(ch)
		_ = conn.Close()
		return nil, ErrStopped
	}
	s.conn = conn
	ch = m.transitionLocked(s, relay.SessionAuthorized, nil)
	m.mu.Unlock()
	m.emit(ch)
	m.log.Info("session authorized", logx.String("session", id), logx.String("platform", spec.Platform))
	return &Active{ID: id, conn: conn}, nil
}

func (m *Manager) dial(ctx context.Context, spec Spec) (transport.Conn, error) {
	c, ok := m.connectors[spec.Platform]
	if !ok {
		return nil, transport.NewError(transport.KindInvalid, "connect", fmt.Errorf("no connector for platform %q", spec.Platform))
	}
	return c.Connect(ctx, spec.SessionSpec)
}

// Listen pumps platform events into the session channel until ctx is done,
// Disconnect is called, or the connection breaks. The latter returns the
// network error after releasing the connection.
func (m *Manager) Listen(ctx context.Context, a *Active) error {
	if a == nil {
		return errors.New("nil session")
	}
	m.mu.Lock()
	s, ok := m.sessions[a.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, a.ID)
	}
	if s.conn != a.conn || s.status != relay.SessionAuthorized {
		m.mu.Unlock()
		return transport.ErrNotConnected
	}
	lctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	events := s.events
	ch := m.transitionLocked(s, relay.SessionListening, nil)
	m.mu.Unlock()
	m.emit(ch)
	defer cancel()

	err := a.conn.Listen(lctx, events)
	if lctx.Err() != nil {
		err = nil
	}
	if err != nil && transport.IsAuth(err) {
		// Credential revoked mid-stream: straight to error, no reconnect.
		m.mu.Lock()
		owned := s.conn == a.conn
		if owned {
			s.conn, s.cancel = nil, nil
		}
		m.mu.Unlock()
		_ = a.conn.Close()
		if owned {
			m.fail(ctx, s, err)
		}
		return nil
	}
	m.releaseWith(s, a.conn, err)
	return err
}

// Disconnect releases the session's connection and stops its reconnect loop.
// It is idempotent.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.operatorStop = true
	conn := s.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	m.release(s, conn)
	return nil
}

func (m *Manager) release(s *session, conn transport.Conn) { m.releaseWith(s, conn, nil) }

// releaseWith runs disconnecting -> disconnected for conn if it is still the
// session's current connection.
func (m *Manager) releaseWith(s *session, conn transport.Conn, cause error) {
	m.mu.Lock()
	if s.conn != conn || conn == nil {
		m.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.conn = nil
	ch := m.transitionLocked(s, relay.SessionDisconnecting, nil)
	m.mu.Unlock()
	m.emit(ch)

	if err := conn.Close(); err != nil {
		m.log.Debug("session close failed", logx.String("session", s.spec.ID), logx.Err(err))
	}
	m.setStatus(s, relay.SessionDisconnected, cause)
}

func (m *Manager) fail(ctx context.Context, s *session, err error) {
	m.setStatus(s, relay.SessionError, err)
	m.log.Error("session authorization failed", logx.String("session", s.spec.ID), logx.Err(err))
	if m.opts.Notifier == nil {
		return
	}
	n := notifier.Notification{
		Priority: notifier.PriorityCritical,
		Key:      "session:" + s.spec.ID + ":auth",
		Text:     fmt.Sprintf("session %s stopped: authorization failed (%v). Fix the credential and restart.", s.spec.ID, err),
	}
	if nerr := m.opts.Notifier.Notify(context.WithoutCancel(ctx), n); nerr != nil && !errors.Is(nerr, notifier.ErrDisabled) {
		m.log.Warn("operator alert not queued", logx.String("session", s.spec.ID), logx.Err(nerr))
	}
}

func (m *Manager) setStatus(s *session, to relay.SessionStatus, err error) {
	m.mu.Lock()
	ch := m.transitionLocked(s, to, err)
	m.mu.Unlock()
	m.emit(ch)
}

// transitionLocked applies a legal transition and returns it; an illegal one
// is logged and returns nil.
func (m *Manager) transitionLocked(s *session, to relay.SessionStatus, err error) *StatusChange {
	from := s.status
	if !canTransition(from, to) {
		m.log.Warn("illegal session transition ignored", logx.String("session", s.spec.ID), logx.String("from", string(from)), logx.String("to", string(to)))
		return nil
	}
	now := time.Now()
	s.status = to
	s.since = now
	if err != nil {
		s.lastErr = err
	}
	m.updateGaugeLocked()
	return &StatusChange{SessionID: s.spec.ID, From: from, To: to, Err: err, At: now}
}

func (m *Manager) emit(ch *StatusChange) {
	if ch == nil {
		return
	}
	payload := eventbus.SessionStatus{SessionID: ch.SessionID, From: string(ch.From), To: string(ch.To)}
	if ch.Err != nil {
		payload.Error = ch.Err.Error()
	}
	m.opts.Bus.Publish(eventbus.Event{Type: eventbus.TopicSessionStatus, Time: ch.At, Data: payload})
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(*ch)
	}
}

func (m *Manager) updateGaugeLocked() {
	if m.opts.Metrics == nil {
		return
	}
	counts := make(map[string]int, len(allStates))
	for _, s := range m.sessions {
		counts[string(s.status)]++
	}
	m.opts.Metrics.SetSessions(counts, allStates)
}

// Sink returns the outbound sink of a connected session.
func (m *Manager) Sink(id string) (transport.Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.conn == nil || (s.status != relay.SessionAuthorized && s.status != relay.SessionListening) {
		if s.status == relay.SessionError {
			return nil, transport.NewError(transport.KindAuth, "sink", fmt.Errorf("%w: %s", ErrTerminal, id))
		}
		// Transient: the session may reconnect before the caller's retries run out.
		return nil, transport.NewError(transport.KindTransient, "sink", fmt.Errorf("%w: %s", transport.ErrNotConnected, id))
	}
	return s.conn.Sink(), nil
}

// Snapshot returns every session in configuration order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		s := m.sessions[id]
		info := Info{ID: id, Platform: s.spec.Platform, Status: s.status, Reconnects: s.reconnects, Since: s.since}
		if s.lastErr != nil {
			info.LastError = s.lastErr.Error()
		}
		out = append(out, info)
	}
	return out
}

// Start runs one supervised connect/listen loop per session. It is a no-op
// when already started.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.sup != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	sup := m.sup
	m.mu.Unlock()

	minB, maxB := m.opts.MinBackoff, m.opts.MaxBackoff
	if minB <= 0 {
		minB = time.Second
	}
	if maxB <= 0 {
		maxB = 2 * time.Minute
	}
	for _, id := range m.order {
		sup.GoRestart("session."+id, func(ctx context.Context) error {
			return m.runOnce(ctx, id)
		},
			supervisor.WithRestartBackoff(minB, maxB),
			supervisor.WithOnRestart(func(n int, wait time.Duration, err error) {
				m.mu.Lock()
				m.sessions[id].reconnects++
				m.mu.Unlock()
				m.log.Warn("session reconnecting", logx.String("session", id), logx.Int("attempt", n), logx.Duration("backoff", wait), logx.Err(err))
			}),
		)
	}
}

// runOnce returns nil when the loop should end: shutdown, operator
// disconnect or terminal failure.
func (m *Manager) runOnce(ctx context.Context, id string) error {
	a, err := m.Connect(ctx, id)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrStopped) || errors.Is(err, ErrTerminal) ||
			transport.IsAuth(err) || transport.KindOf(err) == transport.KindInvalid {
			return nil
		}
		return err
	}
	if err := m.Listen(ctx, a); err != nil {
		return err
	}
	m.mu.Lock()
	stop := m.sessions[id].operatorStop || m.stopped
	m.mu.Unlock()
	if stop || ctx.Err() != nil {
		return nil
	}
	// The adapter returned cleanly without being asked to: reconnect.
	return errors.New("listener exited")
}

// Stop disconnects every session and waits for the loops until ctx is done.
// Event channels are closed only after every loop has exited.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sup := m.sup
	m.mu.Unlock()

	for _, id := range m.order {
		_ = m.Disconnect(id)
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				m.log.Warn("session loops did not exit in time", logx.Any("loops", active(sup.Snapshot())))
				return err
			}
		}
	}
	m.mu.Lock()
	for _, id := range m.order {
		close(m.sessions[id].events)
	}
	m.mu.Unlock()
	return nil
}

func active(stats []supervisor.Stats) []string {
	var out []string
	for _, st := range stats {
		if st.Active > 0 {
			out = append(out, st.Name)
		}
	}
	sort.Strings(out)
	return out
}
