// Package forward runs the relay pipeline: route, sanitize, detect, then
// send, edit or delete on the destination and record the mapping.
//
// Events are hashed by (session, source message) onto a fixed set of worker
// queues. Events of one source message are therefore handled in arrival
// order by one worker while different messages proceed in parallel.
package forward

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/relay/mapping"
	"relaybot/internal/relay/ratelimit"
	"relaybot/internal/relay/retry"
	"relaybot/internal/relay/router"
	"relaybot/internal/relay/sanitize"
	"relaybot/internal/relay/trap"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

var (
	ErrStopped     = errors.New("forwarding engine stopped")
	ErrNotStarted  = errors.New("forwarding engine not started")
	ErrUnknownPair = errors.New("unknown pair")
)

// Config tunes the engine. Zero values take the defaults noted per field.
type Config struct {
	Workers   int // 4
	QueueSize int // per worker, 256
	// AutoResumeAfter schedules a resume after an automatic pause (120s).
	// A negative value disables auto-resume.
	AutoResumeAfter        time.Duration
	ResetEditCountOnResume bool
	CallTimeout            time.Duration // per sink call, 30s
	Sanitize               sanitize.Options
	StripImageMetadata     bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AutoResumeAfter == 0 {
		c.AutoResumeAfter = 120 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Sanitize.MaxLength == 0 {
		c.Sanitize.MaxLength = sanitize.DefaultMaxLength
	}
	return c
}

// SinkResolver returns the outbound sink of a session.
type SinkResolver interface {
	Sink(sessionID string) (transport.Sink, error)
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Deps are the collaborators of an Engine. Router, Mappings, Detector,
// Limiter, Retry and Sinks are required.
type Deps struct {
	Router   *router.Router
	Mappings *mapping.Store
	Detector *trap.Detector
	Limiter  *ratelimit.Limiter
	Retry    *retry.Scheduler
	Sinks    SinkResolver

	Audit    storage.Store
	Bus      eventbus.Bus
	Notifier Notifier
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Workers   int                      `json:"workers"`
	Queued    int                      `json:"queued"`
	Processed uint64                   `json:"processed"`
	Forwarded uint64                   `json:"forwarded"`
	Blocked   uint64                   `json:"blocked"`
	Dropped   uint64                   `json:"dropped"`
	Failed    uint64                   `json:"failed"`
	Mappings  int                      `json:"mappings"`
	Pairs     map[relay.PairStatus]int `json:"pairs"`
}

type item struct {
	ev transport.Event
	at time.Time
}

type Engine struct {
	cfg Config
	d   Deps
	log logx.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	sup      *supervisor.Supervisor
	queues   []chan item
	quit     chan struct{}
	attachWG sync.WaitGroup
	attached map[string]bool

	tmu    sync.Mutex
	timers map[string]*time.Timer

	processed atomic.Uint64
	forwarded atomic.Uint64
	blocked   atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, d Deps) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		d:        d,
		log:      d.Log.With(logx.String("comp", "forward")),
		quit:     make(chan struct{}),
		attached: map[string]bool{},
		timers:   map[string]*time.Timer{},
	}
	d.Router.OnChange(e.onPairChange)
	return e
}

// Start launches the workers. ctx bounds every sink call made by the engine.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	e.queues = make([]chan item, e.cfg.Workers)
	for i := range e.queues {
		q := make(chan item, e.cfg.QueueSize)
		e.queues[i] = q
		e.sup.Go(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			e.work(ctx, q)
			return nil
		})
	}
}

// Attach starts a dispatcher for one session's event stream. It returns
// when the dispatcher is running; the dispatcher exits when events is closed
// or the engine stops.
func (e *Engine) Attach(sessionID string, events <-chan transport.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.stopped:
		return ErrStopped
	case !e.started:
		return ErrNotStarted
	case e.attached[sessionID]:
		return fmt.Errorf("session %s already attached", sessionID)
	}
	e.attached[sessionID] = true
	e.attachWG.Add(1)
	go e.dispatch(sessionID, events)
	return nil
}

func (e *Engine) dispatch(sessionID string, events <-chan transport.Event) {
	defer e.attachWG.Done()
	for {
		select {
		case <-e.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.SessionID == "" {
				ev.SessionID = sessionID
			}
			q := e.queues[shard(relay.Key{SessionID: ev.SessionID, MessageID: ev.MessageID}, len(e.queues))]
			select {
			case q <- item{ev: ev, at: time.Now()}:
			case <-e.quit:
				e.drop("shutdown")
				return
			}
		}
	}
}

func shard(k relay.Key, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.SessionID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.MessageID))
	return int(h.Sum32() % uint32(n))
}

func (e *Engine) work(ctx context.Context, q <-chan item) {
	for it := range q {
		if ctx.Err() != nil {
			// Forced stop: abandon what is left.
			e.drop("shutdown")
			continue
		}
		e.process(ctx, it)
	}
}

func (e *Engine) drop(stage string) {
	e.dropped.Add(1)
	e.d.Metrics.Dropped.WithLabelValues(stage).Inc()
}

// Stop refuses new events, drains the queues until ctx is done and then
// cancels in-flight calls.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	close(e.quit)
	e.mu.Unlock()

	e.stopTimers()
	if !started {
		return nil
	}
	e.attachWG.Wait()
	for _, q := range e.queues {
		close(q)
	}
	err := e.sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		e.log.Warn("forwarding drain timed out, cancelling in-flight calls", logx.Int("queued", e.queued()))
		e.sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if werr := e.sup.Wait(wctx); werr != nil {
			e.log.Error("forwarding workers did not exit", logx.Err(werr))
		}
		return ctx.Err()
	}
	e.sup.Cancel()
	return nil
}

func (e *Engine) queued() int {
	n := 0
	for _, q := range e.queues {
		n += len(q)
	}
	return n
}

// PausePair pauses a pair on operator request. No auto-resume is scheduled.
func (e *Engine) PausePair(id string) error {
	if _, ok := e.d.Router.Pair(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, id)
	}
	e.d.Router.Pause(id, "operator")
	return nil
}

func (e *Engine) ResumePair(id string) error {
	if _, ok := e.d.Router.Pair(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, id)
	}
	e.d.Router.Resume(id)
	return nil
}

func (e *Engine) PauseAll() int  { return e.d.Router.PauseAll("operator") }
func (e *Engine) ResumeAll() int { return e.d.Router.ResumeAll() }

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	queued := e.queued()
	e.mu.Unlock()
	return Stats{
		Workers:   e.cfg.Workers,
		Queued:    queued,
		Processed: e.processed.Load(),
		Forwarded: e.forwarded.Load(),
		Blocked:   e.blocked.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
		Mappings:  e.d.Mappings.Len(),
		Pairs:     e.d.Router.Counts(),
	}
}
