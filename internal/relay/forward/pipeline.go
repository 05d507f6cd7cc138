package forward

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/relay"
	"relaybot/internal/relay/mapping"
	"relaybot/internal/relay/retry"
	"relaybot/internal/relay/router"
	"relaybot/internal/relay/sanitize"
	"relaybot/internal/relay/trap"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const (
	opSend   = "send"
	opEdit   = "edit"
	opDelete = "delete"
)

// run carries the per-event context through the pipeline.
type run struct {
	trace string
	ev    transport.Event
	key   relay.Key
	log   logx.Logger
}

func (e *Engine) process(ctx context.Context, it item) {
	r := run{
		trace: uuid.NewString(),
		ev:    it.ev,
		key:   relay.Key{SessionID: it.ev.SessionID, MessageID: it.ev.MessageID},
	}
	r.log = e.log.With(
		logx.String("trace", r.trace),
		logx.String("session", r.key.SessionID),
		logx.String("message", r.key.MessageID),
		logx.String("kind", string(it.ev.Kind)),
	)
	defer func() {
		if p := recover(); p != nil {
			// The event is dropped, never forwarded as-is.
			r.log.Error("pipeline panic, event dropped", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			e.drop("panic")
		}
		e.processed.Add(1)
		e.d.Metrics.Pipeline.Observe(time.Since(it.at).Seconds())
	}()

	e.d.Metrics.Events.WithLabelValues(string(it.ev.Kind)).Inc()
	switch it.ev.Kind {
	case transport.EventNew:
		e.handleNew(ctx, r)
	case transport.EventEdited:
		e.handleEdit(ctx, r)
	case transport.EventDeleted:
		e.handleDelete(ctx, r)
	default:
		r.log.Debug("unknown event kind ignored")
		e.drop("unknown_kind")
	}
}

func (e *Engine) handleNew(ctx context.Context, r run) {
	pair, ok := e.d.Router.Resolve(r.ev.SessionID, r.ev.ChannelID)
	if !ok {
		e.drop("no_pair")
		return
	}
	log := r.log.With(logx.String("pair", pair.ID))
	if _, exists := e.d.Mappings.Get(r.key); exists {
		log.Debug("duplicate new event ignored")
		e.drop("duplicate")
		return
	}

	text := sanitize.Sanitize(r.ev.Text, pair.Rules, e.cfg.Sanitize)
	var raw []byte
	if r.ev.Attachment != nil {
		raw = r.ev.Attachment.Data
	}
	v := e.d.Detector.Evaluate(text, raw, 0, pair.Blocklist)
	if v.IsTrap {
		e.recordTrap(ctx, r, pair, v, e.d.Detector.Actionable(v))
		return
	}

	att, err := e.outboundAttachment(r.ev.Attachment)
	if err != nil {
		log.Warn("attachment metadata strip failed, event dropped", logx.Err(err))
		e.drop("attachment")
		return
	}
	if text == "" && att == nil {
		e.drop("empty")
		return
	}

	var destID string
	err = e.call(ctx, pair, func(ctx context.Context, s transport.Sink) error {
		id, err := s.Send(ctx, pair.Destination, text, att)
		destID = id
		return err
	})
	if err != nil {
		e.sinkFailed(ctx, r, log, pair, opSend, err)
		return
	}

	entry := mapping.Entry{
		Key:                  r.key,
		PairID:               pair.ID,
		DestinationChannel:   pair.Destination,
		DestinationMessageID: destID,
	}
	if err := e.d.Mappings.Put(ctx, entry); err != nil {
		// Sent but not recorded: later edits and deletes of this message
		// cannot be propagated.
		log.Error("mapping write failed after send", logx.String("dest_message", destID), logx.Err(err))
	}
	e.d.Metrics.Mappings.Set(float64(e.d.Mappings.Len()))
	e.forwardedOK(r, pair, opSend, destID)
	log.Info("message forwarded", logx.String("dest", pair.Destination), logx.String("dest_message", destID))
}

func (e *Engine) handleEdit(ctx context.Context, r run) {
	m, ok := e.d.Mappings.Get(r.key)
	if !ok {
		return
	}
	pair, ok := e.activePair(m.PairID)
	if !ok {
		e.drop("no_pair")
		return
	}
	log := r.log.With(logx.String("pair", pair.ID))

	m, ok, err := e.d.Mappings.IncrementEditCount(ctx, r.key)
	if err != nil {
		log.Error("edit count write failed, edit not propagated", logx.Err(err))
		e.drop("mapping")
		return
	}
	if !ok {
		// Deleted concurrently.
		return
	}

	text := sanitize.Sanitize(r.ev.Text, pair.Rules, e.cfg.Sanitize)
	var raw []byte
	if r.ev.Attachment != nil {
		raw = r.ev.Attachment.Data
	}
	v := e.d.Detector.Evaluate(text, raw, m.EditCount, pair.Blocklist)
	if v.IsTrap {
		e.recordTrap(ctx, r, pair, v, v.Has(trap.ReasonEditTrap))
		return
	}

	err = e.call(ctx, pair, func(ctx context.Context, s transport.Sink) error {
		return s.Edit(ctx, m.DestinationChannel, m.DestinationMessageID, text)
	})
	if err != nil && !transport.IsNotFound(err) {
		e.sinkFailed(ctx, r, log, pair, opEdit, err)
		return
	}
	e.forwardedOK(r, pair, opEdit, m.DestinationMessageID)
	log.Info("edit propagated", logx.Int("edit_count", m.EditCount), logx.String("dest_message", m.DestinationMessageID))
}

func (e *Engine) handleDelete(ctx context.Context, r run) {
	m, ok := e.d.Mappings.Get(r.key)
	if !ok {
		return
	}
	pair, ok := e.activePair(m.PairID)
	if !ok {
		e.drop("no_pair")
		return
	}
	log := r.log.With(logx.String("pair", pair.ID))

	err := e.call(ctx, pair, func(ctx context.Context, s transport.Sink) error {
		return s.Delete(ctx, m.DestinationChannel, m.DestinationMessageID)
	})
	if err != nil && !transport.IsNotFound(err) {
		// The mapping stays so the delete can be retried or reconciled.
		e.sinkFailed(ctx, r, log, pair, opDelete, err)
		return
	}
	if _, _, err := e.d.Mappings.Remove(ctx, r.key); err != nil {
		log.Error("mapping removal failed after delete", logx.Err(err))
	}
	e.d.Metrics.Mappings.Set(float64(e.d.Mappings.Len()))
	e.forwardedOK(r, pair, opDelete, m.DestinationMessageID)
	log.Info("delete propagated", logx.String("dest_message", m.DestinationMessageID))
}

func (e *Engine) activePair(id string) (relay.Pair, bool) {
	p, ok := e.d.Router.Pair(id)
	if !ok || p.Status != relay.PairActive {
		return relay.Pair{}, false
	}
	return p, true
}

func (e *Engine) outboundAttachment(a *transport.Attachment) (*transport.Attachment, error) {
	if a == nil || !e.cfg.StripImageMetadata || a.Kind != transport.AttachmentPhoto {
		return a, nil
	}
	data, err := sanitize.StripImageMetadata(a.Data)
	if err != nil {
		return nil, err
	}
	out := *a
	out.Data = data
	return &out, nil
}

// call runs fn against the destination session's sink under the rate limit and retry policy
// of the sink's class. The sink is resolved per attempt so a reconnecting
// session is picked up.
func (e *Engine) call(ctx context.Context, pair relay.Pair, fn func(context.Context, transport.Sink) error) error {
	class := "default"
	if s, err := e.d.Sinks.Sink(pair.SinkSession()); err == nil {
		class = s.Class()
	}
	return e.d.Retry.Do(ctx, class, func(ctx context.Context) error {
		s, err := e.d.Sinks.Sink(pair.SinkSession())
		if err != nil {
			return err
		}
		wait, err := e.d.Limiter.Acquire(ctx, s.Class())
		if err != nil {
			return retry.NoRetry(err)
		}
		e.d.Metrics.ObserveWait(s.Class(), wait)
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		return fn(cctx, s)
	})
}

func (e *Engine) forwardedOK(r run, pair relay.Pair, op, destID string) {
	e.forwarded.Add(1)
	e.d.Metrics.Forwarded.WithLabelValues(op).Inc()
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.TopicForwarded, Data: eventbus.Forwarded{
		TraceID:              r.trace,
		Op:                   op,
		PairID:               pair.ID,
		SourceMessageID:      r.key.MessageID,
		DestinationMessageID: destID,
	}})
}

func errKind(err error) string {
	if retry.IsExhausted(err) {
		if k := transport.KindOf(err); k != "" {
			return "exhausted_" + string(k)
		}
		return "exhausted"
	}
	if k := transport.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context"
	}
	return "unknown"
}

func (e *Engine) sinkFailed(ctx context.Context, r run, log logx.Logger, pair relay.Pair, op string, err error) {
	kind := errKind(err)
	e.failed.Add(1)
	e.d.Metrics.SinkErrors.WithLabelValues(op, kind).Inc()
	log.Error("destination call failed", logx.String("op", op), logx.String("error_kind", kind), logx.Err(err))
	e.audit(ctx, storage.AuditEntry{
		TraceID:   r.trace,
		Kind:      op + "_failed",
		SessionID: r.key.SessionID,
		PairID:    pair.ID,
		MessageID: r.key.MessageID,
		Detail:    err.Error(),
	})
	if transport.KindOf(err) == transport.KindPermission {
		e.notify(ctx, notifier.Notification{
			Priority: notifier.PriorityWarning,
			Key:      "permission:" + pair.ID,
			Text:     fmt.Sprintf("pair %s: no permission to %s in %s", pair.ID, op, pair.Destination),
		})
	}
}

// recordTrap logs, counts, publishes and audits a trap verdict, alerts the
// operator and pauses the pair when pause is set.
func (e *Engine) recordTrap(ctx context.Context, r run, pair relay.Pair, v trap.Verdict, pause bool) {
	e.blocked.Add(1)
	for _, reason := range v.Reasons {
		e.d.Metrics.Blocked.WithLabelValues(reason).Inc()
	}
	paused := false
	if pause {
		paused = e.autoPause(pair.ID, v.Reasons[0])
	}
	r.log.Warn("trap detected, message withheld",
		logx.String("pair", pair.ID),
		logx.Strings("reasons", v.Reasons),
		logx.Float64("confidence", v.Confidence),
		logx.Bool("paused", paused),
	)
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.TopicTrapDetected, Data: eventbus.Trap{
		TraceID:    r.trace,
		SessionID:  r.key.SessionID,
		PairID:     pair.ID,
		MessageID:  r.key.MessageID,
		Reasons:    v.Reasons,
		Confidence: v.Confidence,
		Paused:     paused,
	}})
	e.audit(ctx, storage.AuditEntry{
		TraceID:    r.trace,
		Kind:       "trap",
		SessionID:  r.key.SessionID,
		PairID:     pair.ID,
		MessageID:  r.key.MessageID,
		Reasons:    v.Reasons,
		Confidence: v.Confidence,
	})

	if !pause && !e.d.Detector.Actionable(v) {
		return
	}
	text := fmt.Sprintf("trap on pair %s (message %s): %s, confidence %.2f", pair.ID, r.key.MessageID, strings.Join(v.Reasons, ", "), v.Confidence)
	if paused {
		text += "; pair paused"
		if e.cfg.AutoResumeAfter > 0 {
			text += fmt.Sprintf(", auto-resume in %s", e.cfg.AutoResumeAfter)
		}
	}
	e.notify(ctx, notifier.Notification{Priority: notifier.PriorityCritical, Key: "trap:" + pair.ID + ":" + r.key.MessageID, Text: text})
}

// autoPause pauses a pair and schedules its resume guarded by the pause
// generation, so an operator action in between wins.
func (e *Engine) autoPause(pairID, cause string) bool {
	gen, changed := e.d.Router.Pause(pairID, cause)
	if !changed {
		return false
	}
	e.d.Metrics.Paused.WithLabelValues(cause).Inc()
	if e.cfg.AutoResumeAfter < 0 {
		return true
	}
	e.tmu.Lock()
	defer e.tmu.Unlock()
	if e.timers == nil {
		// Stopped.
		return true
	}
	if t := e.timers[pairID]; t != nil {
		t.Stop()
	}
	e.timers[pairID] = time.AfterFunc(e.cfg.AutoResumeAfter, func() {
		if e.d.Router.ResumeIfGeneration(pairID, gen) {
			e.log.Info("pair auto-resumed", logx.String("pair", pairID))
		}
	})
	return true
}

func (e *Engine) stopTimers() {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

func (e *Engine) onPairChange(c router.Change) {
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.TopicPairStatus, Time: c.At, Data: eventbus.PairStatus{
		PairID: c.PairID,
		From:   string(c.From),
		To:     string(c.To),
		Cause:  c.Cause,
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.audit(ctx, storage.AuditEntry{
		Kind:   "pair_" + string(c.To),
		PairID: c.PairID,
		Detail: fmt.Sprintf("%s -> %s (%s)", c.From, c.To, c.Cause),
	})
	e.log.Info("pair status changed", logx.String("pair", c.PairID), logx.String("from", string(c.From)), logx.String("to", string(c.To)), logx.String("cause", c.Cause))

	if c.To == relay.PairActive {
		e.tmu.Lock()
		if t := e.timers[c.PairID]; t != nil {
			t.Stop()
			delete(e.timers, c.PairID)
		}
		e.tmu.Unlock()
		if e.cfg.ResetEditCountOnResume {
			n, err := e.d.Mappings.ResetEditCounts(ctx, c.PairID)
			if err != nil {
				e.log.Warn("edit count reset failed", logx.String("pair", c.PairID), logx.Err(err))
			} else if n > 0 {
				e.log.Debug("edit counts reset", logx.String("pair", c.PairID), logx.Int("mappings", n))
			}
		}
	}
	if c.Cause == "auto_resume" {
		e.notify(ctx, notifier.Notification{Priority: notifier.PriorityInfo, Key: fmt.Sprintf("resume:%s:%d", c.PairID, c.Generation), Text: "pair " + c.PairID + " resumed automatically"})
	}
}

func (e *Engine) audit(ctx context.Context, a storage.AuditEntry) {
	if e.d.Audit == nil {
		return
	}
	if err := e.d.Audit.AppendAudit(context.WithoutCancel(ctx), a); err != nil {
		e.log.Debug("audit write failed", logx.String("kind", a.Kind), logx.Err(err))
	}
}

func (e *Engine) notify(ctx context.Context, n notifier.Notification) {
	if e.d.Notifier == nil {
		return
	}
	if err := e.d.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		e.log.Debug("operator alert not queued", logx.String("key", n.Key), logx.Err(err))
	}
}
