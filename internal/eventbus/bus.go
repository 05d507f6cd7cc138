// Package eventbus is the in-process signal fanout of the relay. Publishing
// never blocks; slow subscribers drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the relay core.
const (
	TopicSessionStatus = "session.status"
	TopicPairStatus    = "pair.status"
	TopicTrapDetected  = "trap.detected"
	TopicForwarded     = "message.forwarded"
	TopicConfigReload  = "config.reloaded"
)

// Event carries a small, JSON-serializable payload.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// SessionStatus is the payload of TopicSessionStatus.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error,omitempty"`
}

// PairStatus is the payload of TopicPairStatus.
type PairStatus struct {
	PairID string `json:"pair_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Cause  string `json:"cause"`
}

// Trap is the payload of TopicTrapDetected.
type Trap struct {
	TraceID    string   `json:"trace_id"`
	SessionID  string   `json:"session_id"`
	PairID     string   `json:"pair_id"`
	MessageID  string   `json:"message_id"`
	Reasons    []string `json:"reasons"`
	Confidence float64  `json:"confidence"`
	Paused     bool     `json:"paused"`
}

// Forwarded is the payload of TopicForwarded.
type Forwarded struct {
	TraceID              string `json:"trace_id"`
	Op                   string `json:"op"`
	PairID               string `json:"pair_id"`
	SourceMessageID      string `json:"source_message_id"`
	DestinationMessageID string `json:"destination_message_id,omitempty"`
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish sends under the read lock, so closing under the write
			// lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
