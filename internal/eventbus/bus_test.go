package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

func TestPublishFansOutAndDrops(t *testing.T) {
	t.Parallel()
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TopicPairStatus, Data: i})
	}
	if got := len(fast); got != 3 {
		t.Fatalf("fast subscriber got %d events, want 3", got)
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow subscriber got %d events, want 1 (rest dropped)", got)
	}
	if e := <-fast; e.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: TopicTrapDetected})
}

type recordingPub struct {
	mu   sync.Mutex
	subj []string
	data [][]byte
}

func (p *recordingPub) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subj = append(p.subj, subject)
	p.data = append(p.data, data)
	return nil
}

func (p *recordingPub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subj)
}

func TestBridgeForwardsJSON(t *testing.T) {
	t.Parallel()
	bus := New()
	pub := &recordingPub{}
	br := NewBridge(pub, "relay.", logx.Nop())
	if got := br.Subject(TopicSessionStatus); got != "relay.session.status" {
		t.Fatalf("Subject = %q, want relay.session.status", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = br.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		bus.Publish(Event{Type: TopicSessionStatus, Data: SessionStatus{SessionID: "s1", From: "connecting", To: "error"}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if pub.count() == 0 {
		t.Fatal("bridge published nothing")
	}
	var got struct {
		Type string        `json:"type"`
		Data SessionStatus `json:"data"`
	}
	if err := json.Unmarshal(pub.data[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if pub.subj[0] != "relay.session.status" || got.Data.To != "error" {
		t.Fatalf("published %q %+v", pub.subj[0], got)
	}
}
