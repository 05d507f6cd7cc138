package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"relaybot/pkg/logx"
)

// NATSConfig configures the outbound bridge.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	MaxReconnects int // -1 reconnects forever
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "relaybot"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "relay"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return c
}

// Publisher is the slice of *nats.Conn the bridge uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge mirrors every bus event to NATS as JSON on <prefix>.<type>.
type Bridge struct {
	log    logx.Logger
	prefix string
	pub    Publisher
	conn   *nats.Conn
}

// DialNATS connects to NATS. The initial connection must succeed.
func DialNATS(cfg NATSConfig, log logx.Logger) (*Bridge, error) {
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "nats"))
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", logx.String("url", nc.ConnectedUrl()))
	b := NewBridge(nc, cfg.SubjectPrefix, log)
	b.conn = nc
	return b, nil
}

func NewBridge(pub Publisher, prefix string, log logx.Logger) *Bridge {
	return &Bridge{log: log, prefix: strings.TrimSuffix(prefix, "."), pub: pub}
}

// Subject returns the NATS subject for a bus event type.
func (b *Bridge) Subject(eventType string) string {
	if b.prefix == "" {
		return eventType
	}
	return b.prefix + "." + eventType
}

// Run forwards events from bus until ctx is done.
func (b *Bridge) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(e)
		}
	}
}

func (b *Bridge) forward(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("nats encode failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	if err := b.pub.Publish(b.Subject(e.Type), data); err != nil {
		b.log.Warn("nats publish failed", logx.String("type", e.Type), logx.Err(err))
	}
}

// Close drains pending publishes and closes the connection.
func (b *Bridge) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
