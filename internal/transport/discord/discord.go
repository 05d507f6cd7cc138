// Package discord is the Discord gateway adapter of the transport layer,
// built on discordgo.
//
// Discord message ids are snowflakes, unique across channels, so source
// events carry them unchanged. Unlike the Bot API, the gateway reports
// deletions, so a Discord session produces new, edited and deleted events.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const (
	Platform = "discord"

	// Non-boosted guilds accept uploads up to 25 MB.
	defaultMaxAttachment = 25 << 20
	defaultFetchTimeout  = 30 * time.Second
)

type Config struct {
	MaxAttachmentBytes int64
	FetchTimeout       time.Duration
}

type Connector struct {
	cfg Config
	log logx.Logger
}

func NewConnector(cfg Config, log logx.Logger) *Connector {
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachment
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Connector{cfg: cfg, log: log}
}

// Connect authorizes the bot token against the REST API (users/@me). The
// gateway is opened by Listen.
func (c *Connector) Connect(ctx context.Context, spec transport.SessionSpec) (transport.Conn, error) {
	token := strings.TrimSpace(spec.Token)
	if token == "" {
		return nil, transport.NewError(transport.KindAuth, "connect", errors.New("discord token is empty"))
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, transport.NewError(transport.KindInvalid, "connect", err)
	}
	s.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	// Handlers run on the gateway reader so events keep their order and a
	// slow consumer applies backpressure.
	s.SyncEvents = true
	// Rate limits and retries belong to the relay scheduler.
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	s.StateEnabled = false

	type result struct {
		me  *discordgo.User
		err error
	}
	done := make(chan result, 1)
	go func() {
		me, err := s.User("@me")
		done <- result{me: me, err: err}
	}()
	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return nil, classify("connect", r.err)
	}

	cn := &conn{
		cfg:    c.cfg,
		spec:   spec,
		log:    c.log.With(logx.String("session", spec.ID)),
		s:      s,
		selfID: r.me.ID,
		allow:  allowSet(spec.Channels),
	}
	cn.sink = &Sink{s: s}
	cn.register()
	cn.log.Info("bot authorized", logx.String("username", r.me.Username), logx.String("bot_id", r.me.ID))
	return cn, nil
}

type pump struct {
	ctx context.Context
	out chan<- transport.Event
}

type conn struct {
	cfg    Config
	spec   transport.SessionSpec
	log    logx.Logger
	s      *discordgo.Session
	sink   *Sink
	selfID string
	allow  map[string]bool

	pump   atomic.Pointer[pump]
	remove []func()
	closed atomic.Bool
	once   sync.Once
}

func allowSet(channels []string) map[string]bool {
	if len(channels) == 0 {
		return nil
	}
	m := make(map[string]bool, len(channels))
	for _, ch := range channels {
		m[strings.TrimSpace(ch)] = true
	}
	return m
}

func (c *conn) register() {
	c.remove = append(c.remove,
		c.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			c.deliver(transport.EventNew, m.Message)
		}),
		c.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			c.deliver(transport.EventEdited, m.Message)
		}),
		c.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			c.deliver(transport.EventDeleted, m.Message)
		}),
	)
}

func (c *conn) deliver(kind transport.EventKind, m *discordgo.Message) {
	p := c.pump.Load()
	if p == nil || m == nil {
		return
	}
	ev, ok := eventFromMessage(c.spec.ID, kind, m, c.allow, c.selfID)
	if !ok {
		return
	}
	if kind != transport.EventDeleted && len(m.Attachments) > 0 {
		att, err := c.download(p.ctx, m.Attachments[0])
		if err != nil {
			c.log.Warn("attachment download failed, relaying text only", logx.String("message", ev.MessageID), logx.Err(err))
		} else {
			ev.Attachment = att
		}
	}
	select {
	case p.out <- ev:
	case <-p.ctx.Done():
	}
}

// eventFromMessage converts a gateway message. It drops the bot's own posts,
// channels outside allow, and updates that are not edits (embed unfurls
// arrive as updates without an edit timestamp).
func eventFromMessage(sessionID string, kind transport.EventKind, m *discordgo.Message, allow map[string]bool, selfID string) (transport.Event, bool) {
	if m.ID == "" {
		return transport.Event{}, false
	}
	if allow != nil && !allow[m.ChannelID] {
		return transport.Event{}, false
	}
	if m.Author != nil && selfID != "" && m.Author.ID == selfID {
		return transport.Event{}, false
	}
	ev := transport.Event{
		Kind:      kind,
		SessionID: sessionID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Text:      m.Content,
		At:        m.Timestamp,
	}
	switch kind {
	case transport.EventEdited:
		if m.EditedTimestamp == nil {
			return transport.Event{}, false
		}
		ev.At = *m.EditedTimestamp
	case transport.EventDeleted:
		ev.Text = ""
		ev.At = time.Now()
	}
	return ev, true
}

func (c *conn) download(ctx context.Context, a *discordgo.MessageAttachment) (*transport.Attachment, error) {
	if int64(a.Size) > c.cfg.MaxAttachmentBytes {
		return nil, fmt.Errorf("file of %d bytes exceeds %d", a.Size, c.cfg.MaxAttachmentBytes)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment fetch: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.cfg.MaxAttachmentBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", c.cfg.MaxAttachmentBytes)
	}
	return attachmentOf(a, data), nil
}

func attachmentOf(a *discordgo.MessageAttachment, data []byte) *transport.Attachment {
	kind := transport.AttachmentDocument
	if strings.HasPrefix(a.ContentType, "image/") {
		kind = transport.AttachmentPhoto
	}
	return &transport.Attachment{Kind: kind, Name: a.Filename, MIME: a.ContentType, Data: data}
}

// Listen holds the gateway open until ctx is done. discordgo reconnects
// dropped websockets on its own.
func (c *conn) Listen(ctx context.Context, out chan<- transport.Event) error {
	if c.closed.Load() {
		return transport.ErrNotConnected
	}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.pump.Store(&pump{ctx: lctx, out: out})
	defer c.pump.Store(nil)

	if err := c.s.Open(); err != nil {
		return classify("open", err)
	}
	c.log.Info("gateway connected")
	<-ctx.Done()
	// Unblock a handler waiting on the consumer before closing the socket.
	cancel()
	if err := c.s.Close(); err != nil {
		c.log.Warn("gateway close failed", logx.Err(err))
	}
	c.log.Info("gateway disconnected")
	return nil
}

func (c *conn) Sink() transport.Sink { return c.sink }

func (c *conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.sink.closed.Store(true)
		for _, rm := range c.remove {
			rm()
		}
	})
	return nil
}

// Sink posts to Discord channels with mentions disabled.
type Sink struct {
	s      *discordgo.Session
	closed atomic.Bool
}

var noMentions = &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}

func (s *Sink) Class() string { return Platform }

func (s *Sink) ready(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return transport.NewError(transport.KindTransient, op, transport.ErrNotConnected)
	}
	return nil
}

func channelOf(op, channel string) (string, error) {
	ch := strings.TrimSpace(channel)
	if ch == "" {
		return "", transport.NewError(transport.KindInvalid, op, errors.New("empty channel id"))
	}
	for _, r := range ch {
		if r < '0' || r > '9' {
			return "", transport.NewError(transport.KindInvalid, op, fmt.Errorf("channel id %q is not a snowflake", channel))
		}
	}
	return ch, nil
}

// Send posts text split at the message limit. An attachment rides on the
// first chunk. The id of the first message is returned.
func (s *Sink) Send(ctx context.Context, channel, text string, att *transport.Attachment) (string, error) {
	if err := s.ready(ctx, "send"); err != nil {
		return "", err
	}
	ch, err := channelOf("send", channel)
	if err != nil {
		return "", err
	}
	chunks := splitText(text, textLimit)
	var first string
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			break
		}
		msg := &discordgo.MessageSend{Content: chunk, AllowedMentions: noMentions}
		if i == 0 && att != nil {
			msg.Files = []*discordgo.File{{Name: fileName(att), ContentType: att.MIME, Reader: bytes.NewReader(att.Data)}}
		}
		if msg.Content == "" && msg.Files == nil {
			continue
		}
		m, err := s.s.ChannelMessageSendComplex(ch, msg)
		if err != nil {
			if first != "" {
				// Partial send: keep the id so edits and deletes still map.
				break
			}
			return "", classify("send", err)
		}
		if first == "" {
			first = m.ID
		}
	}
	if first == "" {
		return "", transport.NewError(transport.KindInvalid, "send", errors.New("nothing to send"))
	}
	return first, nil
}

func fileName(att *transport.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	if att.Kind == transport.AttachmentPhoto {
		return "photo.jpg"
	}
	return "file"
}

// Edit replaces the content of a destination message. Text beyond one
// message is cut.
func (s *Sink) Edit(ctx context.Context, channel, messageID, text string) error {
	if err := s.ready(ctx, "edit"); err != nil {
		return err
	}
	ch, err := channelOf("edit", channel)
	if err != nil {
		return err
	}
	content := truncateRunes(text, textLimit)
	_, err = s.s.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:              messageID,
		Channel:         ch,
		Content:         &content,
		AllowedMentions: noMentions,
	})
	return classify("edit", err)
}

func (s *Sink) Delete(ctx context.Context, channel, messageID string) error {
	if err := s.ready(ctx, "delete"); err != nil {
		return err
	}
	ch, err := channelOf("delete", channel)
	if err != nil {
		return err
	}
	return classify("delete", s.s.ChannelMessageDelete(ch, messageID))
}

// SendText posts plain text; operator alerts and the log chat sink use it.
func (s *Sink) SendText(ctx context.Context, channel, text string) error {
	_, err := s.Send(ctx, channel, text, nil)
	return err
}
