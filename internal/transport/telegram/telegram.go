// Package telegram is the Telegram Bot API adapter of the transport layer,
// built on telebot.
//
// Bot API message ids are only unique within a chat, so source events carry
// "<chat>:<message>" ids. The Bot API never reports deletions to bots; a
// Telegram session therefore produces new and edited events only.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const (
	Platform = "telegram"

	defaultPollTimeout = 10 * time.Second
	// Bot API getFile refuses files above 20 MB.
	defaultMaxAttachment = 20 << 20
)

type Config struct {
	MaxAttachmentBytes int64
	// ParseMode applies to outbound text; empty sends plain text.
	ParseMode string
}

type Connector struct {
	cfg Config
	log logx.Logger
}

func NewConnector(cfg Config, log logx.Logger) *Connector {
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachment
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Connector{cfg: cfg, log: log}
}

// Connect authorizes the bot token (getMe). A rejected token is reported as
// an auth error; everything else as transient.
func (c *Connector) Connect(ctx context.Context, spec transport.SessionSpec) (transport.Conn, error) {
	if strings.TrimSpace(spec.Token) == "" {
		return nil, transport.NewError(transport.KindAuth, "connect", errors.New("telegram token is empty"))
	}
	timeout := spec.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	cn := &conn{
		cfg:   c.cfg,
		spec:  spec,
		log:   c.log.With(logx.String("session", spec.ID)),
		allow: allowSet(spec.Channels),
		fatal: make(chan error, 1),
	}

	type result struct {
		bot *tele.Bot
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			Token:       spec.Token,
			Poller:      &tele.LongPoller{Timeout: timeout},
			Synchronous: true,
			ParseMode:   tele.ParseMode(c.cfg.ParseMode),
			OnError:     func(err error, _ tele.Context) { cn.onError(err) },
		})
		done <- result{bot: b, err: err}
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
	cn.bot = r.bot
	cn.sink = &Sink{bot: r.bot, parseMode: c.cfg.ParseMode}
	cn.register()
	if r.bot.Me != nil {
		cn.log.Info("bot authorized", logx.String("username", r.bot.Me.Username), logx.Int64("bot_id", r.bot.Me.ID))
	}
	return cn, nil
}

type pump struct {
	ctx context.Context
	out chan<- transport.Event
}

type conn struct {
	cfg   Config
	spec  transport.SessionSpec
	log   logx.Logger
	bot   *tele.Bot
	sink  *Sink
	allow map[string]bool

	pump   atomic.Pointer[pump]
	fatal  chan error
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
	onNew := func(tc tele.Context) error {
		c.deliver(transport.EventNew, tc.Message())
		return nil
	}
	onEdit := func(tc tele.Context) error {
		c.deliver(transport.EventEdited, tc.Message())
		return nil
	}
	for _, ep := range []string{tele.OnText, tele.OnPhoto, tele.OnDocument, tele.OnChannelPost} {
		c.bot.Handle(ep, onNew)
	}
	for _, ep := range []string{tele.OnEdited, tele.OnEditedChannelPost} {
		c.bot.Handle(ep, onEdit)
	}
}

// deliver blocks until the consumer takes the event or Listen ends. Handlers
// run synchronously, so a slow consumer slows polling instead of losing
// events.
func (c *conn) deliver(kind transport.EventKind, m *tele.Message) {
	p := c.pump.Load()
	if p == nil || m == nil || m.Chat == nil {
		return
	}
	ev, ok := eventFromMessage(c.spec.ID, kind, m, c.allow)
	if !ok {
		return
	}
	if f := mediaFile(m); f != nil {
		att, err := c.download(m, f)
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

func eventFromMessage(sessionID string, kind transport.EventKind, m *tele.Message, allow map[string]bool) (transport.Event, bool) {
	chat := strconv.FormatInt(m.Chat.ID, 10)
	if allow != nil && !allow[chat] {
		return transport.Event{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	at := time.Unix(m.Unixtime, 0)
	if kind == transport.EventEdited && m.LastEdit > 0 {
		at = time.Unix(m.LastEdit, 0)
	}
	return transport.Event{
		Kind:      kind,
		SessionID: sessionID,
		ChannelID: chat,
		MessageID: MessageKey(m.Chat.ID, m.ID),
		Text:      text,
		At:        at,
	}, true
}

func mediaFile(m *tele.Message) *tele.File {
	switch {
	case m.Photo != nil:
		return &m.Photo.File
	case m.Document != nil:
		return &m.Document.File
	}
	return nil
}

func (c *conn) download(m *tele.Message, f *tele.File) (*transport.Attachment, error) {
	if f.FileSize > c.cfg.MaxAttachmentBytes {
		return nil, fmt.Errorf("file of %d bytes exceeds %d", f.FileSize, c.cfg.MaxAttachmentBytes)
	}
	rc, err := c.bot.File(f)
	if err != nil {
		return nil, classify("download", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, c.cfg.MaxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.cfg.MaxAttachmentBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", c.cfg.MaxAttachmentBytes)
	}
	if m.Photo != nil {
		return &transport.Attachment{Kind: transport.AttachmentPhoto, Name: "photo.jpg", MIME: "image/jpeg", Data: data}, nil
	}
	return &transport.Attachment{Kind: transport.AttachmentDocument, Name: m.Document.FileName, MIME: m.Document.MIME, Data: data}, nil
}

// onError receives poller and handler errors from telebot. A revoked token
// ends Listen; other errors are retried by the poller itself.
func (c *conn) onError(err error) {
	cerr := classify("poll", err)
	if transport.IsAuth(cerr) {
		select {
		case c.fatal <- cerr:
		default:
		}
		return
	}
	c.log.Warn("telegram poll error", logx.String("error_kind", string(transport.KindOf(cerr))), logx.Err(err))
}

// Listen polls until ctx is done or the token is rejected. It must be called
// at most once per conn.
func (c *conn) Listen(ctx context.Context, out chan<- transport.Event) error {
	if c.closed.Load() {
		return transport.ErrNotConnected
	}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.pump.Store(&pump{ctx: lctx, out: out})
	defer c.pump.Store(nil)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.bot.Start()
	}()
	c.log.Info("polling started")

	var err error
	select {
	case <-ctx.Done():
	case err = <-c.fatal:
	}
	// Unblock a handler waiting on the consumer before stopping the poller.
	cancel()
	c.bot.Stop()
	<-stopped
	c.log.Info("polling stopped")
	return err
}

func (c *conn) Sink() transport.Sink { return c.sink }

func (c *conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.sink.closed.Store(true)
	})
	return nil
}

// MessageKey qualifies a Bot API message id with its chat.
func MessageKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// ParseMessageKey splits a key made by MessageKey.
func ParseMessageKey(key string) (chatID int64, messageID int, err error) {
	chat, msg, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("telegram message key %q: missing chat", key)
	}
	if chatID, err = strconv.ParseInt(chat, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("telegram message key %q: %w", key, err)
	}
	if messageID, err = strconv.Atoi(msg); err != nil {
		return 0, 0, fmt.Errorf("telegram message key %q: %w", key, err)
	}
	return chatID, messageID, nil
}

// Sink posts to Telegram chats. Destination message ids are plain Bot API
// ids; the chat travels as the channel argument.
type Sink struct {
	bot       *tele.Bot
	parseMode string
	closed    atomic.Bool
}

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

func chatOf(op, channel string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(channel), 10, 64)
	if err != nil {
		return nil, transport.NewError(transport.KindInvalid, op, fmt.Errorf("chat id %q: %w", channel, err))
	}
	return &tele.Chat{ID: id}, nil
}

// Send posts text, split at the Bot API limit, or a media message with the
// text as caption. The id of the first message is returned.
func (s *Sink) Send(ctx context.Context, channel, text string, att *transport.Attachment) (string, error) {
	if err := s.ready(ctx, "send"); err != nil {
		return "", err
	}
	chat, err := chatOf("send", channel)
	if err != nil {
		return "", err
	}
	opts := &tele.SendOptions{ParseMode: tele.ParseMode(s.parseMode)}

	var first *tele.Message
	rest := splitTelegramText(text, telegramTextLimit, s.parseMode)
	if att != nil {
		caption := ""
		if len([]rune(text)) <= captionLimit {
			caption, rest = text, nil
		}
		first, err = s.bot.Send(chat, media(att, caption), opts)
		if err != nil {
			return "", classify("send", err)
		}
	}
	for _, chunk := range rest {
		if chunk == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		m, err := s.bot.Send(chat, chunk, opts)
		if err != nil {
			if first != nil {
				// Partial send: keep the id so edits and deletes still map.
				break
			}
			return "", classify("send", err)
		}
		if first == nil {
			first = m
		}
	}
	if first == nil {
		return "", transport.NewError(transport.KindInvalid, "send", errors.New("nothing to send"))
	}
	return strconv.Itoa(first.ID), nil
}

func media(att *transport.Attachment, caption string) any {
	file := tele.FromReader(bytes.NewReader(att.Data))
	if att.Kind == transport.AttachmentPhoto {
		return &tele.Photo{File: file, Caption: caption}
	}
	return &tele.Document{File: file, FileName: att.Name, MIME: att.MIME, Caption: caption}
}

// Edit replaces the text of a destination message, falling back to the
// caption for media messages. Text beyond one message is cut.
func (s *Sink) Edit(ctx context.Context, channel, messageID, text string) error {
	if err := s.ready(ctx, "edit"); err != nil {
		return err
	}
	chat, err := chatOf("edit", channel)
	if err != nil {
		return err
	}
	msg := tele.StoredMessage{MessageID: messageID, ChatID: chat.ID}
	chunks := splitTelegramText(text, telegramTextLimit, s.parseMode)
	_, err = s.bot.Edit(msg, chunks[0], &tele.SendOptions{ParseMode: tele.ParseMode(s.parseMode)})
	if err != nil && isNoText(err) {
		_, err = s.bot.EditCaption(msg, truncateRunes(text, captionLimit))
	}
	if err != nil && isNotModified(err) {
		return nil
	}
	return classify("edit", err)
}

func (s *Sink) Delete(ctx context.Context, channel, messageID string) error {
	if err := s.ready(ctx, "delete"); err != nil {
		return err
	}
	chat, err := chatOf("delete", channel)
	if err != nil {
		return err
	}
	return classify("delete", s.bot.Delete(tele.StoredMessage{MessageID: messageID, ChatID: chat.ID}))
}

// SendText posts plain text; operator alerts and the log chat sink use it.
func (s *Sink) SendText(ctx context.Context, channel, text string) error {
	_, err := s.Send(ctx, channel, text, nil)
	return err
}
