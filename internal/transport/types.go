package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	EventNew     EventKind = "new"
	EventEdited  EventKind = "edited"
	EventDeleted EventKind = "deleted"
)

// Event is one platform observation scoped to a session.
//
// MessageID must be unique within the session; adapters whose message ids are
// only unique per channel qualify them (see the telegram adapter).
// Deleted events may carry an empty ChannelID.
type Event struct {
	Kind       EventKind
	SessionID  string
	ChannelID  string
	MessageID  string
	Text       string
	Attachment *Attachment
	At         time.Time
}

type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
)

type Attachment struct {
	Kind AttachmentKind
	Name string
	MIME string
	Data []byte
}

// SessionSpec is what a Connector needs to open one session.
type SessionSpec struct {
	ID          string
	Platform    string
	Token       string
	PollTimeout time.Duration
	// Channels limits the event stream to these source channels (empty = all).
	Channels []string
}

// Connector authorizes a session. Auth failures must be reported as
// *Error{Kind: KindAuth}; anything else is treated as a network-level failure.
type Connector interface {
	Connect(ctx context.Context, spec SessionSpec) (Conn, error)
}

// Conn is an authorized session.
type Conn interface {
	// Listen pumps events into out until ctx is done or the connection breaks.
	// It returns nil (or ctx.Err()) on cancellation and an error otherwise.
	Listen(ctx context.Context, out chan<- Event) error
	Sink() Sink
	Close() error
}

// Sink is the outbound capability of a session.
type Sink interface {
	Send(ctx context.Context, channel, text string, att *Attachment) (messageID string, err error)
	Edit(ctx context.Context, channel, messageID, text string) error
	Delete(ctx context.Context, channel, messageID string) error
	// Class names the rate-limit bucket (usually the platform).
	Class() string
}

// SinkFunc resolves a sink at call time, so a sender can be built before the
// session it posts through is connected.
type SinkFunc func() (Sink, error)

// SendText posts text without an attachment. It satisfies the plain-text
// sender interfaces of the notifier and the log chat sink.
func (f SinkFunc) SendText(ctx context.Context, channel, text string) error {
	s, err := f()
	if err != nil {
		return err
	}
	_, err = s.Send(ctx, channel, text, nil)
	return err
}
