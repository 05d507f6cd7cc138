package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Channel         string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Sender posts plain text to a channel; transport.SinkFunc satisfies it.
type Sender interface {
	SendText(ctx context.Context, channel, text string) error
}

// Priorities map to a short text prefix.
const (
	PriorityInfo     = 5
	PriorityWarning  = 7
	PriorityCritical = 9
)

// Notification is one operator alert. Key scopes dedup; an empty Key dedups
// on the text.
type Notification struct {
	Priority int
	Key      string
	Text     string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event is published on the bus for notifier lifecycle events.
type Event struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
