package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journals + snapshots)
//   - "sqlite": SQLite database file (pure Go driver)
//   - "redis": Redis server, keys under Redis.Prefix
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// AuditEntry records a relay decision worth keeping: traps, pauses, resumes
// and deletes that could not be propagated.
type AuditEntry struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	TraceID    string    `json:"trace_id,omitempty"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session,omitempty"`
	PairID     string    `json:"pair,omitempty"`
	MessageID  string    `json:"message,omitempty"`
	Reasons    []string  `json:"reasons,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// normalize fills the id and timestamp of entries built without them.
func (e *AuditEntry) normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

// Mapping links a source message to the message it was relayed as.
type Mapping struct {
	SessionID            string    `json:"session"`
	SourceMessageID      string    `json:"source_message"`
	PairID               string    `json:"pair"`
	DestinationChannel   string    `json:"destination_channel"`
	DestinationMessageID string    `json:"destination_message"`
	EditCount            int       `json:"edit_count"`
	CreatedAt            time.Time `json:"created_at"`
}

func mappingKey(sessionID, sourceMessageID string) string {
	return sessionID + "\x00" + sourceMessageID
}
