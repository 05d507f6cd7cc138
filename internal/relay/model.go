// Package relay holds the shared model of the relay core: pairs, session
// states and mapping keys. The pipeline pieces live in the subpackages.
package relay

import (
	"relaybot/internal/relay/sanitize"
	"relaybot/internal/relay/trap"
)

type PairStatus string

const (
	PairActive PairStatus = "active"
	PairPaused PairStatus = "paused"
	PairError  PairStatus = "error"
)

func ParsePairStatus(s string) (PairStatus, bool) {
	switch PairStatus(s) {
	case "", PairActive:
		return PairActive, true
	case PairPaused:
		return PairPaused, true
	case PairError:
		return PairError, true
	default:
		return "", false
	}
}

// Pair is one source -> destination forwarding relationship. SessionID
// reads the source; DestinationSession, when set, posts the destination.
type Pair struct {
	ID                 string
	SessionID          string
	Source             string
	Destination        string
	DestinationSession string
	Status             PairStatus

	Rules     *sanitize.Rules
	Blocklist *trap.Blocklist
}

// SinkSession is the session whose sink posts to the destination.
func (p Pair) SinkSession() string {
	if p.DestinationSession != "" {
		return p.DestinationSession
	}
	return p.SessionID
}

type SessionStatus string

const (
	SessionDisconnected  SessionStatus = "disconnected"
	SessionConnecting    SessionStatus = "connecting"
	SessionAuthorized    SessionStatus = "authorized"
	SessionListening     SessionStatus = "listening"
	SessionDisconnecting SessionStatus = "disconnecting"
	SessionError         SessionStatus = "error"
)

// Key identifies a source message within a session.
type Key struct {
	SessionID string
	MessageID string
}

func (k Key) String() string { return k.SessionID + "_" + k.MessageID }
