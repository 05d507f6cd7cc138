// Package mapping tracks which destination message each relayed source
// message became, so edits and deletes can follow it.
//
// Operations on the same key are serialized; operations on different keys run
// in parallel. Every mutation is written through to the persistence backend
// before it returns.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybot/internal/relay"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

const DefaultMaxAge = 7 * 24 * time.Hour

// Entry is the live mapping of one source message.
type Entry struct {
	Key                  relay.Key
	PairID               string
	DestinationChannel   string
	DestinationMessageID string
	EditCount            int
	CreatedAt            time.Time
}

type Store struct {
	log     logx.Logger
	backend storage.Store // nil = memory only
	now     func() time.Time

	mu      sync.RWMutex
	entries map[relay.Key]Entry

	locks keyLocks
}

// New returns an empty store. backend may be nil.
func New(backend storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:     log,
		backend: backend,
		now:     time.Now,
		entries: make(map[relay.Key]Entry),
		locks:   keyLocks{m: make(map[relay.Key]*keyLock)},
	}
}

// Load replaces the in-memory index with the backend's content.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	rows, err := s.backend.LoadMappings(ctx)
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	m := make(map[relay.Key]Entry, len(rows))
	for _, r := range rows {
		e := fromRow(r)
		m[e.Key] = e
	}
	s.mu.Lock()
	s.entries = m
	s.mu.Unlock()
	s.log.Info("mappings loaded", logx.Int("count", len(m)))
	return nil
}

func (s *Store) Get(k relay.Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Put records a new mapping, replacing any previous one for the key.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	unlock := s.locks.lock(e.Key)
	defer unlock()
	prev, had := s.Get(e.Key)
	s.set(e)
	if err := s.persist(ctx, e); err != nil {
		s.restore(e.Key, prev, had)
		return err
	}
	return nil
}

// IncrementEditCount bumps the edit counter of k and returns the updated
// entry. ok is false when no mapping exists.
func (s *Store) IncrementEditCount(ctx context.Context, k relay.Key) (Entry, bool, error) {
	unlock := s.locks.lock(k)
	defer unlock()
	prev, ok := s.Get(k)
	if !ok {
		return Entry{}, false, nil
	}
	next := prev
	next.EditCount++
	s.set(next)
	if err := s.persist(ctx, next); err != nil {
		s.restore(k, prev, true)
		return prev, true, err
	}
	return next, true, nil
}

// Remove deletes the mapping of k and returns what was removed.
func (s *Store) Remove(ctx context.Context, k relay.Key) (Entry, bool, error) {
	unlock := s.locks.lock(k)
	defer unlock()
	return s.removeLocked(ctx, k, nil)
}

// removeLocked deletes k if keep is nil or keep(entry) is false.
func (s *Store) removeLocked(ctx context.Context, k relay.Key, keep func(Entry) bool) (Entry, bool, error) {
	prev, ok := s.Get(k)
	if !ok || (keep != nil && keep(prev)) {
		return Entry{}, false, nil
	}
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
	if s.backend != nil {
		if err := s.backend.DeleteMapping(ctx, k.SessionID, k.MessageID); err != nil {
			s.restore(k, prev, true)
			return Entry{}, false, fmt.Errorf("delete mapping %s: %w", k, err)
		}
	}
	return prev, true, nil
}

// ResetEditCounts zeroes the edit counters of every mapping owned by pairID.
func (s *Store) ResetEditCounts(ctx context.Context, pairID string) (int, error) {
	n := 0
	for _, k := range s.keys(func(e Entry) bool { return e.PairID == pairID && e.EditCount > 0 }) {
		unlock := s.locks.lock(k)
		prev, ok := s.Get(k)
		if ok && prev.PairID == pairID && prev.EditCount > 0 {
			next := prev
			next.EditCount = 0
			s.set(next)
			if err := s.persist(ctx, next); err != nil {
				s.restore(k, prev, true)
				unlock()
				return n, err
			}
			n++
		}
		unlock()
	}
	return n, nil
}

// GC drops mappings older than maxAge, then the oldest ones while the store
// holds more than maxSize entries. Zero disables either bound.
func (s *Store) GC(ctx context.Context, maxAge time.Duration, maxSize int) (int, error) {
	now := s.now()
	expired := func(e Entry) bool { return maxAge > 0 && now.Sub(e.CreatedAt) > maxAge }

	removed := 0
	for _, k := range s.keys(expired) {
		unlock := s.locks.lock(k)
		_, ok, err := s.removeLocked(ctx, k, func(e Entry) bool { return !expired(e) })
		unlock()
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if maxSize <= 0 {
		return removed, nil
	}
	s.mu.RLock()
	over := len(s.entries) - maxSize
	var oldest []Entry
	if over > 0 {
		oldest = make([]Entry, 0, len(s.entries))
		for _, e := range s.entries {
			oldest = append(oldest, e)
		}
	}
	s.mu.RUnlock()
	if over <= 0 {
		return removed, nil
	}
	sort.Slice(oldest, func(i, j int) bool { return oldest[i].CreatedAt.Before(oldest[j].CreatedAt) })
	for _, e := range oldest[:over] {
		unlock := s.locks.lock(e.Key)
		_, ok, err := s.removeLocked(ctx, e.Key, nil)
		unlock()
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) keys(match func(Entry) bool) []relay.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []relay.Key
	for k, e := range s.entries {
		if match(e) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) set(e Entry) {
	s.mu.Lock()
	s.entries[e.Key] = e
	s.mu.Unlock()
}

func (s *Store) restore(k relay.Key, prev Entry, had bool) {
	s.mu.Lock()
	if had {
		s.entries[k] = prev
	} else {
		delete(s.entries, k)
	}
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, e Entry) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.PutMapping(ctx, toRow(e)); err != nil {
		return fmt.Errorf("persist mapping %s: %w", e.Key, err)
	}
	return nil
}

func toRow(e Entry) storage.Mapping {
	return storage.Mapping{
		SessionID:            e.Key.SessionID,
		SourceMessageID:      e.Key.MessageID,
		PairID:               e.PairID,
		DestinationChannel:   e.DestinationChannel,
		DestinationMessageID: e.DestinationMessageID,
		EditCount:            e.EditCount,
		CreatedAt:            e.CreatedAt,
	}
}

func fromRow(m storage.Mapping) Entry {
	return Entry{
		Key:                  relay.Key{SessionID: m.SessionID, MessageID: m.SourceMessageID},
		PairID:               m.PairID,
		DestinationChannel:   m.DestinationChannel,
		DestinationMessageID: m.DestinationMessageID,
		EditCount:            m.EditCount,
		CreatedAt:            m.CreatedAt,
	}
}

// keyLocks hands out one mutex per key, dropping it when no goroutine holds
// or waits for it.
type keyLocks struct {
	mu sync.Mutex
	m  map[relay.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(k relay.Key) (unlock func()) {
	l.mu.Lock()
	kl := l.m[k]
	if kl == nil {
		kl = &keyLock{}
		l.m[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, k)
		}
		l.mu.Unlock()
	}
}
