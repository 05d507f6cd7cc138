// Package router maps (session, source channel) to the pair that forwards it
// and owns the runtime pause state of every pair.
package router

import (
	"sort"
	"sync"
	"time"

	"relaybot/internal/relay"
)

// Change describes one pair status transition.
type Change struct {
	PairID     string
	From       relay.PairStatus
	To         relay.PairStatus
	Cause      string
	Generation uint64
	At         time.Time
}

type routeKey struct {
	session string
	source  string
}

type entry struct {
	pair       relay.Pair // Status is the effective status
	configured relay.PairStatus
	gen        uint64
	cause      string
}

// Router is safe for concurrent use. Lookups take a read lock on a prebuilt
// index; rebuilds swap the index wholesale.
type Router struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	index     map[routeKey]*entry
	gen       uint64
	listeners []func(Change)
}

func New(pairs []relay.Pair) *Router {
	r := &Router{entries: map[string]*entry{}, index: map[routeKey]*entry{}}
	r.Rebuild(pairs)
	return r
}

// OnChange registers fn to be called after every status transition. fn runs
// on the goroutine that caused the change, outside the router lock.
func (r *Router) OnChange(fn func(Change)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Rebuild replaces the pair set. A pair whose configured status is unchanged
// keeps its runtime pause state; otherwise the configured status applies.
// Later duplicates of a (session, source) route are ignored; configuration
// validation rejects them before they get here.
func (r *Router) Rebuild(pairs []relay.Pair) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(pairs))
	index := make(map[routeKey]*entry, len(pairs))
	var changes []Change
	for _, p := range pairs {
		if _, dup := entries[p.ID]; dup {
			continue
		}
		k := routeKey{session: p.SessionID, source: p.Source}
		if _, dup := index[k]; dup {
			continue
		}
		configured := p.Status
		if configured == "" {
			configured = relay.PairActive
		}
		e := &entry{pair: p, configured: configured}
		e.pair.Status = configured
		if old, ok := r.entries[p.ID]; ok {
			if old.configured == configured {
				e.pair.Status = old.pair.Status
				e.gen = old.gen
				e.cause = old.cause
			} else if old.pair.Status != configured {
				r.gen++
				e.gen = r.gen
				changes = append(changes, Change{PairID: p.ID, From: old.pair.Status, To: configured, Cause: "config", Generation: e.gen, At: time.Now()})
			}
		}
		entries[p.ID] = e
		index[k] = e
	}
	r.entries = entries
	r.index = index
	listeners := r.listeners
	r.mu.Unlock()
	notify(listeners, changes)
}

// Resolve returns the active pair for a source channel.
func (r *Router) Resolve(sessionID, source string) (relay.Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.index[routeKey{session: sessionID, source: source}]
	if !ok || e.pair.Status != relay.PairActive {
		return relay.Pair{}, false
	}
	return e.pair, true
}

func (r *Router) Pair(id string) (relay.Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return relay.Pair{}, false
	}
	return e.pair, true
}

// Pairs returns every pair sorted by id.
func (r *Router) Pairs() []relay.Pair {
	r.mu.RLock()
	out := make([]relay.Pair, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.pair)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PauseCause returns why a paused pair was paused.
func (r *Router) PauseCause(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok && e.pair.Status == relay.PairPaused {
		return e.cause
	}
	return ""
}

// Pause moves an active pair to paused. It returns the generation of the
// pause and whether the status changed.
func (r *Router) Pause(id, cause string) (uint64, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.pair.Status != relay.PairActive {
		var gen uint64
		if ok {
			gen = e.gen
		}
		r.mu.Unlock()
		return gen, false
	}
	c := r.transitionLocked(e, relay.PairPaused, cause)
	listeners := r.listeners
	r.mu.Unlock()
	notify(listeners, []Change{c})
	return c.Generation, true
}

// Resume moves a paused pair back to active.
func (r *Router) Resume(id string) bool {
	return r.resume(id, 0, false)
}

// ResumeIfGeneration resumes id only if it is still paused by the pause that
// returned gen. A scheduled auto-resume uses it so that a later operator
// action wins.
func (r *Router) ResumeIfGeneration(id string, gen uint64) bool {
	return r.resume(id, gen, true)
}

func (r *Router) resume(id string, gen uint64, guarded bool) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.pair.Status != relay.PairPaused || (guarded && e.gen != gen) {
		r.mu.Unlock()
		return false
	}
	cause := "operator"
	if guarded {
		cause = "auto_resume"
	}
	c := r.transitionLocked(e, relay.PairActive, cause)
	listeners := r.listeners
	r.mu.Unlock()
	notify(listeners, []Change{c})
	return true
}

// PauseAll pauses every active pair and returns how many changed.
func (r *Router) PauseAll(cause string) int {
	return r.bulk(relay.PairActive, relay.PairPaused, cause)
}

// ResumeAll resumes every paused pair and returns how many changed.
func (r *Router) ResumeAll() int {
	return r.bulk(relay.PairPaused, relay.PairActive, "operator")
}

// FailSession moves every pair that reads from or posts through sessionID to
// error. Failed pairs never resolve and are left alone by Pause and Resume.
func (r *Router) FailSession(sessionID, cause string) int {
	return r.bulkWhere(func(e *entry) bool {
		uses := e.pair.SessionID == sessionID || e.pair.SinkSession() == sessionID
		return uses && e.pair.Status != relay.PairError
	}, relay.PairError, cause)
}

func (r *Router) bulk(from, to relay.PairStatus, cause string) int {
	return r.bulkWhere(func(e *entry) bool { return e.pair.Status == from }, to, cause)
}

func (r *Router) bulkWhere(match func(*entry) bool, to relay.PairStatus, cause string) int {
	r.mu.Lock()
	var changes []Change
	for _, e := range r.entries {
		if match(e) {
			changes = append(changes, r.transitionLocked(e, to, cause))
		}
	}
	listeners := r.listeners
	r.mu.Unlock()
	sort.Slice(changes, func(i, j int) bool { return changes[i].PairID < changes[j].PairID })
	notify(listeners, changes)
	return len(changes)
}

// Counts returns the number of pairs per effective status.
func (r *Router) Counts() map[relay.PairStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[relay.PairStatus]int{}
	for _, e := range r.entries {
		out[e.pair.Status]++
	}
	return out
}

func (r *Router) transitionLocked(e *entry, to relay.PairStatus, cause string) Change {
	r.gen++
	c := Change{PairID: e.pair.ID, From: e.pair.Status, To: to, Cause: cause, Generation: r.gen, At: time.Now()}
	e.pair.Status = to
	e.gen = r.gen
	e.cause = cause
	return c
}

func notify(listeners []func(Change), changes []Change) {
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}
