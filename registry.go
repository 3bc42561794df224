package opflow

import (
	"context"
	"sync"
	"time"
)

// statusEntry is one row of orchestration state. Rows are created lazily on
// first use of a key and survive until an explicit reset.
type statusEntry struct {
	running    bool
	lastErr    error
	freshUntil time.Time
	lockUntil  time.Time

	debounceTimer *time.Timer
	debounceGen   uint64
	debounceWait  chan error

	queue *seqQueue

	cancels      map[uint64]context.CancelFunc
	nextCancelID uint64
}

// Registry is the process-wide map of key to status. It is pure
// bookkeeping: it cannot fail, and every mutation is atomic under one lock.
// Mutations notify subscribers bound to the key so that waiting/failed
// queries re-evaluate.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*statusEntry
	subs    map[Key]map[uint64]func()
	nextSub uint64
}

// NewRegistry creates an empty status registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Key]*statusEntry),
		subs:    make(map[Key]map[uint64]func()),
	}
}

// entry returns the status row for key, creating it on first read.
// Callers must hold r.mu.
func (r *Registry) entry(key Key) *statusEntry {
	e, ok := r.entries[key]
	if !ok {
		e = &statusEntry{cancels: make(map[uint64]context.CancelFunc)}
		r.entries[key] = e
	}
	return e
}

// IsWaiting reports whether an accepted call for key has started and not
// yet reached a terminal outcome.
func (r *Registry) IsWaiting(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.running
}

// IsFailed reports whether the last accepted call for key ended in a
// recorded failure.
func (r *Registry) IsFailed(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.lastErr != nil
}

// Exception returns the recorded failure for key, or nil.
func (r *Registry) Exception(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.lastErr
	}
	return nil
}

// ClearException drops the recorded failure for key.
func (r *Registry) ClearException(key Key) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.lastErr = nil
	}
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	notify(subs)
}

func (r *Registry) setRunning(key Key, running bool) {
	r.mu.Lock()
	r.entry(key).running = running
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	notify(subs)
}

// tryAcquireRunning atomically marks key running unless it already is.
// The non-reentrant guard needs check and mark as one step so two
// simultaneous calls cannot both pass.
func (r *Registry) tryAcquireRunning(key Key) bool {
	r.mu.Lock()
	e := r.entry(key)
	if e.running {
		r.mu.Unlock()
		return false
	}
	e.running = true
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	notify(subs)
	return true
}

// clearRunningIfPresent clears the running flag without creating a row.
// Used on caller cancellation, where a reset may already have deleted the
// row and it must not be recreated.
func (r *Registry) clearRunningIfPresent(key Key) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.running = false
	}
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	if ok {
		notify(subs)
	}
}

func (r *Registry) setOutcome(key Key, err error) {
	r.mu.Lock()
	e := r.entry(key)
	e.running = false
	e.lastErr = err
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	notify(subs)
}

// recordFailure stores a failure for key without touching the running
// flag; used for calls rejected before acceptance (queue full/timeout)
// while another call may hold the key.
func (r *Registry) recordFailure(key Key, err error) {
	r.mu.Lock()
	r.entry(key).lastErr = err
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	notify(subs)
}

func (r *Registry) markSuccess(key Key, freshFor time.Duration) {
	r.mu.Lock()
	e := r.entry(key)
	e.running = false
	e.lastErr = nil
	if freshFor > 0 {
		e.freshUntil = time.Now().Add(freshFor)
	}
	subs := r.snapshotSubs(key)
	r.mu.Unlock()
	notify(subs)
}

func (r *Registry) isFresh(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && time.Now().Before(e.freshUntil)
}

// tryLock acquires the throttle lock for key if it is free or expired.
func (r *Registry) tryLock(key Key, d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(key)
	now := time.Now()
	if now.Before(e.lockUntil) {
		return false
	}
	e.lockUntil = now.Add(d)
	return true
}

func (r *Registry) forceLock(key Key, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(key).lockUntil = time.Now().Add(d)
}

func (r *Registry) releaseLock(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.lockUntil = time.Time{}
	}
}

// registerCancel attaches a cancellation handle for an in-flight task owned
// by key. Reset invokes every registered handle so no scheduled
// continuation outlives its owner.
func (r *Registry) registerCancel(key Key, cancel context.CancelFunc) (release func()) {
	r.mu.Lock()
	e := r.entry(key)
	id := e.nextCancelID
	e.nextCancelID++
	e.cancels[id] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			delete(e.cancels, id)
		}
		r.mu.Unlock()
	}
}

// Subscribe registers fn to run after every status mutation for key. The
// returned function cancels the subscription.
func (r *Registry) Subscribe(key Key, fn func()) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	m, ok := r.subs[key]
	if !ok {
		m = make(map[uint64]func())
		r.subs[key] = m
	}
	m[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if m, ok := r.subs[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(r.subs, key)
			}
		}
		r.mu.Unlock()
	}
}

// Reset clears the status rows for the given keys, cancelling any pending
// timers, queued calls and in-flight tasks they own. With no keys it clears
// every row.
func (r *Registry) Reset(keys ...Key) {
	r.mu.Lock()
	var dropped []*statusEntry
	var notifySets [][]func()
	if len(keys) == 0 {
		for key, e := range r.entries {
			dropped = append(dropped, e)
			notifySets = append(notifySets, r.snapshotSubs(key))
		}
		r.entries = make(map[Key]*statusEntry)
	} else {
		for _, key := range keys {
			if e, ok := r.entries[key]; ok {
				dropped = append(dropped, e)
				notifySets = append(notifySets, r.snapshotSubs(key))
				delete(r.entries, key)
			}
		}
	}
	r.mu.Unlock()

	for _, e := range dropped {
		if e.debounceTimer != nil {
			e.debounceTimer.Stop()
		}
		if e.debounceWait != nil {
			select {
			case e.debounceWait <- ErrSkipped:
			default:
			}
		}
		for _, cancel := range e.cancels {
			cancel()
		}
		if e.queue != nil {
			e.queue.drain()
		}
	}
	for _, subs := range notifySets {
		notify(subs)
	}
}

// snapshotSubs copies the subscriber set for key. Callers must hold r.mu;
// the callbacks run outside the lock.
func (r *Registry) snapshotSubs(key Key) []func() {
	m := r.subs[key]
	if len(m) == 0 {
		return nil
	}
	out := make([]func(), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}
