package opflow

import (
	"context"
	"io"
	"sync"
	"time"
)

// Subscription is a cancelable registration; the store cancels matching
// entries on cleanup.
type Subscription interface {
	Cancel()
}

// Store is a process-wide keyed resource registry. It imposes no lifecycle
// beyond cleanup: entries matching known disposable shapes (closable
// sinks, timers, cancel functions, subscriptions) are disposed when
// removed or when the store is cleared on lifecycle reset. Disposal runs
// in reverse insertion order.
type Store struct {
	mu      sync.Mutex
	order   []Key
	entries map[Key]any
}

// NewStore creates an empty resource store.
func NewStore() *Store {
	return &Store{entries: make(map[Key]any)}
}

// Put stores value under key, disposing any value it replaces.
func (s *Store) Put(key Key, value any) error {
	k, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old, existed := s.entries[k]
	s.entries[k] = value
	if !existed {
		s.order = append(s.order, k)
	}
	s.mu.Unlock()

	if existed {
		dispose(old)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key Key) (any, bool) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[k]
	return v, ok
}

// Delete removes and disposes the value stored under key.
func (s *Store) Delete(key Key) {
	k, err := NormalizeKey(key)
	if err != nil {
		return
	}
	s.mu.Lock()
	v, ok := s.entries[k]
	delete(s.entries, k)
	if ok {
		for i, existing := range s.order {
			if existing == k {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		dispose(v)
	}
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes every entry, disposing disposable values in reverse
// insertion order.
func (s *Store) Clear() {
	s.mu.Lock()
	order := s.order
	entries := s.entries
	s.order = nil
	s.entries = make(map[Key]any)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if v, ok := entries[order[i]]; ok {
			dispose(v)
		}
	}
}

// dispose tears down values with a recognized disposable shape; anything
// else is dropped as-is. Pending async results (channels) need no action:
// abandoning them is the ignore.
func dispose(v any) {
	switch x := v.(type) {
	case io.Closer:
		_ = x.Close()
	case *time.Timer:
		x.Stop()
	case *time.Ticker:
		x.Stop()
	case context.CancelFunc:
		x()
	case func():
		x()
	case Subscription:
		x.Cancel()
	}
}
