package opflow

import "sync"

// Container is the state container boundary the orchestrator consumes: a
// value read and a synchronous value application. Any reactive state
// holder can satisfy it.
type Container[S any] interface {
	Value() S
	Apply(S)
}

// Cell is an in-memory reactive container. Apply replaces the value and
// notifies subscribers synchronously.
type Cell[S any] struct {
	mu   sync.Mutex
	val  S
	subs map[uint64]func(S)
	next uint64
}

// NewCell creates a container holding initial.
func NewCell[S any](initial S) *Cell[S] {
	return &Cell[S]{val: initial, subs: make(map[uint64]func(S))}
}

// Value returns the current value.
func (c *Cell[S]) Value() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// Apply replaces the value and notifies subscribers.
func (c *Cell[S]) Apply(v S) {
	c.mu.Lock()
	c.val = v
	subs := make([]func(S), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn to run on every Apply. The returned function
// cancels the subscription.
func (c *Cell[S]) Subscribe(fn func(S)) (cancel func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
