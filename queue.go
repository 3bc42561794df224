package opflow

import (
	"context"
	"sync"
	"time"
)

// seqQueue serializes calls for one key in FIFO order. The head entry runs
// to completion before the next begins; a worker goroutine exists only
// while entries are pending.
type seqQueue struct {
	key     Key
	limit   int
	timeout time.Duration

	mu     sync.Mutex
	items  []*queuedCall
	active bool
}

type queuedCall struct {
	run        func() error
	expire     func(waited time.Duration) error
	done       chan error
	enqueuedAt time.Time
	ctx        context.Context
}

func newSeqQueue(key Key, limit int, timeout time.Duration) *seqQueue {
	return &seqQueue{key: key, limit: limit, timeout: timeout}
}

// push appends a call, failing fast when the waiting bound is reached.
func (q *seqQueue) push(ctx context.Context, run func() error, expire func(time.Duration) error) (chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		return nil, &QueueFullError{Key: q.key, Limit: q.limit}
	}

	it := &queuedCall{
		run:        run,
		expire:     expire,
		done:       make(chan error, 1),
		enqueuedAt: time.Now(),
		ctx:        ctx,
	}
	q.items = append(q.items, it)

	if !q.active {
		q.active = true
		go q.work()
	}
	return it.done, nil
}

func (q *seqQueue) work() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		switch {
		case it.ctx.Err() != nil:
			it.done <- it.ctx.Err()
		case q.timeout > 0 && time.Since(it.enqueuedAt) > q.timeout:
			it.done <- it.expire(time.Since(it.enqueuedAt))
		default:
			it.done <- it.run()
		}
	}
}

// drain drops every waiting entry, resolving each as skipped. Called on
// key reset.
func (q *seqQueue) drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		it.done <- ErrSkipped
	}
}

// queueFor returns the sequential queue for key, creating it with the
// first caller's bounds.
func (r *Registry) queueFor(key Key, limit int, timeout time.Duration) *seqQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(key)
	if e.queue == nil {
		e.queue = newSeqQueue(key, limit, timeout)
	}
	return e.queue
}

// armDebounce (re)starts the key's debounce timer. A pending earlier call
// is superseded: its waiter resolves as skipped and only the last call
// standing executes when the timer elapses. The returned disarm stops the
// timer without firing, for waiters whose context ends before it elapses.
func (r *Registry) armDebounce(key Key, d time.Duration, wait chan error, fire func()) (disarm func()) {
	r.mu.Lock()
	e := r.entry(key)
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	if e.debounceWait != nil {
		select {
		case e.debounceWait <- ErrSkipped:
		default:
		}
	}
	e.debounceGen++
	gen := e.debounceGen
	e.debounceWait = wait
	e.debounceTimer = time.AfterFunc(d, func() {
		r.mu.Lock()
		cur, ok := r.entries[key]
		if !ok || cur.debounceGen != gen {
			r.mu.Unlock()
			return
		}
		cur.debounceTimer = nil
		cur.debounceWait = nil
		r.mu.Unlock()
		fire()
	})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		cur, ok := r.entries[key]
		if ok && cur.debounceGen == gen {
			cur.debounceGen++ // invalidate a fire already past Stop
			if cur.debounceTimer != nil {
				cur.debounceTimer.Stop()
				cur.debounceTimer = nil
			}
			cur.debounceWait = nil
		}
		r.mu.Unlock()
	}
}

func (rt *Runtime) enqueue(ctx context.Context, key Key, cfg *callConfig, fn Op) error {
	q := rt.registry.queueFor(key, cfg.queueLimit, cfg.queueTimeout)
	done, err := q.push(ctx,
		func() error { return rt.execute(ctx, key, cfg, fn) },
		func(waited time.Duration) error {
			return rt.reject(key, cfg, &QueueTimeoutError{Key: key, Waited: waited})
		})
	if err != nil {
		return rt.reject(key, cfg, err)
	}
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return ctx.Err()
	}
}
