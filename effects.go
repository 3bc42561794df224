package opflow

// EffectQueue is an ordered sequence of one-shot effect values awaiting
// delivery. The zero value is the canonical spent queue: rebuilding state
// from defaults or persistence never replays an effect. Spent versus
// pending is an explicit tag, not an empty-slice convention, so a consumed
// queue and a never-filled one are the same value.
type EffectQueue[E any] struct {
	effects []E
	pending bool
}

// Effects builds a pending queue from the given effects. With none it
// returns the spent queue.
func Effects[E any](effects ...E) EffectQueue[E] {
	if len(effects) == 0 {
		return EffectQueue[E]{}
	}
	cp := make([]E, len(effects))
	copy(cp, effects)
	return EffectQueue[E]{effects: cp, pending: true}
}

// Spent reports whether the queue has no pending effects.
func (q EffectQueue[E]) Spent() bool { return !q.pending }

// Len returns the number of pending effects.
func (q EffectQueue[E]) Len() int {
	if !q.pending {
		return 0
	}
	return len(q.effects)
}

// Append returns a queue with more effects pending, preserving order.
func (q EffectQueue[E]) Append(effects ...E) EffectQueue[E] {
	if len(effects) == 0 {
		return q
	}
	merged := make([]E, 0, q.Len()+len(effects))
	if q.pending {
		merged = append(merged, q.effects...)
	}
	merged = append(merged, effects...)
	return EffectQueue[E]{effects: merged, pending: true}
}

// Next pops the head effect and returns the remaining queue. Popping the
// last effect yields the spent queue. ok is false on a spent queue.
func (q EffectQueue[E]) Next() (effect E, rest EffectQueue[E], ok bool) {
	if !q.pending || len(q.effects) == 0 {
		var zero E
		return zero, EffectQueue[E]{}, false
	}
	head := q.effects[0]
	if len(q.effects) == 1 {
		return head, EffectQueue[E]{}, true
	}
	return head, EffectQueue[E]{effects: q.effects[1:], pending: true}, true
}

// ConsumeOne delivers the head effect: it re-installs the remainder first,
// then hands the effect to handle. One call per render tick yields strict
// FIFO delivery with one state update per effect. It reports whether an
// effect was delivered.
func ConsumeOne[E any](q EffectQueue[E], install func(EffectQueue[E]), handle func(E)) bool {
	effect, rest, ok := q.Next()
	if !ok {
		return false
	}
	install(rest)
	handle(effect)
	return true
}

// ConsumeAll delivers every pending effect in order within one pass and
// installs the spent queue once.
func ConsumeAll[E any](q EffectQueue[E], install func(EffectQueue[E]), handle func(E)) int {
	if q.Spent() {
		return 0
	}
	effects := q.effects
	install(EffectQueue[E]{})
	for _, e := range effects {
		handle(e)
	}
	return len(effects)
}
