package opflow

import (
	"time"

	"github.com/google/uuid"
)

// OperationEvent describes one observer notification. Every accepted call
// produces exactly two events sharing a Span id: one with Start true at
// acceptance and one terminal event carrying outcome, elapsed time and, on
// failure, the captured stack. Individual retry attempts are not reported.
type OperationEvent struct {
	Start   bool
	Key     Key
	Span    string
	Metrics map[string]any
	Err     error
	Stack   []byte
	Elapsed time.Duration
}

// Observer receives start and terminal events for every accepted
// operation, regardless of outcome. Observer failures are isolated from
// the operation they observe.
type Observer interface {
	OnOperation(ev OperationEvent)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ev OperationEvent)

func (f ObserverFunc) OnOperation(ev OperationEvent) { f(ev) }

func newSpanID() string {
	return uuid.NewString()
}
