// Package opflow is a keyed asynchronous-operation orchestration runtime
// for reactive state containers.
//
// # Overview
//
// Opflow organizes orchestration around three core concepts:
//
//  1. Keys: structurally-equal identifiers addressing one line of
//     waiting/failed status
//  2. Policies: composable rules deciding whether and when a wrapped
//     operation executes
//  3. The Runtime: the registry, policy pipeline, error chain and
//     observer seam, packaged as one injectable service
//
// # Basic Usage
//
// Create a runtime and orchestrate work under a key:
//
//	rt := opflow.New()
//
//	rt.Run(ctx, "load-user", func(ctx context.Context) error {
//	    return api.LoadUser(ctx)
//	})
//
//	if rt.IsWaiting("load-user") { /* show a spinner */ }
//	if rt.IsFailed("load-user")  { /* show rt.Exception("load-user") */ }
//
// Callers that must block use the awaitable variant:
//
//	err := rt.RunWait(ctx, "load-user", loadUser)
//
// # Keys
//
// Keys are values with structural equality: primitives, enum-like tokens,
// type tokens and ordered tuples of those:
//
//	opflow.PairOf("user", 42)          // parameterized key
//	opflow.KindOf(&UserScreen{})       // all UserScreen instances share one line
//	opflow.KindOfType[UserScreen]()    // same, without an instance
//
// Identity-based values (pointers, funcs, channels) and non-comparable
// values are rejected at the boundary.
//
// # Policies
//
// Policies compose around the wrapped function in a fixed order:
// connectivity, freshness, deduplication, then retry-wrapped execution:
//
//	// At most one backing call per 5s window.
//	rt.Run(ctx, key, fn, opflow.WithFresh(5*time.Second))
//
//	// Drop duplicates while one call is in flight.
//	rt.Run(ctx, key, fn, opflow.WithNonReentrant())
//
//	// Rate limit, supersede bursts, or serialize.
//	rt.Run(ctx, key, fn, opflow.WithThrottle(time.Second))
//	rt.Run(ctx, key, fn, opflow.WithDebounce(300*time.Millisecond))
//	rt.Run(ctx, key, fn, opflow.WithQueue(10, time.Minute))
//
//	// Retry transport failures with exponential backoff.
//	rt.Run(ctx, key, fn, opflow.WithRetry(3))
//
// The deduplication policies are mutually exclusive: configuring more than
// one of non-reentrant, throttle, debounce and queue on a call is an
// invalid configuration, not a guessable interaction.
//
// # Error Chain
//
// Terminal failures flow through an ordered chain: the per-call handler,
// the shared bundle handler, then the global handler. A handler returning
// nil suppresses the failure; returning an error passes it on, possibly
// translated:
//
//	rt := opflow.New(opflow.WithGlobalHandler(func(err error) error {
//	    var tErr *api.TimeoutError
//	    if errors.As(err, &tErr) {
//	        return opflow.UserError("the server took too long, try again")
//	    }
//	    return err
//	}))
//
// User-facing errors are recorded and readable through IsFailed and
// Exception. Anything else escapes: RunWait returns it, and Run hands it
// to the fatal handler, which panics by default so programming errors
// surface instead of hiding behind a generic message.
//
// # Optimistic Mutations
//
// Commands apply a predicted value immediately, then confirm or roll back
// once the server responds. Rollback is skipped when a later update
// already changed the value:
//
//	err := opflow.MutateWait(ctx, rt, opflow.Command[AppState, bool]{
//	    Key:       opflow.PairOf("todo-done", todoID),
//	    Container: state,
//	    Read:      func(s AppState) bool { return s.Todos[todoID].Done },
//	    Write:     func(s AppState, v bool) AppState { return s.WithDone(todoID, v) },
//	    Value:     func(cur bool) bool { return !cur },
//	    Send:      api.SetDone,
//	})
//
// The Sync shape covers rapid toggles and sliders: every call applies its
// value immediately while the sends are debounced, and reconciliation
// happens through reload rather than rollback.
//
// # Effects
//
// EffectQueue carries declarative one-shot side effects to a consumer,
// decoupled from state. The zero value is spent, so state rebuilt from
// defaults or persistence replays nothing:
//
//	q := opflow.Effects(ShowToast{"saved"}, Navigate{"/home"})
//	for opflow.ConsumeOne(q, install, handle) {
//	    q = current() // one effect per render tick, strict FIFO
//	}
//
// # Observers
//
// Observers receive one start and one terminal event per accepted
// operation, with a span id, optional metrics snapshot, outcome and
// elapsed time. Observer failures never affect the operation. The
// extensions package provides logrus and Prometheus observers.
//
// # Lifecycle
//
// The runtime is an explicit service, not ambient state. ResetAll clears
// the registry, the resource store, the global handler and observers;
// ResetForLogout keeps the handler and observers. Resetting a key cancels
// its pending timers, queued calls and in-flight work, so no scheduled
// continuation outlives its owner.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Operations sharing a key are
// serialized by whichever deduplication policy is configured; operations
// on distinct keys interleave freely.
package opflow
