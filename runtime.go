package opflow

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"
)

// Op is the caller-supplied asynchronous unit of work wrapped by the
// orchestrator.
type Op func(ctx context.Context) error

// Probe reports whether the process currently has connectivity. It is
// re-invoked before every retry attempt when a call combines the
// connectivity gate with retry.
type Probe func(ctx context.Context) bool

// Runtime orchestrates keyed asynchronous operations: it owns the status
// registry, runs the policy pipeline around caller-supplied work, drives
// the error translation chain and notifies observers. It is an explicit,
// injectable service rather than ambient global state; tests create a
// fresh instance with New or call ResetAll.
type Runtime struct {
	registry *Registry
	store    *Store

	mu        sync.RWMutex
	defaults  Defaults
	probe     Probe
	global    ErrorHandler
	observers []Observer
	fatal     func(error)
}

// RuntimeOption is a modifier for runtimes.
type RuntimeOption func(*Runtime)

// WithDefaults sets the process-wide policy defaults.
func WithDefaults(d Defaults) RuntimeOption {
	return func(rt *Runtime) { rt.defaults = d }
}

// WithProbe installs the connectivity probe consulted by gated calls.
// Without a probe the runtime assumes it is online.
func WithProbe(p Probe) RuntimeOption {
	return func(rt *Runtime) { rt.probe = p }
}

// WithGlobalHandler installs the last link of the error chain.
func WithGlobalHandler(h ErrorHandler) RuntimeOption {
	return func(rt *Runtime) { rt.global = h }
}

// WithObserver registers observers notified of every accepted operation.
func WithObserver(obs ...Observer) RuntimeOption {
	return func(rt *Runtime) { rt.observers = append(rt.observers, obs...) }
}

// WithFatalHandler replaces the handler for errors that escape the
// pipeline untranslated. The default panics so programming errors surface
// instead of being silently absorbed.
func WithFatalHandler(f func(error)) RuntimeOption {
	return func(rt *Runtime) { rt.fatal = f }
}

// New creates a runtime with optional configuration.
func New(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		registry: NewRegistry(),
		store:    NewStore(),
		defaults: BuiltinDefaults(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.fatal == nil {
		rt.fatal = func(err error) { panic(err) }
	}
	return rt
}

// Registry exposes the status registry for direct observation.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Store exposes the keyed resource store.
func (rt *Runtime) Store() *Store { return rt.store }

// IsWaiting reports whether an accepted call for key is in flight.
func (rt *Runtime) IsWaiting(key Key) bool { return rt.registry.IsWaiting(MustKey(key)) }

// IsFailed reports whether the last call for key recorded a failure.
func (rt *Runtime) IsFailed(key Key) bool { return rt.registry.IsFailed(MustKey(key)) }

// Exception returns the failure recorded for key, or nil.
func (rt *Runtime) Exception(key Key) error { return rt.registry.Exception(MustKey(key)) }

// ClearException drops the failure recorded for key.
func (rt *Runtime) ClearException(key Key) { rt.registry.ClearException(MustKey(key)) }

// Subscribe registers fn to run after every status change for key.
func (rt *Runtime) Subscribe(key Key, fn func()) (cancel func()) {
	return rt.registry.Subscribe(MustKey(key), fn)
}

// SetGlobalHandler replaces the last link of the error chain.
func (rt *Runtime) SetGlobalHandler(h ErrorHandler) {
	rt.mu.Lock()
	rt.global = h
	rt.mu.Unlock()
}

// AddObserver registers an additional observer.
func (rt *Runtime) AddObserver(o Observer) {
	rt.mu.Lock()
	rt.observers = append(rt.observers, o)
	rt.mu.Unlock()
}

// Reset clears the status rows for the given keys, or every row with no
// keys, cancelling timers, queued calls and in-flight work they own.
func (rt *Runtime) Reset(keys ...Key) {
	rt.registry.Reset(keys...)
}

// ResetAll is the full lifecycle reset: registry, resource store, global
// handler and observers.
func (rt *Runtime) ResetAll() {
	rt.registry.Reset()
	rt.store.Clear()
	rt.mu.Lock()
	rt.global = nil
	rt.observers = nil
	rt.mu.Unlock()
}

// ResetForLogout clears the registry and resource store but preserves the
// global handler and observers.
func (rt *Runtime) ResetForLogout() {
	rt.registry.Reset()
	rt.store.Clear()
}

// Run orchestrates fn under key with the given policies, fire-and-forget.
// Errors the chain translated into user-facing failures are recorded in
// the registry; anything else reaches the fatal handler.
func (rt *Runtime) Run(ctx context.Context, key Key, fn Op, opts ...Option) {
	go func() {
		err := rt.exec(ctx, key, fn, opts)
		if err == nil || errors.Is(err, ErrSkipped) || IsUserFacing(err) {
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		rt.fatalHook()(err)
	}()
}

// RunWait orchestrates fn under key and blocks until a terminal outcome.
// It returns ErrSkipped when a policy dropped the call, the recorded
// user-facing failure, or the untranslated error for programming-error
// class failures.
func (rt *Runtime) RunWait(ctx context.Context, key Key, fn Op, opts ...Option) error {
	return rt.exec(ctx, key, fn, opts)
}

// exec is the policy pipeline. Order is fixed: connectivity, freshness,
// deduplication (non-reentrant, throttle, debounce, queue), then the
// retry-wrapped execution with outcome recording, error chain and observer
// notification.
func (rt *Runtime) exec(ctx context.Context, rawKey Key, fn Op, opts []Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	key, err := NormalizeKey(rawKey)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(rt.defaultsSnapshot(), opts)
	if err != nil {
		return err
	}

	if cfg.gate != gateOff && !rt.online(ctx) {
		if cfg.gate == gateSilent {
			return ErrSkipped
		}
		if cfg.retry == nil {
			// Accepted call that fails immediately; the chain may
			// translate the connectivity error into a friendlier one.
			return rt.execute(ctx, key, cfg, func(context.Context) error {
				return &ConnectivityError{}
			})
		}
		// With retry configured the gate is re-consulted per attempt, so
		// the call proceeds and waits for connectivity.
	}

	if cfg.freshFor > 0 && !cfg.ignoreFresh && rt.registry.isFresh(key) {
		return ErrSkipped
	}

	switch {
	case cfg.nonReentrant:
		if !rt.registry.tryAcquireRunning(key) {
			return ErrSkipped
		}
		return rt.executeRunning(ctx, key, cfg, fn)
	case cfg.throttle > 0:
		if cfg.throttleOverride {
			rt.registry.forceLock(key, cfg.throttle)
		} else if !rt.registry.tryLock(key, cfg.throttle) {
			return ErrSkipped
		}
	case cfg.debounce > 0:
		return rt.debounced(ctx, key, cfg, fn)
	case cfg.queued:
		return rt.enqueue(ctx, key, cfg, fn)
	}

	return rt.execute(ctx, key, cfg, fn)
}

// execute runs the accepted call: marks the key running, emits the start
// event, invokes fn (through retry when configured) and records the
// terminal outcome.
func (rt *Runtime) execute(ctx context.Context, key Key, cfg *callConfig, fn Op) error {
	rt.registry.setRunning(key, true)
	return rt.executeRunning(ctx, key, cfg, fn)
}

// executeRunning is execute for a call whose running flag is already set,
// such as one admitted by the atomic non-reentrant acquire.
func (rt *Runtime) executeRunning(ctx context.Context, key Key, cfg *callConfig, fn Op) error {
	ctx, cancel := context.WithCancel(ctx)
	release := rt.registry.registerCancel(key, cancel)
	defer func() {
		release()
		cancel()
	}()

	span := newSpanID()
	start := time.Now()
	rt.observe(OperationEvent{Start: true, Key: key, Span: span, Metrics: rt.metricsSnapshot(cfg)})

	err := rt.invoke(ctx, cfg, fn)
	return rt.finish(ctx, key, cfg, span, start, err)
}

func (rt *Runtime) finish(ctx context.Context, key Key, cfg *callConfig, span string, start time.Time, err error) error {
	end := OperationEvent{
		Key:     key,
		Span:    span,
		Metrics: rt.metricsSnapshot(cfg),
		Elapsed: time.Since(start),
	}

	switch {
	case err == nil:
		rt.registry.markSuccess(key, cfg.freshFor)
	case errors.Is(err, ErrSkipped):
		// Silent abort decided mid-flight (offline during retry).
		rt.registry.setRunning(key, false)
		rt.observe(end)
		return ErrSkipped
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// Cancelled by the caller or a reset. A surviving row must stop
		// reading as waiting; a reset already deleted its row and outcome
		// recording must not recreate it.
		rt.registry.clearRunningIfPresent(key)
		end.Err = err
		rt.observe(end)
		return err
	default:
		if cfg.throttle > 0 && !cfg.throttleHoldOnError {
			rt.registry.releaseLock(key)
		}
		err = rt.runChain(cfg, err)
		switch {
		case err == nil:
			// A handler suppressed the failure: the call is not failed.
			rt.registry.setOutcome(key, nil)
		case IsUserFacing(err):
			rt.registry.setOutcome(key, err)
			end.Err = err
			end.Stack = debug.Stack()
		default:
			// Programming error: clear running, record nothing, escape.
			rt.registry.setRunning(key, false)
			end.Err = err
			end.Stack = debug.Stack()
		}
	}

	rt.observe(end)
	return err
}

// runChain drives the error translation chain: per-call handler, shared
// bundle handler, then the global handler. The first link to suppress
// wins; a link may also translate the error for the links after it.
func (rt *Runtime) runChain(cfg *callConfig, err error) error {
	handlers := make([]ErrorHandler, 0, 3)
	handlers = append(handlers, cfg.catch)
	if cfg.bundle != nil {
		handlers = append(handlers, cfg.bundle.Catch)
	}
	handlers = append(handlers, rt.globalHandler())

	for _, h := range handlers {
		if h == nil {
			continue
		}
		res := h(err)
		if res == nil {
			return nil
		}
		err = res
	}
	return err
}

// reject records a policy-level failure (queue full, queue timeout)
// through the error chain without opening an observer span or touching the
// running flag of whatever call currently holds the key.
func (rt *Runtime) reject(key Key, cfg *callConfig, err error) error {
	err = rt.runChain(cfg, err)
	if err == nil {
		return nil
	}
	if IsUserFacing(err) {
		rt.registry.recordFailure(key, err)
	}
	return err
}

func (rt *Runtime) debounced(ctx context.Context, key Key, cfg *callConfig, fn Op) error {
	wait := make(chan error, 1)
	disarm := rt.registry.armDebounce(key, cfg.debounce, wait, func() {
		// The timer can win the race against disarm; never run fn on a
		// context its owner already tore down.
		if ctx.Err() != nil {
			wait <- ErrSkipped
			return
		}
		wait <- rt.execute(ctx, key, cfg, fn)
	})
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		disarm()
		return ctx.Err()
	}
}

func (rt *Runtime) observe(ev OperationEvent) {
	rt.mu.RLock()
	obs := make([]Observer, len(rt.observers))
	copy(obs, rt.observers)
	rt.mu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() {
				_ = recover() // observers must not affect the operation
			}()
			o.OnOperation(ev)
		}()
	}
}

func (rt *Runtime) metricsSnapshot(cfg *callConfig) (m map[string]any) {
	if cfg.metrics == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			m = nil
		}
	}()
	return cfg.metrics()
}

func (rt *Runtime) online(ctx context.Context) bool {
	rt.mu.RLock()
	p := rt.probe
	rt.mu.RUnlock()
	if p == nil {
		return true
	}
	return p(ctx)
}

func (rt *Runtime) defaultsSnapshot() Defaults {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.defaults
}

func (rt *Runtime) globalHandler() ErrorHandler {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.global
}

func (rt *Runtime) fatalHook() func(error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.fatal
}
