package opflow

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrorHandler is one link of the error translation chain. Returning nil
// suppresses the failure entirely; returning an error (the same one or a
// translated one) passes it down the chain.
type ErrorHandler func(err error) error

// RetryPolicy controls the retry/backoff primitive. Delay before attempt
// n+1 is InitialDelay * Multiplier^n, capped at MaxDelay. MaxTries is the
// total number of attempts; zero means retry until success or cancellation.
type RetryPolicy struct {
	MaxTries     uint
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Defaults holds process-wide policy defaults. Per-call options with a zero
// value fall back to these; explicit per-call parameters always win.
type Defaults struct {
	FreshFor     time.Duration `env:"OPFLOW_FRESH_FOR"`
	Throttle     time.Duration `env:"OPFLOW_THROTTLE" envDefault:"1s"`
	Debounce     time.Duration `env:"OPFLOW_DEBOUNCE" envDefault:"300ms"`
	QueueLimit   int           `env:"OPFLOW_QUEUE_LIMIT"`
	QueueTimeout time.Duration `env:"OPFLOW_QUEUE_TIMEOUT"`

	RetryInitialDelay time.Duration `env:"OPFLOW_RETRY_INITIAL_DELAY" envDefault:"350ms"`
	RetryMultiplier   float64       `env:"OPFLOW_RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxDelay     time.Duration `env:"OPFLOW_RETRY_MAX_DELAY" envDefault:"5s"`
	RetryMaxTries     uint          `env:"OPFLOW_RETRY_MAX_TRIES" envDefault:"4"`
}

// BuiltinDefaults returns the compiled-in defaults.
func BuiltinDefaults() Defaults {
	return Defaults{
		Throttle:          time.Second,
		Debounce:          300 * time.Millisecond,
		RetryInitialDelay: 350 * time.Millisecond,
		RetryMultiplier:   2,
		RetryMaxDelay:     5 * time.Second,
		RetryMaxTries:     4,
	}
}

// DefaultsFromEnv loads defaults from OPFLOW_* environment variables,
// starting from the built-in values.
func DefaultsFromEnv() (Defaults, error) {
	d := Defaults{}
	if err := env.Parse(&d); err != nil {
		return BuiltinDefaults(), err
	}
	return d, nil
}

type gateMode int

const (
	gateOff gateMode = iota
	gateReport
	gateSilent
)

// callConfig is the resolved policy set for one orchestrated call.
type callConfig struct {
	freshFor    time.Duration
	ignoreFresh bool

	nonReentrant bool

	throttle            time.Duration
	throttleOverride    bool
	throttleHoldOnError bool
	debounce            time.Duration
	queued              bool
	queueLimit          int
	queueTimeout        time.Duration

	retry *RetryPolicy

	gate gateMode

	catch   ErrorHandler
	bundle  *Bundle
	metrics func() map[string]any
}

// Option configures one orchestrated call.
type Option func(*callConfig)

// Bundle is a reusable policy configuration shared across calls. Its
// options apply before explicit per-call options, and its Catch handler
// sits between the per-call handler and the global handler in the error
// chain.
type Bundle struct {
	Options []Option
	Catch   ErrorHandler
}

// NewBundle builds a shared configuration bundle.
func NewBundle(opts ...Option) *Bundle {
	return &Bundle{Options: opts}
}

// Catching sets the bundle's shared error handler and returns the bundle.
func (b *Bundle) Catching(h ErrorHandler) *Bundle {
	b.Catch = h
	return b
}

// WithBundle applies a shared configuration bundle to the call.
func WithBundle(b *Bundle) Option {
	return func(c *callConfig) { c.bundle = b }
}

// WithFresh skips the call entirely, as if it had succeeded, while the last
// success is younger than d. A zero d uses the process-wide default.
func WithFresh(d time.Duration) Option {
	return func(c *callConfig) {
		c.freshFor = d
		if d == 0 {
			c.freshFor = -1
		}
	}
}

// WithIgnoreFresh forces execution even inside the freshness window. A
// successful run still refreshes the window.
func WithIgnoreFresh() Option {
	return func(c *callConfig) { c.ignoreFresh = true }
}

// WithNonReentrant drops the call silently while another call for the same
// key is in flight.
func WithNonReentrant() Option {
	return func(c *callConfig) { c.nonReentrant = true }
}

// WithThrottle drops calls issued while the key's throttle lock is held,
// and acquires the lock for d before executing. A zero d uses the
// process-wide default.
func WithThrottle(d time.Duration) Option {
	return func(c *callConfig) {
		c.throttle = d
		if d == 0 {
			c.throttle = -1
		}
	}
}

// WithThrottleOverride bypasses an existing throttle lock unconditionally
// while still re-arming it for the configured duration.
func WithThrottleOverride() Option {
	return func(c *callConfig) { c.throttleOverride = true }
}

// WithThrottleHoldOnError keeps the throttle lock for its full duration
// even when the attempt fails. By default a failed attempt releases the
// lock so the next call can retry immediately.
func WithThrottleHoldOnError() Option {
	return func(c *callConfig) { c.throttleHoldOnError = true }
}

// WithDebounce restarts a timer of d on every call; only the last call
// standing when the timer elapses executes, intervening calls are
// superseded. A zero d uses the process-wide default.
func WithDebounce(d time.Duration) Option {
	return func(c *callConfig) {
		c.debounce = d
		if d == 0 {
			c.debounce = -1
		}
	}
}

// WithQueue appends the call to the key's FIFO queue; the head runs to
// completion before the next entry starts. limit bounds the number of
// waiting entries (0 = unbounded, further appends fail fast once full) and
// timeout errors entries that wait past it before their turn (0 = no
// timeout).
func WithQueue(limit int, timeout time.Duration) Option {
	return func(c *callConfig) {
		c.queued = true
		c.queueLimit = limit
		c.queueTimeout = timeout
	}
}

// WithRetry retries the wrapped function up to maxRetries times after the
// first failure, with exponential backoff from the process-wide retry
// defaults.
func WithRetry(maxRetries uint) Option {
	return func(c *callConfig) {
		c.retry = &RetryPolicy{MaxTries: maxRetries + 1}
	}
}

// WithRetryPolicy retries with an explicit backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *callConfig) {
		cp := p
		c.retry = &cp
	}
}

// WithUnlimitedRetry retries until success. The loop stops when the call's
// context is cancelled or the key is reset.
func WithUnlimitedRetry() Option {
	return func(c *callConfig) {
		c.retry = &RetryPolicy{MaxTries: 0}
	}
}

// WithConnectivityGate consults the runtime's connectivity probe before
// executing, and again before every retry attempt. When offline the call
// fails with a ConnectivityError routed through the error chain.
func WithConnectivityGate() Option {
	return func(c *callConfig) {
		if c.gate == gateOff {
			c.gate = gateReport
		}
	}
}

// WithSilentOffline aborts the call silently when the probe reports
// offline, without marking the key running or failed.
func WithSilentOffline() Option {
	return func(c *callConfig) { c.gate = gateSilent }
}

// WithCatch installs the per-call error handler, the first link of the
// error chain.
func WithCatch(h ErrorHandler) Option {
	return func(c *callConfig) { c.catch = h }
}

// WithMetrics supplies a metrics snapshot producer whose output is attached
// to observer events. Producer failures are isolated from the operation.
func WithMetrics(fn func() map[string]any) Option {
	return func(c *callConfig) { c.metrics = fn }
}

// resolveConfig layers built-ins, process defaults, the bundle and the
// per-call options, then validates the result.
func resolveConfig(d Defaults, opts []Option) (*callConfig, error) {
	// Discover the bundle first so its options sit below per-call ones.
	probe := &callConfig{}
	for _, opt := range opts {
		opt(probe)
	}

	cfg := &callConfig{}
	if probe.bundle != nil {
		for _, opt := range probe.bundle.Options {
			opt(cfg)
		}
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// Zero-valued policy parameters fall back to process defaults.
	if cfg.throttle == -1 {
		cfg.throttle = d.Throttle
	}
	if cfg.debounce == -1 {
		cfg.debounce = d.Debounce
	}
	if cfg.freshFor == -1 {
		cfg.freshFor = d.FreshFor
	}
	if cfg.queued {
		if cfg.queueLimit == 0 {
			cfg.queueLimit = d.QueueLimit
		}
		if cfg.queueTimeout == 0 {
			cfg.queueTimeout = d.QueueTimeout
		}
	}
	if cfg.retry != nil {
		if cfg.retry.InitialDelay == 0 {
			cfg.retry.InitialDelay = d.RetryInitialDelay
		}
		if cfg.retry.Multiplier == 0 {
			cfg.retry.Multiplier = d.RetryMultiplier
		}
		if cfg.retry.MaxDelay == 0 {
			cfg.retry.MaxDelay = d.RetryMaxDelay
		}
	}

	dedup := 0
	if cfg.nonReentrant {
		dedup++
	}
	if cfg.throttle > 0 {
		dedup++
	}
	if cfg.debounce > 0 {
		dedup++
	}
	if cfg.queued {
		dedup++
	}
	if dedup > 1 {
		return nil, &ConfigError{Reason: "at most one of non-reentrant, throttle, debounce and queue may apply to a call"}
	}
	if cfg.throttleOverride && cfg.throttle <= 0 {
		return nil, &ConfigError{Reason: "throttle override without a throttle duration"}
	}

	return cfg, nil
}
