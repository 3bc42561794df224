package opflow

import (
	"context"
	"reflect"
	"time"
)

// Command is the one-shot optimistic mutation shape, intended for
// create/delete/submit style interactions. It applies a predicted value to
// the container synchronously, sends the command to the server, then
// confirms, reconciles or rolls back. Commands are non-reentrant per key.
//
// Rollback only happens when the value currently in state still equals the
// optimistic value this command applied; a later unrelated update wins and
// rollback is skipped so newer state is never clobbered.
type Command[S, V any] struct {
	// Key addresses the command's status line. Required.
	Key Key

	// Container holds the state being mutated. Required.
	Container Container[S]

	// Read extracts the mutated value from state. Required.
	Read func(S) V

	// Write places a value into state. Required.
	Write func(S, V) S

	// Value computes the optimistic value from the current one. When nil
	// the current value is sent as-is (useful with Write-side effects).
	Value func(current V) V

	// Send delivers the optimistic value to the server and may return a
	// canonical response. Required.
	Send func(ctx context.Context, v V) (V, error)

	// ApplyResponse folds the server response into state on success. When
	// nil the optimistic value stands as final.
	ApplyResponse func(S, V) S

	// Reload fetches the canonical value. On success it runs when
	// ReloadWhen allows it (nil means always, when Reload is set),
	// superseding the optimistic value. On failure it runs when
	// ReloadOnError is set; a successful reload fully recovers the value
	// and no failure is recorded. A reload that itself fails after a
	// successful send is dropped: the value already applied stands and
	// the call still succeeds.
	Reload        func(ctx context.Context) (V, error)
	ReloadWhen    func() bool
	ReloadOnError bool

	// NoRollback keeps the optimistic value on failure instead of
	// restoring the initial one.
	NoRollback bool

	// RollbackValue customizes the restored value; it receives the value
	// captured before the optimistic apply.
	RollbackValue func(initial V) V

	// Equal overrides the rollback-safety comparison. Defaults to
	// reflect.DeepEqual.
	Equal func(a, b V) bool
}

func (c *Command[S, V]) equal(a, b V) bool {
	if c.Equal != nil {
		return c.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}

func (c *Command[S, V]) validate() error {
	switch {
	case c.Key == nil:
		return &ConfigError{Reason: "command needs a key"}
	case c.Container == nil:
		return &ConfigError{Reason: "command needs a container"}
	case c.Read == nil || c.Write == nil:
		return &ConfigError{Reason: "command needs Read and Write"}
	case c.Send == nil:
		return &ConfigError{Reason: "command needs Send"}
	}
	return nil
}

// Mutate runs the command fire-and-forget.
func Mutate[S, V any](ctx context.Context, rt *Runtime, cmd Command[S, V], opts ...Option) {
	if err := cmd.validate(); err != nil {
		rt.fatalHook()(err)
		return
	}
	rt.Run(ctx, cmd.Key, commandOp(&cmd), commandOpts(opts)...)
}

// MutateWait runs the command and blocks until its terminal outcome.
func MutateWait[S, V any](ctx context.Context, rt *Runtime, cmd Command[S, V], opts ...Option) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	return rt.RunWait(ctx, cmd.Key, commandOp(&cmd), commandOpts(opts)...)
}

func commandOpts(opts []Option) []Option {
	return append([]Option{WithNonReentrant()}, opts...)
}

// commandOp captures the initial value and applies the optimistic one
// synchronously at acceptance, before the send, which is the operation's
// only suspension point. Capturing inside the accepted call keeps dropped
// duplicates from leaking an optimistic apply.
func commandOp[S, V any](cmd *Command[S, V]) Op {
	return func(ctx context.Context) error {
		initial := cmd.Read(cmd.Container.Value())
		optimistic := initial
		if cmd.Value != nil {
			optimistic = cmd.Value(initial)
		}
		cmd.Container.Apply(cmd.Write(cmd.Container.Value(), optimistic))

		resp, err := cmd.Send(ctx, optimistic)
		if err == nil {
			if cmd.ApplyResponse != nil {
				cmd.Container.Apply(cmd.ApplyResponse(cmd.Container.Value(), resp))
			}
			if cmd.Reload != nil && (cmd.ReloadWhen == nil || cmd.ReloadWhen()) {
				if v, rerr := cmd.Reload(ctx); rerr == nil {
					cmd.Container.Apply(cmd.Write(cmd.Container.Value(), v))
				}
			}
			return nil
		}

		if cmd.Reload != nil && cmd.ReloadOnError {
			if v, rerr := cmd.Reload(ctx); rerr == nil {
				// Canonical state recovered the value; not a failure.
				cmd.Container.Apply(cmd.Write(cmd.Container.Value(), v))
				return nil
			}
		}

		if !cmd.NoRollback {
			current := cmd.Read(cmd.Container.Value())
			if cmd.equal(current, optimistic) {
				restore := initial
				if cmd.RollbackValue != nil {
					restore = cmd.RollbackValue(initial)
				}
				cmd.Container.Apply(cmd.Write(cmd.Container.Value(), restore))
			}
		}
		return err
	}
}

// Sync is the rapid, coalescing optimistic shape, intended for toggles and
// sliders. Repeated calls are expected: each applies its optimistic value
// immediately while the sends are debounced so only the last value
// standing reaches the server. There is no rollback; reconciliation
// happens through Reload after a successful send.
type Sync[S, V any] struct {
	Key       Key
	Container Container[S]
	Read      func(S) V
	Write     func(S, V) S

	// Send delivers the value read at send time, coalescing the burst.
	Send func(ctx context.Context, v V) error

	// Reload fetches the canonical value after a successful send.
	Reload func(ctx context.Context) (V, error)

	// Debounce is the coalescing window; zero uses the process default.
	Debounce time.Duration
}

// SyncValue applies v optimistically and schedules the coalesced send,
// fire-and-forget.
func SyncValue[S, V any](ctx context.Context, rt *Runtime, s Sync[S, V], v V, opts ...Option) {
	s.Container.Apply(s.Write(s.Container.Value(), v))

	fn := func(ctx context.Context) error {
		latest := s.Read(s.Container.Value())
		if err := s.Send(ctx, latest); err != nil {
			return err
		}
		if s.Reload != nil {
			if canonical, rerr := s.Reload(ctx); rerr == nil {
				s.Container.Apply(s.Write(s.Container.Value(), canonical))
			}
		}
		return nil
	}

	rt.Run(ctx, s.Key, fn, append([]Option{WithDebounce(s.Debounce)}, opts...)...)
}
