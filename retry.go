package opflow

import (
	"context"

	"github.com/cenkalti/backoff/v5"
)

// invoke runs fn, wrapped in the retry/backoff primitive when configured.
// Retry applies only to transport-class failures: user-facing errors stop
// the loop immediately. When the call carries a connectivity gate, the
// probe is re-consulted before every attempt, not just the first.
// Cancellation of ctx (by the caller or by a key reset) stops an unbounded
// loop so no continuation runs against a torn-down owner.
func (rt *Runtime) invoke(ctx context.Context, cfg *callConfig, fn Op) error {
	if cfg.retry == nil {
		return fn(ctx)
	}

	p := cfg.retry
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxDelay

	op := func() (struct{}, error) {
		var zero struct{}
		if cfg.gate != gateOff && !rt.online(ctx) {
			if cfg.gate == gateSilent {
				return zero, backoff.Permanent(ErrSkipped)
			}
			return zero, &ConnectivityError{}
		}
		if err := fn(ctx); err != nil {
			if IsUserFacing(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return zero, nil
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(bo)}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	if err != nil && ctx.Err() != nil && !IsUserFacing(err) {
		// Cancelled mid-loop by the caller or a key reset.
		return ctx.Err()
	}
	return err
}
