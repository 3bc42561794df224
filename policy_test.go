package opflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingOp(calls *atomic.Int32, d time.Duration, err error) Op {
	return func(ctx context.Context) error {
		calls.Add(1)
		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return err
	}
}

func TestFresh_SkipsWithinWindowThenRunsAgain(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 0, nil)

	require.NoError(t, rt.RunWait(context.Background(), "load", fn, WithFresh(200*time.Millisecond)))
	assert.Equal(t, int32(1), calls.Load())

	// Inside the window: zero invocations, treated as success.
	err := rt.RunWait(context.Background(), "load", fn, WithFresh(200*time.Millisecond))
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, rt.IsFailed("load"))

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, rt.RunWait(context.Background(), "load", fn, WithFresh(200*time.Millisecond)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFresh_IgnoreOverrideForcesExecution(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 0, nil)

	require.NoError(t, rt.RunWait(context.Background(), "load", fn, WithFresh(time.Minute)))
	require.NoError(t, rt.RunWait(context.Background(), "load", fn, WithFresh(time.Minute), WithIgnoreFresh()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFresh_FailureDoesNotArmWindow(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	boom := UserError("boom")
	fn := countingOp(&calls, 0, boom)

	err := rt.RunWait(context.Background(), "load", fn, WithFresh(time.Minute))
	assert.ErrorIs(t, err, boom)

	// The next call retries immediately.
	err = rt.RunWait(context.Background(), "load", fn, WithFresh(time.Minute))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNonReentrant_DropsConcurrentDuplicates(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 100*time.Millisecond, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		firstErr = rt.RunWait(context.Background(), "op", fn, WithNonReentrant())
	}()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, rt.IsWaiting("op"))
	err := rt.RunWait(context.Background(), "op", fn, WithNonReentrant())
	assert.ErrorIs(t, err, ErrSkipped)

	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, rt.IsWaiting("op"))
}

func TestNonReentrant_SimultaneousCallsRunExactlyOnce(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 150*time.Millisecond, nil)

	// All callers released at once, racing the guard itself.
	const n = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	var skipped atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if errors.Is(rt.RunWait(context.Background(), "op", fn, WithNonReentrant()), ErrSkipped) {
				skipped.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(n-1), skipped.Load())
}

func TestThrottle_DropsWithinWindow(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 0, nil)
	throttled := []Option{WithThrottle(200 * time.Millisecond)}

	require.NoError(t, rt.RunWait(context.Background(), "t", fn, throttled...))
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		assert.ErrorIs(t, rt.RunWait(context.Background(), "t", fn, throttled...), ErrSkipped)
	}
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, rt.RunWait(context.Background(), "t", fn, throttled...))
	assert.Equal(t, int32(2), calls.Load())
}

func TestThrottle_OverrideBypassesLock(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 0, nil)

	require.NoError(t, rt.RunWait(context.Background(), "t", fn, WithThrottle(time.Minute)))
	require.NoError(t, rt.RunWait(context.Background(), "t", fn, WithThrottle(time.Minute), WithThrottleOverride()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestThrottle_FailureReleasesLockByDefault(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	boom := UserError("boom")
	fn := countingOp(&calls, 0, boom)

	assert.Error(t, rt.RunWait(context.Background(), "t", fn, WithThrottle(time.Minute)))
	// The lock was released, so the retry goes through immediately.
	assert.Error(t, rt.RunWait(context.Background(), "t", fn, WithThrottle(time.Minute)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestThrottle_HoldOnErrorKeepsLock(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	boom := UserError("boom")
	fn := countingOp(&calls, 0, boom)
	opts := []Option{WithThrottle(time.Minute), WithThrottleHoldOnError()}

	assert.Error(t, rt.RunWait(context.Background(), "t", fn, opts...))
	assert.ErrorIs(t, rt.RunWait(context.Background(), "t", fn, opts...), ErrSkipped)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebounce_OnlyLastCallStandingRuns(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	fn := countingOp(&calls, 0, nil)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- rt.RunWait(context.Background(), "d", fn, WithDebounce(100*time.Millisecond))
		}()
		time.Sleep(20 * time.Millisecond)
	}

	var skipped, ran int
	for i := 0; i < 3; i++ {
		if err := <-results; errors.Is(err, ErrSkipped) {
			skipped++
		} else if err == nil {
			ran++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, skipped)
	assert.Equal(t, 1, ran)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebounce_ResetCancelsPendingTimer(t *testing.T) {
	rt := New()
	var calls atomic.Int32

	go rt.RunWait(context.Background(), "d", countingOp(&calls, 0, nil), WithDebounce(100*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	rt.Reset("d")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDebounce_CallerCancelDisarmsTimer(t *testing.T) {
	rt := New()
	var calls atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.RunWait(ctx, "d", countingOp(&calls, 0, nil), WithDebounce(80*time.Millisecond))
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "timer must not fire after the owner tore down the context")
	assert.False(t, rt.IsWaiting("d"))
}

func TestQueue_RunsInOrder(t *testing.T) {
	rt := New()
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.RunWait(context.Background(), "q", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				return nil
			}, WithQueue(0, 0))
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestQueue_FailsFastWhenFull(t *testing.T) {
	rt := New()
	fn := func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	opts := []Option{WithQueue(2, 0)}

	// Head starts immediately, then two waiters fill the queue.
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- rt.RunWait(context.Background(), "q", fn, opts...) }()
		time.Sleep(20 * time.Millisecond)
	}

	err := rt.RunWait(context.Background(), "q", fn, opts...)
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Limit)
	assert.True(t, rt.IsFailed("q"))

	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
}

func TestQueue_TimesOutWaitingEntries(t *testing.T) {
	rt := New()
	slow := func(ctx context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	}
	var calls atomic.Int32
	fast := countingOp(&calls, 0, nil)
	opts := []Option{WithQueue(0, 50 * time.Millisecond)}

	head := make(chan error, 1)
	go func() { head <- rt.RunWait(context.Background(), "q", slow, opts...) }()
	time.Sleep(20 * time.Millisecond)

	err := rt.RunWait(context.Background(), "q", fast, opts...)
	var timeout *QueueTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, int32(0), calls.Load())
	require.NoError(t, <-head)
}

func TestDedupPolicies_CombinationRejected(t *testing.T) {
	rt := New()
	fn := func(ctx context.Context) error { return nil }

	err := rt.RunWait(context.Background(), "k", fn,
		WithThrottle(time.Second), WithDebounce(time.Second))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	err = rt.RunWait(context.Background(), "k", fn,
		WithNonReentrant(), WithQueue(1, 0))
	require.ErrorAs(t, err, &cfgErr)

	// A lone dedup policy is fine.
	require.NoError(t, rt.RunWait(context.Background(), "k", fn, WithNonReentrant()))
}

func TestDefaults_FillZeroDurations(t *testing.T) {
	d := BuiltinDefaults()
	d.Throttle = 123 * time.Millisecond

	cfg, err := resolveConfig(d, []Option{WithThrottle(0)})
	require.NoError(t, err)
	assert.Equal(t, 123*time.Millisecond, cfg.throttle)

	cfg, err = resolveConfig(d, []Option{WithThrottle(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.throttle)
}

func TestBundle_SitsBelowExplicitOptions(t *testing.T) {
	b := NewBundle(WithFresh(time.Minute), WithNonReentrant())

	cfg, err := resolveConfig(BuiltinDefaults(), []Option{WithBundle(b)})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.freshFor)
	assert.True(t, cfg.nonReentrant)

	cfg, err = resolveConfig(BuiltinDefaults(), []Option{WithBundle(b), WithFresh(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.freshFor)
}
