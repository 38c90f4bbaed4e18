package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRunner_RunsJob(t *testing.T) {
	r := NewRunner(zap.NewNop(), 2)
	var ran atomic.Bool
	var got []byte
	r.Register("hello", func(_ context.Context, payload []byte) error {
		got = payload
		ran.Store(true)
		return nil
	})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Enqueue("hello", map[string]any{"n": 1}))
	require.True(t, r.WaitIdle(2*time.Second))
	assert.True(t, ran.Load())
	assert.JSONEq(t, `{"n":1}`, string(got))
}

func TestRunner_UnknownJob(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	err := r.Enqueue("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunner_RetriesUntilBudget(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	r.SetRetryPolicy(fastRetry())
	var attempts atomic.Int32
	r.Register("flaky", func(context.Context, []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Enqueue("flaky", nil, WithMaxRetries(5)))
	require.True(t, r.WaitIdle(2*time.Second))
	assert.Equal(t, int32(3), attempts.Load())

	_, completed, failed, _ := r.Stats()
	assert.Equal(t, int64(1), completed)
	assert.Zero(t, failed)
}

func TestRunner_FailsPermanently(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	r.SetRetryPolicy(fastRetry())
	var attempts atomic.Int32
	r.Register("doomed", func(context.Context, []byte) error {
		attempts.Add(1)
		return errors.New("nope")
	})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Enqueue("doomed", nil, WithMaxRetries(2)))
	require.True(t, r.WaitIdle(2*time.Second))
	assert.Equal(t, int32(3), attempts.Load())

	_, _, failed, _ := r.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestRunner_PanicIsCaught(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	r.SetRetryPolicy(fastRetry())
	r.Register("panicky", func(context.Context, []byte) error {
		panic("boom")
	})
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, r.Enqueue("panicky", nil))
	require.True(t, r.WaitIdle(2*time.Second))
	_, _, failed, _ := r.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestRunner_NamedQueueSerializes(t *testing.T) {
	r := NewRunner(zap.NewNop(), 4)
	r.Queue("serial", 1)
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	r.Register("step", func(context.Context, []byte) error {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	r.Start(context.Background())
	defer r.Stop()

	for i := 0; i < 8; i++ {
		require.NoError(t, r.Enqueue("step", nil, WithQueue("serial")))
	}
	require.True(t, r.WaitIdle(5*time.Second))
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRunner_DelayedJob(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	var ranAt atomic.Int64
	r.Register("later", func(context.Context, []byte) error {
		ranAt.Store(time.Now().UnixNano())
		return nil
	})
	r.Start(context.Background())
	defer r.Stop()

	start := time.Now()
	require.NoError(t, r.Enqueue("later", nil, WithDelay(30*time.Millisecond)))
	require.True(t, r.WaitIdle(2*time.Second))
	assert.GreaterOrEqual(t, time.Duration(ranAt.Load()-start.UnixNano()), 25*time.Millisecond)
}

func TestRunner_EnqueueAfterStop(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	r.Register("noop", func(context.Context, []byte) error { return nil })
	r.Start(context.Background())
	r.Stop()

	err := r.Enqueue("noop", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunner_Periodic(t *testing.T) {
	r := NewRunner(zap.NewNop(), 1)
	var runs atomic.Int32
	r.Register("tick", func(context.Context, []byte) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, r.Periodic("tick", 10*time.Millisecond, nil))
	r.Start(context.Background())
	defer r.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	// Capped at MaxDelay.
	assert.Equal(t, 10*time.Second, p.Delay(10))
}
