package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisperse_Retry_Do(t *testing.T) {
	t.Parallel()

	fastCfg := Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	t.Run("succeeds first attempt", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastCfg, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastCfg, func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("stops immediately on non-retryable errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		permanent := errors.New("invalid credentials")
		err := Do(context.Background(), fastCfg, func() error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, calls)
	})

	t.Run("exhausts attempts and wraps the last error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastCfg, func() error {
			calls++
			return errors.New("connection reset")
		})
		require.Error(t, err)
		require.Equal(t, fastCfg.MaxAttempts, calls)
		require.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("respects context cancellation between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, fastCfg, func() error {
			return errors.New("connection refused")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestDisperse_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.False(t, IsRetryable(errors.New("syntax error")))

	require.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	require.True(t, IsRetryable(errors.New("unexpected EOF")))
	require.True(t, IsRetryable(errors.New("FATAL: the database system is starting up")))
}
