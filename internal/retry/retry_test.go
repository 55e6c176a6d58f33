package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"prize-vault/internal/vaulterr"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDoSucceedsAfterRetryableErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		attempts++
		return vaulterr.Validation("op", vaulterr.ErrZeroAmount)
	})
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)
	require.Equal(t, 1, attempts, "校验错误不应重试")
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return vaulterr.External("adapter", errors.New("reverted"))
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed after 3 attempts")
	require.Equal(t, 3, attempts)
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	cfg := fastConfig(2)
	cfg.Timeout = 10 * time.Millisecond
	attempts := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, attempts, "单次超时应触发重试")
}

func TestDoHonoursCancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(3), func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
}

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{statusErr(503), true},
		{statusErr(429), true},
		{statusErr(400), false},
		{errors.New("unexpected EOF"), true},
		{errors.New("bad input"), false},
		{vaulterr.New(vaulterr.KindEmergency, "op", errors.New("restricted")), true},
		{vaulterr.Authorization("op", vaulterr.ErrUnauthorized), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsRetryable(tc.err), "%v", tc.err)
	}
}
