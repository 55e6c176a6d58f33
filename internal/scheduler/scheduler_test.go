package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRunTicksOnAlignedBuckets(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 3, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true, Clock: clock}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buckets := make(chan time.Time, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, bucket time.Time) error {
			buckets <- bucket
			return errors.New("tick 失败不应终止循环")
		})
	}()

	for _, want := range []time.Time{
		time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC),
	} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Minute)
		select {
		case got := <-buckets:
			require.True(t, got.Equal(want), "bucket 应对齐: got %s want %s", got, want)
		case <-time.After(2 * time.Second):
			t.Fatal("等待 tick 超时")
		}
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("取消后 Run 应返回")
	}
}

func TestRunSkipsBucketsMissedByLongTick(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 3, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true, Clock: clock}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buckets := make(chan time.Time, 4)
	go func() {
		first := true
		_ = s.Run(ctx, func(_ context.Context, bucket time.Time) error {
			if first {
				first = false
				clock.Advance(12 * time.Minute)
			}
			buckets <- bucket
			return nil
		})
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Minute)
	require.True(t, (<-buckets).Equal(time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Minute)
	select {
	case got := <-buckets:
		require.True(t, got.Equal(time.Date(2024, 3, 1, 12, 25, 0, 0, time.UTC)), "超时的 tick 之后应跳过错过的 bucket: got %s", got)
	case <-time.After(2 * time.Second):
		t.Fatal("等待 tick 超时")
	}
}

func TestNextTickWithoutAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	require.Equal(t, now.Add(time.Minute), s.nextTick(now))
	require.Equal(t, now, s.bucketStart(now))
}

func TestCronSpecValidation(t *testing.T) {
	require.NoError(t, ValidateSpec("0 0 12 * * FRI"))
	require.NoError(t, ValidateSpec("@every 1h"))
	require.Error(t, ValidateSpec("0 12 * *"))

	c := NewCron(zerolog.Nop())
	require.NoError(t, c.Add(context.Background(), "draw", "0 */5 * * * *", func(context.Context) error { return nil }))
	require.Error(t, c.Add(context.Background(), "bad", "not a spec", func(context.Context) error { return nil }))
	require.Equal(t, 1, c.Len())
}
