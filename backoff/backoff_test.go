//go:build unit

package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "attempt zero", base: time.Second, attempt: 0, want: time.Second},
		{name: "attempt one doubles", base: time.Second, attempt: 1, want: 2 * time.Second},
		{name: "attempt five", base: time.Second, attempt: 5, want: 32 * time.Second},
		{name: "negative attempt treated as zero", base: time.Second, attempt: -3, want: time.Second},
		{name: "zero base", base: 0, attempt: 5, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestExponentialOverflowIsBounded(t *testing.T) {
	t.Parallel()

	delay := Exponential(time.Hour, 200)
	require.Positive(t, delay)
}

func TestCapped(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5*time.Second, Capped(5*time.Second, 0, 60*time.Second))
	require.Equal(t, 10*time.Second, Capped(5*time.Second, 1, 60*time.Second))
	require.Equal(t, 40*time.Second, Capped(5*time.Second, 3, 60*time.Second))
	require.Equal(t, 60*time.Second, Capped(5*time.Second, 4, 60*time.Second))
	require.Equal(t, 60*time.Second, Capped(5*time.Second, 50, 60*time.Second))
}

func TestJitterStaysWithinFraction(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second

	for range 100 {
		jittered := Jitter(base, 0.10)
		require.GreaterOrEqual(t, jittered, base)
		require.Less(t, jittered, base+time.Second)
	}
}

func TestJitterPassthrough(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), Jitter(0, 0.10))
	require.Equal(t, 5*time.Second, Jitter(5*time.Second, 0))
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
