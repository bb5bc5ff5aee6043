package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayWithJitter(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: 8 * time.Second, Jitter: true}

	b1 := p.Delay(1)
	if b1 < time.Second || b1 > 1500*time.Millisecond {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := p.Delay(3)
	if b3 < 4*time.Second || b3 > 6*time.Second {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := p.Delay(10)
	require.Equal(t, 8*time.Second, b10)
}

func TestDelayCappedAtTenMinutes(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Factor: 2, Max: 10 * time.Minute, Jitter: true}
	for attempt := 1; attempt <= 40; attempt++ {
		require.LessOrEqual(t, p.Delay(attempt), 10*time.Minute)
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: 5,
		Base:        time.Second,
		Factor:      2,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	calls := 0
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, nil, nil)

	require.ErrorIs(t, err, boom)
	require.Equal(t, 5, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, slept)
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	calls := 0
	retries := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil, func(int, error) { retries++ })

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestDoHonorsRetryablePredicate(t *testing.T) {
	p := Policy{MaxAttempts: 5, Sleep: func(context.Context, time.Duration) error { return nil }}
	calls := 0
	fatal := errors.New("fatal")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) }, nil)

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}
