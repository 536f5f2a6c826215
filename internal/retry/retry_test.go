package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestDelayWithoutJitter(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, ExponentialBase: 2}
	require.Equal(t, 1*time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 8*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(5))
	require.Equal(t, 10*time.Second, p.Delay(30))
}

func TestDelayFractionalBase(t *testing.T) {
	p := Trino()
	p.Jitter = false
	require.Equal(t, 3*time.Second, p.Delay(1))
	require.Equal(t, 4500*time.Millisecond, p.Delay(2))
}

func TestDelayWithJitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, ExponentialBase: 2, Jitter: true}
	for attempt := 1; attempt <= 8; attempt++ {
		plain := p
		plain.Jitter = false
		upper := plain.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			require.GreaterOrEqual(t, d, upper/2)
			require.LessOrEqual(t, d, upper)
		}
	}

	p.Rand = func() float64 { return 0 }
	require.Equal(t, 500*time.Millisecond, p.Delay(1))
}

func TestDoRetriesTransientErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, ExponentialBase: 2, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), "op", nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return Connection(errors.New("refused"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), "op", nil, func(context.Context) error {
		calls++
		return Timeout(fmt.Errorf("attempt %d", calls))
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempt 2")
	require.Equal(t, 2, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: noSleep}
	calls := 0
	boom := errors.New("syntax error")
	err := p.Do(context.Background(), "op", nil, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestShouldRetry(t *testing.T) {
	p := Default()
	transient := Connection(errors.New("refused"))
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(errors.New("relation does not exist"), 1))
}

func TestClassify(t *testing.T) {
	require.True(t, IsTransient(Classify(context.DeadlineExceeded)))
	require.True(t, IsTransient(Classify(errors.New("dial tcp: connection refused"))))
	require.True(t, IsTransient(Classify(errors.New("i/o timeout"))))
	require.False(t, IsTransient(Classify(errors.New(`relation "t" does not exist`))))
	require.Nil(t, Classify(nil))

	var te *TransientError
	require.ErrorAs(t, Classify(context.DeadlineExceeded), &te)
	require.Equal(t, KindTimeout, te.Kind)
}
