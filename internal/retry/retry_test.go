package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
}

func TestPolicy_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("execution reverted")
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Policy{MaxAttempts: 0, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("rpc down")

	p := Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		OnRetry:     func(int, error) { cancel() },
	}

	start := time.Now()
	err := p.Do(ctx, func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPolicy_OnRetryCountsAttempts(t *testing.T) {
	var seen []int
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry:     func(attempt int, _ error) { seen = append(seen, attempt) },
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
