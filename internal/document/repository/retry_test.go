package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func testRetrier(schedule []time.Duration, slept *[]time.Duration) retrier {
	r := newRetrier("test", schedule, func(err error) bool { return errors.Is(err, errFlaky) })
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return r
}

func TestRetrierRecoversFromTransientFailures(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(DefaultBackoff, &slept)

	calls := 0
	err := r.do(context.Background(), "fetch", func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, DefaultBackoff[:2], slept)
}

func TestRetrierGivesUpAfterSchedule(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(DefaultBackoff, &slept)

	calls := 0
	err := r.do(context.Background(), "fetch", func() error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, len(DefaultBackoff)+1, calls)
}

func TestRetrierDoesNotRetryPermanentErrors(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(DefaultBackoff, &slept)

	permanent := errors.New("bad query")
	calls := 0
	err := r.do(context.Background(), "query", func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
	require.Empty(t, slept)
}

func TestRetrierStopsWhenContextEnds(t *testing.T) {
	var slept []time.Duration
	r := testRetrier(DefaultBackoff, &slept)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.do(ctx, "fetch", func() error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 1, calls)
}
