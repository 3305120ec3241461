package repository

import (
	"context"
	"time"

	"github.com/gogotex/docstore/pkg/logger"
	"github.com/gogotex/docstore/pkg/metrics"
)

// DefaultBackoff is the wait schedule between attempts after transient backend
// failures. The number of retries equals its length.
var DefaultBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// retrier re-runs backend calls that fail with errors the adapter classifies
// as transient (throttling, unavailability, timeouts).
type retrier struct {
	backend   string
	schedule  []time.Duration
	transient func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
}

func newRetrier(backend string, schedule []time.Duration, transient func(error) bool) retrier {
	return retrier{backend: backend, schedule: schedule, transient: transient, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	for attempt := 0; err != nil && attempt < len(r.schedule) && r.transient(err); attempt++ {
		metrics.StoreRetries.WithLabelValues(r.backend).Inc()
		logger.With("backend", r.backend, "op", op, "attempt", attempt+1).Debugf("retrying transient failure: %v", err)
		if serr := r.sleep(ctx, r.schedule[attempt]); serr != nil {
			return err
		}
		err = fn()
	}
	return err
}
