package throttler

import (
	"context"
	"sync/atomic"
	"time"
)

// Mock is a throttler whose state is set by the test.
// While throttled, BlockWait sleeps for Delay.
type Mock struct {
	Delay     time.Duration
	throttled atomic.Bool
	waits     atomic.Int64
}

var _ Throttler = &Mock{}

func (t *Mock) Open(_ context.Context) error {
	return nil
}

func (t *Mock) Close() error {
	return nil
}

func (t *Mock) SetThrottled(throttled bool) {
	t.throttled.Store(throttled)
}

func (t *Mock) IsThrottled() bool {
	return t.throttled.Load()
}

// Waits returns how many times BlockWait was called.
func (t *Mock) Waits() int64 {
	return t.waits.Load()
}

func (t *Mock) BlockWait(ctx context.Context) {
	t.waits.Add(1)
	if !t.IsThrottled() {
		return
	}
	// Use a timer with context cancellation for interruptible sleep
	timer := time.NewTimer(t.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		return
	}
}

func (t *Mock) UpdateLag(_ context.Context) error {
	return nil
}
