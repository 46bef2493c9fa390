package internal

import (
	"context"
	"time"
)

// Clock returns the current time in microseconds on a monotonic axis that is
// independent of the wall-clock date. All stream times (track start/end,
// playback position, lag bookkeeping) are measured with the same clock.
type Clock func() uint64

var processStart = time.Now()

// SystemClock is the default monotonic microsecond clock, counted from
// process start.
func SystemClock() uint64 {
	return uint64(time.Since(processStart).Microseconds())
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
// Returns the ctx error when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
