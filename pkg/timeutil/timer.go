package timeutil

import (
	"context"
	"time"
)

// StopAndDrainTimer stops a timer and discards any pending tick, leaving it
// ready for Reset regardless of its previous state.
func StopAndDrainTimer(timer *time.Timer) {
	timer.Stop()
	select {
	case <-timer.C:
	default:
	}
}

// Sleep pauses for the specified duration using a caller-owned timer, which
// must be stopped and drained. It returns false if the context was cancelled
// first, or immediately if it already was.
func Sleep(ctx context.Context, timer *time.Timer, duration time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if duration <= 0 {
		return true
	}
	timer.Reset(duration)
	select {
	case <-ctx.Done():
		StopAndDrainTimer(timer)
		return false
	case <-timer.C:
		return true
	}
}
