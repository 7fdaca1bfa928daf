package pacing

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in the
// latter case. Every delay in the engine goes through this so pause and stop
// interrupt sleeps immediately.
func Sleep(ctx context.Context, d time.Duration) error {
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
