package kernel

import (
	"context"
	"time"
)

// WallClock measures real time from the moment it was created, riding Go's
// monotonic clock so wall-time jumps don't move deadlines.
type WallClock struct {
	start time.Time
}

func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

func (c *WallClock) Now() time.Duration { return time.Since(c.start) }

func (c *WallClock) Sleep(ctx context.Context, d time.Duration) error {
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

func (c *WallClock) SleepUntil(ctx context.Context, at time.Duration) error {
	return c.Sleep(ctx, at-c.Now())
}
