package app

import (
	"context"
	"time"

	"taskwarden/internal/kernel"
)

// simulatedWork returns a payload that occupies d of substrate time per
// cycle. Zero or negative d means a release-only payload (nil), which the
// consuming roles treat as instant success.
func simulatedWork(clock kernel.Clock, d time.Duration) func(ctx context.Context) error {
	if d <= 0 {
		return nil
	}
	return func(ctx context.Context) error {
		return clock.Sleep(ctx, d)
	}
}
