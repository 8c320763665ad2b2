// Package kernel is the execution substrate the supervision policies run on:
// a clock, task creation/destruction with discrete priorities, and a per-task
// bit-mask mailbox.
//
// Time is expressed as a monotonic offset from substrate start
// (time.Duration), so absolute deadlines are plain durations and never go
// backwards. Two clocks implement the contract: WallClock for the daemon and
// SimClock for tests, which advances only when told to.
//
// Priorities are advisory bookkeeping: Go's scheduler has no goroutine
// priorities, so SetPriority updates the task's priority word for policies
// and observers rather than changing preemption. Everything above the
// substrate (scheduling decisions, restart decisions, statistics) only ever
// reads and writes these words, which keeps the policies testable.
package kernel

import (
	"context"
	"time"
)

// Priority is a discrete substrate priority level. Level 1 is the lowest;
// the top level equals the runtime's configured level count.
type Priority int

// Handle identifies a spawned task. Handles are unique for the lifetime of
// the runtime and are never reused, so a handle whose task is gone stays
// stale forever.
type Handle uint64

// TaskFunc is a task entry point. The context is canceled when the task is
// killed or the runtime stops; entries must return promptly once it is.
// The *Task gives the entry access to its own mailbox and identity.
type TaskFunc func(ctx context.Context, self *Task)

// Clock is the substrate time source.
//
// Sleep and SleepUntil return nil when the full wait elapsed and the
// context's error when canceled early. A zero or negative wait returns
// immediately.
type Clock interface {
	// Now is the monotonic offset since substrate start.
	Now() time.Duration
	Sleep(ctx context.Context, d time.Duration) error
	SleepUntil(ctx context.Context, at time.Duration) error
}

// Exec is the task-management face of the substrate.
//
// All operations on a dead or unknown handle fail with ErrStaleHandle.
type Exec interface {
	Spawn(name string, prio Priority, entry TaskFunc) (Handle, error)
	// Kill cancels the task and invalidates its handle immediately. The
	// goroutine unwinds at its next suspension point; its state is gone
	// either way.
	Kill(h Handle) error
	SetPriority(h Handle, p Priority) error
	// Notify ORs bits into the task's mailbox word and wakes a pending
	// WaitBits. Sends between two waits coalesce. A zero mask is a no-op.
	Notify(h Handle, bits uint32) error
}
