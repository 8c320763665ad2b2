package edf

import (
	"sync/atomic"
	"time"

	"taskwarden/internal/kernel"
)

// Tracked is one deadline-scheduled task. The deadline word has a single
// writer (the owning task, at release time); the scheduler and snapshots
// only read it.
type Tracked struct {
	sched  *Scheduler
	name   string
	handle kernel.Handle

	period      time.Duration
	relDeadline time.Duration // due this long after each release
	index       int

	deadline atomic.Int64 // absolute, ns since substrate start
	priority atomic.Int32 // last level assigned by Reconcile
	releases atomic.Uint64

	lastStaleWarn atomic.Int64 // wall ns, throttles repeat warnings
}

func (t *Tracked) Name() string { return t.name }

// Deadline is the task's current absolute deadline.
func (t *Tracked) Deadline() time.Duration {
	return time.Duration(t.deadline.Load())
}

// MarkRelease recomputes the deadline for the instance released at now.
// Called by the owning task at the start of each cycle; safe for
// concurrent readers.
func (t *Tracked) MarkRelease(now time.Duration) {
	t.markRelease(now)
	if t.sched != nil && t.sched.cfg.ReconcileOnRelease {
		t.sched.Reconcile(now)
	}
}

func (t *Tracked) markRelease(now time.Duration) {
	t.deadline.Store(int64(now + t.relDeadline))
	t.releases.Add(1)
}

func (t *Tracked) shouldWarnStale() bool {
	now := time.Now().UnixNano()
	last := t.lastStaleWarn.Load()
	if now-last < int64(staleWarnEvery) {
		return false
	}
	return t.lastStaleWarn.CompareAndSwap(last, now)
}
