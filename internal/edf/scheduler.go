// Package edf approximates earliest-deadline-first scheduling on top of the
// substrate's discrete priority levels. It tracks periodic tasks with
// absolute deadlines and, on every reconcile pass, hands the task with the
// least remaining time the highest level, the runner-up the next one down,
// and so on. With more tasks than levels the tail shares the lowest level.
package edf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

const staleWarnEvery = 5 * time.Second

type Config struct {
	// Levels mirrors the substrate's priority level count. Default 3.
	Levels int

	// ReconcileEvery is the cadence of the reconciler task. Default 50ms.
	ReconcileEvery time.Duration

	// ReconcileOnRelease lets tracked tasks run an extra pass at the start
	// of each of their cycles, so a fresh deadline takes effect before the
	// next tick of the reconciler.
	ReconcileOnRelease bool
}

type Scheduler struct {
	cfg   Config
	exec  kernel.Exec
	clock kernel.Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu      sync.Mutex
	tracked []*Tracked

	reconciles atomic.Uint64
	staleDrops atomic.Uint64
}

func New(cfg Config, exec kernel.Exec, clock kernel.Clock, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.Levels <= 0 {
		cfg.Levels = 3
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 50 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{cfg: cfg, exec: exec, clock: clock, log: log, bus: bus}
}

// Register adds a task to the tracked set. deadline is relative: each
// release at time R makes the instance due at R+deadline, and the initial
// deadline counts from registration. Zero means the deadline equals the
// period. Registration order is the permanent tie-break order: when two
// tasks have equal remaining time, the earlier registration gets the
// higher level.
func (s *Scheduler) Register(name string, h kernel.Handle, period, deadline time.Duration) (*Tracked, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("edf: empty task name")
	}
	if period <= 0 {
		return nil, fmt.Errorf("edf: %s: period %v must be positive", name, period)
	}
	if deadline < 0 {
		return nil, fmt.Errorf("edf: %s: negative deadline %v", name, deadline)
	}
	if deadline == 0 {
		deadline = period
	}

	t := &Tracked{sched: s, name: name, handle: h, period: period, relDeadline: deadline}
	t.deadline.Store(int64(s.clock.Now() + deadline))

	s.mu.Lock()
	t.index = len(s.tracked)
	s.tracked = append(s.tracked, t)
	s.mu.Unlock()

	s.log.Info("deadline task tracked",
		logx.String("task", name),
		logx.Uint64("handle", uint64(h)),
		logx.Duration("period", period),
		logx.Duration("deadline", deadline))
	return t, nil
}

// Reconcile maps remaining-time-to-deadline onto priority levels for every
// tracked task. remaining = max(0, deadline-now): a blown deadline makes the
// task maximally urgent rather than wrapping. Stale handles are logged and
// skipped; the pass always covers the rest.
func (s *Scheduler) Reconcile(now time.Duration) {
	s.mu.Lock()
	ranked := make([]*Tracked, len(s.tracked))
	copy(ranked, s.tracked)
	s.mu.Unlock()
	if len(ranked) == 0 {
		return
	}

	remaining := func(t *Tracked) time.Duration {
		r := t.Deadline() - now
		if r < 0 {
			r = 0
		}
		return r
	}
	sort.Slice(ranked, func(i, j int) bool {
		ri, rj := remaining(ranked[i]), remaining(ranked[j])
		if ri != rj {
			return ri < rj
		}
		// Equal urgency: earlier registration wins the higher level.
		return ranked[i].index < ranked[j].index
	})

	for i, t := range ranked {
		level := s.levelFor(i)
		err := s.exec.SetPriority(t.handle, level)
		switch {
		case err == nil:
			t.priority.Store(int32(level))
		case errors.Is(err, kernel.ErrStaleHandle):
			s.staleDrops.Add(1)
			if t.shouldWarnStale() {
				s.log.Warn("tracked task handle is stale, skipping",
					logx.String("task", t.name),
					logx.Uint64("handle", uint64(t.handle)))
			}
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: "edf.stale_handle", Subject: t.name})
			}
		default:
			s.log.Error("priority assignment failed",
				logx.String("task", t.name), logx.Err(err))
		}
	}
	s.reconciles.Add(1)
}

// levelFor maps sorted rank to a priority level: rank 0 gets the top level,
// each next rank one lower, floored at 1.
func (s *Scheduler) levelFor(rank int) kernel.Priority {
	level := s.cfg.Levels - rank
	if level < 1 {
		level = 1
	}
	return kernel.Priority(level)
}

// Entry returns the reconciler task body: reconcile, sleep the cadence,
// repeat until killed.
func (s *Scheduler) Entry() kernel.TaskFunc {
	return func(ctx context.Context, self *kernel.Task) {
		for {
			s.Reconcile(s.clock.Now())
			if s.clock.Sleep(ctx, s.cfg.ReconcileEvery) != nil {
				return
			}
		}
	}
}

// Periodic returns a task body that runs fn once per period on a fixed grid,
// recomputing the tracked deadline at each release. fn errors are logged,
// not fatal: a periodic task keeps its cadence no matter what one cycle did.
func (s *Scheduler) Periodic(t *Tracked, fn func(ctx context.Context) error) kernel.TaskFunc {
	return func(ctx context.Context, self *kernel.Task) {
		release := s.clock.Now()
		for {
			t.markRelease(release)
			if s.cfg.ReconcileOnRelease {
				s.Reconcile(release)
			}
			if fn != nil {
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("periodic task cycle failed",
						logx.String("task", t.name), logx.Err(err))
				}
			}
			release += t.period
			if s.clock.SleepUntil(ctx, release) != nil {
				return
			}
		}
	}
}

// StartPeriodic spawns a task running fn on the given period and tracks it,
// in one step. The entry holds at a gate until the registration lands so the
// task can't release before its record exists.
func (s *Scheduler) StartPeriodic(name string, prio kernel.Priority, period, deadline time.Duration, fn func(ctx context.Context) error) (*Tracked, kernel.Handle, error) {
	ready := make(chan struct{})
	var tr *Tracked
	entry := func(ctx context.Context, self *kernel.Task) {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		s.Periodic(tr, fn)(ctx, self)
	}

	h, err := s.exec.Spawn(name, prio, entry)
	if err != nil {
		return nil, 0, err
	}
	tr, err = s.Register(name, h, period, deadline)
	if err != nil {
		_ = s.exec.Kill(h)
		return nil, 0, err
	}
	close(ready)
	return tr, h, nil
}

// TrackedInfo is the per-task slice of a Snapshot.
type TrackedInfo struct {
	Name      string          `json:"name"`
	Handle    kernel.Handle   `json:"handle"`
	Period    time.Duration   `json:"period"`
	Deadline  time.Duration   `json:"deadline"`
	Remaining time.Duration   `json:"remaining"`
	Priority  kernel.Priority `json:"priority"`
	Releases  uint64          `json:"releases"`
}

type Snapshot struct {
	Reconciles uint64        `json:"reconciles"`
	StaleDrops uint64        `json:"stale_drops"`
	Tasks      []TrackedInfo `json:"tasks"`
}

// Snapshot reports tracked state as of now. Priorities are the last levels
// this scheduler assigned (zero until the first reconcile touches a task).
func (s *Scheduler) Snapshot(now time.Duration) Snapshot {
	s.mu.Lock()
	tasks := make([]TrackedInfo, 0, len(s.tracked))
	for _, t := range s.tracked {
		d := t.Deadline()
		r := d - now
		if r < 0 {
			r = 0
		}
		tasks = append(tasks, TrackedInfo{
			Name:      t.name,
			Handle:    t.handle,
			Period:    t.period,
			Deadline:  d,
			Remaining: r,
			Priority:  kernel.Priority(t.priority.Load()),
			Releases:  t.releases.Load(),
		})
	}
	s.mu.Unlock()
	return Snapshot{
		Reconciles: s.reconciles.Load(),
		StaleDrops: s.staleDrops.Load(),
		Tasks:      tasks,
	}
}
