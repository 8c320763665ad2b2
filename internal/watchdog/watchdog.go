// Package watchdog detects silently-hung workers and restarts them.
//
// Each worker owns one bit of the supervisor's mailbox word and sends it on
// its own cadence. The supervisor drains the word once per collection
// window: bit present resets that worker's miss count, bit absent raises
// it, a fully silent window raises everyone's. Two consecutive misses mean
// the worker is wedged, and the only remedy is destructive: kill the task
// and spawn a fresh instance with the same bit and zero prior state.
//
// Worker records are supervisor-owned. Workers never touch their own
// record; their only write is the fire-and-forget heartbeat into the
// mailbox, so no state here needs more than the supervisor's own mutex
// (held briefly for snapshot readers).
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

const (
	defaultWindow        = 100 * time.Millisecond
	defaultMissThreshold = 2
)

// Config describes a supervisor and its worker set.
type Config struct {
	// Window bounds one heartbeat collection. The drain returns as soon
	// as any bit lands, so a healthy set is evaluated at roughly the
	// workers' send cadence; the window only matters when everyone is
	// silent. Default 100ms.
	Window time.Duration

	// MissThreshold is the consecutive-miss count that triggers a
	// restart. Default 2: one miss tolerates a transient delay, two in a
	// row reads as a hang.
	MissThreshold int

	// SupervisorPriority is the level for the supervisor task itself.
	// It should outrank its workers so a busy worker can't starve the
	// collector. Default 2.
	SupervisorPriority kernel.Priority

	Workers []WorkerConfig
}

// Supervisor owns the worker table and the restart decision.
type Supervisor struct {
	cfg   Config
	clock kernel.Clock
	log   logx.Logger
	bus   eventbus.Bus

	exec kernel.Exec
	supH kernel.Handle

	mu       sync.Mutex
	workers  []*workerState
	allBits  uint32
	windows  uint64
	timeouts uint64
	restarts uint64
	stopped  bool
}

func New(cfg Config, clock kernel.Clock, log logx.Logger, bus eventbus.Bus) (*Supervisor, error) {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = defaultMissThreshold
	}
	if cfg.SupervisorPriority <= 0 {
		cfg.SupervisorPriority = 2
	}
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("watchdog: no workers configured")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Supervisor{
		cfg:   cfg,
		clock: clock,
		log:   log.With(logx.String("task", "watchdog")),
		bus:   bus,
	}
	seenNames := map[string]bool{}
	for i := range cfg.Workers {
		wc := &s.cfg.Workers[i]
		if wc.Name == "" {
			return nil, fmt.Errorf("watchdog: worker %d has no name", i)
		}
		if seenNames[wc.Name] {
			return nil, fmt.Errorf("watchdog: duplicate worker name %q", wc.Name)
		}
		seenNames[wc.Name] = true
		if wc.Bit == 0 || wc.Bit&(wc.Bit-1) != 0 {
			return nil, fmt.Errorf("watchdog: worker %q bit %#x is not a single bit", wc.Name, wc.Bit)
		}
		if s.allBits&wc.Bit != 0 {
			return nil, fmt.Errorf("watchdog: worker %q reuses bit %#x", wc.Name, wc.Bit)
		}
		s.allBits |= wc.Bit
		if wc.Beat <= 0 {
			wc.Beat = cfg.Window
		}
		if wc.Priority <= 0 {
			wc.Priority = 1
		}
		s.workers = append(s.workers, &workerState{cfg: *wc})
	}
	return s, nil
}

// Start spawns the supervisor task first, so its handle exists before any
// worker tries to notify it, then the workers.
func (s *Supervisor) Start(exec kernel.Exec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil {
		return fmt.Errorf("watchdog: already started")
	}
	s.exec = exec

	h, err := exec.Spawn("watchdog", s.cfg.SupervisorPriority, s.entry())
	if err != nil {
		s.exec = nil
		return fmt.Errorf("spawn watchdog: %w", err)
	}
	s.supH = h

	for _, ws := range s.workers {
		h, err := exec.Spawn(ws.cfg.Name, ws.cfg.Priority, s.workerEntry(ws.cfg))
		if err != nil {
			for _, prev := range s.workers {
				if prev.handle != 0 {
					_ = exec.Kill(prev.handle)
				}
			}
			_ = exec.Kill(s.supH)
			s.exec = nil
			return fmt.Errorf("spawn %s: %w", ws.cfg.Name, err)
		}
		ws.handle = h
	}
	s.log.Info("watchdog started",
		logx.Int("workers", len(s.workers)),
		logx.Duration("window", s.cfg.Window))
	return nil
}

// Stop kills the workers, then the supervisor. Restarts stop immediately;
// already-stale handles are fine.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.stopped {
		return
	}
	s.stopped = true
	for _, ws := range s.workers {
		_ = s.exec.Kill(ws.handle)
	}
	_ = s.exec.Kill(s.supH)
}

// Handle returns the supervisor task's own handle (zero before Start).
func (s *Supervisor) Handle() kernel.Handle { return s.supH }

func (s *Supervisor) entry() kernel.TaskFunc {
	return func(ctx context.Context, self *kernel.Task) {
		for {
			mask, received := self.WaitBits(ctx, s.cfg.Window)
			if ctx.Err() != nil {
				return
			}
			s.applyWindow(mask, received)
		}
	}
}

// applyWindow is one pass of the collection state machine: classify every
// worker against the drained mask, then restart the ones past threshold.
func (s *Supervisor) applyWindow(mask uint32, received bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.windows++

	if !received {
		s.timeouts++
		s.log.Warn("silent collection window",
			logx.Err(ErrMissedNotification),
			logx.Uint64("window", s.windows))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "watchdog.window_missed", Data: s.windows})
		}
	} else if stray := mask &^ s.allBits; stray != 0 {
		s.log.Debug("ignoring unknown heartbeat bits", logx.Uint32("bits", stray))
	}

	for _, ws := range s.workers {
		if received && mask&ws.cfg.Bit != 0 {
			ws.miss = 0
			continue
		}
		ws.miss++
		if ws.miss < s.cfg.MissThreshold {
			s.log.Debug("heartbeat absent",
				logx.String("worker", ws.cfg.Name),
				logx.Int("miss", ws.miss))
			continue
		}
		s.restartLocked(ws)
	}
}

// restartLocked destroys and recreates one worker with the same bit. The
// new instance carries no state from the old one.
func (s *Supervisor) restartLocked(ws *workerState) {
	if err := s.exec.Kill(ws.handle); err != nil && !errors.Is(err, kernel.ErrStaleHandle) {
		s.log.Error("worker destroy failed", logx.String("worker", ws.cfg.Name), logx.Err(err))
	}
	h, err := s.exec.Spawn(ws.cfg.Name, ws.cfg.Priority, s.workerEntry(ws.cfg))
	if err != nil {
		// Leave the miss count at threshold so the next window retries.
		s.log.Error("worker respawn failed", logx.String("worker", ws.cfg.Name), logx.Err(err))
		return
	}
	ws.handle = h
	ws.miss = 0
	ws.restarts++
	s.restarts++
	s.log.Warn("worker restarted",
		logx.String("worker", ws.cfg.Name),
		logx.Uint32("bit", ws.cfg.Bit),
		logx.Uint64("restarts", ws.restarts))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "watchdog.worker_restarted", Subject: ws.cfg.Name, Data: ws.restarts})
	}
}

// WorkerInfo is one worker's point-in-time supervision state.
type WorkerInfo struct {
	Name     string        `json:"name"`
	Bit      uint32        `json:"bit"`
	Handle   kernel.Handle `json:"handle"`
	Miss     int           `json:"miss"`
	Restarts uint64        `json:"restarts"`
}

// Snapshot is the supervisor's counters plus per-worker state.
type Snapshot struct {
	Windows  uint64       `json:"windows"`
	Timeouts uint64       `json:"timeouts"`
	Restarts uint64       `json:"restarts"`
	Workers  []WorkerInfo `json:"workers"`
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Windows:  s.windows,
		Timeouts: s.timeouts,
		Restarts: s.restarts,
		Workers:  make([]WorkerInfo, 0, len(s.workers)),
	}
	for _, ws := range s.workers {
		snap.Workers = append(snap.Workers, WorkerInfo{
			Name:     ws.cfg.Name,
			Bit:      ws.cfg.Bit,
			Handle:   ws.handle,
			Miss:     ws.miss,
			Restarts: ws.restarts,
		})
	}
	return snap
}
