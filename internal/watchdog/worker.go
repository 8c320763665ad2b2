package watchdog

import (
	"context"
	"time"

	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

// WorkerConfig describes one supervised worker.
type WorkerConfig struct {
	Name string

	// Bit is the worker's heartbeat identity: exactly one mailbox bit,
	// unique within the supervisor, stable across restarts.
	Bit uint32

	// Beat is the heartbeat cadence. It should not exceed the
	// supervisor's window, or a healthy worker reads as missing.
	// Default: the window.
	Beat time.Duration

	Priority kernel.Priority

	// Work runs once per beat, after the heartbeat. Optional.
	Work func(ctx context.Context) error

	// Stall simulates a hang by withholding heartbeats. Nil never stalls.
	Stall StallPolicy
}

// workerState is the supervisor-owned record for one worker. The worker
// itself never sees it.
type workerState struct {
	cfg      WorkerConfig
	handle   kernel.Handle
	miss     int
	restarts uint64
}

// workerEntry returns the worker task body: heartbeat, work, sleep. The
// heartbeat comes first so a freshly spawned instance is visible in the
// very next collection window.
func (s *Supervisor) workerEntry(cfg WorkerConfig) kernel.TaskFunc {
	stall := cfg.Stall
	if stall == nil {
		stall = NeverStall()
	}
	log := s.log.With(logx.String("worker", cfg.Name))
	return func(ctx context.Context, self *kernel.Task) {
		var beat uint64
		for {
			beat++
			if stall(beat) {
				log.Debug("stalled, withholding heartbeat", logx.Uint64("beat", beat))
			} else if err := s.exec.Notify(s.supH, cfg.Bit); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("heartbeat send failed", logx.Err(err))
			} else {
				log.Debug("heartbeat sent", logx.Uint32("bit", cfg.Bit))
			}
			if cfg.Work != nil {
				if err := cfg.Work(ctx); err != nil && ctx.Err() == nil {
					log.Warn("work failed", logx.Err(err))
				}
			}
			if s.clock.Sleep(ctx, cfg.Beat) != nil {
				return
			}
		}
	}
}

// StallPolicy decides, per heartbeat number (1-based), whether the worker
// withholds that heartbeat. Evaluated by a single goroutine, so policies
// may keep unguarded state.
type StallPolicy func(beat uint64) bool

// NeverStall is a healthy worker.
func NeverStall() StallPolicy { return func(uint64) bool { return false } }

// StallAfter silences the worker from beat n onward. A restarted instance
// counts from 1 again, so it runs clean before wedging anew; useful for
// demonstrating repeated recovery.
func StallAfter(n uint64) StallPolicy {
	return func(beat uint64) bool { return beat >= n }
}

// StallEvery withholds every k-th heartbeat. Isolated single misses
// exercise the forgiveness path without ever reaching the restart
// threshold (for k > 1).
func StallEvery(k uint64) StallPolicy {
	if k == 0 {
		return NeverStall()
	}
	return func(beat uint64) bool { return beat%k == 0 }
}
