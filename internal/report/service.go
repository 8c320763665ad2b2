// Package report logs periodic statistics summaries: per-job success,
// backup and deadline-miss counts, scheduler and watchdog counters, and the
// substrate task table. Output is informational; nothing reads it back.
package report

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskwarden/internal/edf"
	"taskwarden/internal/kernel"
	"taskwarden/internal/redundancy"
	rtsup "taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/watchdog"
	logx "taskwarden/pkg/logx"
)

// Config configures the report cadence.
type Config struct {
	Enabled  bool
	Schedule string // see ParseCadence
	Timezone string // cron only; empty means local
}

// Sources supplies subsystem snapshots. Nil entries are skipped, so a
// partially assembled daemon still reports what it has.
type Sources struct {
	Kernel    func() kernel.RuntimeSnapshot
	Scheduler func() edf.Snapshot
	Pairs     func() []redundancy.JobStats
	Watchdog  func() watchdog.Snapshot
	Loops     func() rtsup.Snapshot
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	src Sources

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location

	runs atomic.Uint64
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("task", "report")),
		src: src,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins periodic emission. Disabled or empty schedules are a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled || strings.TrimSpace(s.cfg.Schedule) == "" {
		s.log.Debug("report disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cad, err := ParseCadence(s.cfg.Schedule)
	if err != nil {
		return err
	}
	s.loc = s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	job := cron.FuncJob(s.Emit)
	switch cad.Kind {
	case CadenceInterval:
		c.Schedule(cron.Every(cad.Every), job)
	default:
		if _, err := c.AddJob(cad.Cron, job); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("report started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("kind", cad.Source))
	return nil
}

// Stop halts emission, waiting for an in-flight report to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config; a schedule or timezone change restarts the cron.
// An unparseable schedule is rejected before the running cron is touched.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	wantRun := cfg.Enabled && strings.TrimSpace(cfg.Schedule) != ""
	if wantRun {
		if _, err := ParseCadence(cfg.Schedule); err != nil {
			return err
		}
	}
	s.cfg = cfg
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !wantRun {
		s.log.Info("report disabled by reload")
		return nil
	}
	return s.startLocked()
}

// Runs is the number of reports emitted.
func (s *Service) Runs() uint64 { return s.runs.Load() }

// Emit writes one summary pass: a line per job, then one line per
// subsystem. Also called directly on demand (shutdown emits a final one).
func (s *Service) Emit() {
	s.runs.Add(1)

	if f := s.src.Pairs; f != nil {
		for _, js := range f() {
			s.log.Info("job stats",
				logx.String("job", js.Name),
				logx.Uint64("cycle", js.Cycle),
				logx.String("outcome", js.Outcome.String()),
				logx.Uint64("successes", js.Successes),
				logx.Uint64("backup_runs", js.BackupRuns),
				logx.Uint64("deadline_misses", js.DeadlineMisses))
		}
	}
	if f := s.src.Scheduler; f != nil {
		snap := f()
		s.log.Info("scheduler stats",
			logx.Int("tracked", len(snap.Tasks)),
			logx.Uint64("reconciles", snap.Reconciles),
			logx.Uint64("stale_drops", snap.StaleDrops))
	}
	if f := s.src.Watchdog; f != nil {
		snap := f()
		s.log.Info("watchdog stats",
			logx.Uint64("windows", snap.Windows),
			logx.Uint64("timeouts", snap.Timeouts),
			logx.Uint64("restarts", snap.Restarts))
		for _, w := range snap.Workers {
			if w.Restarts > 0 || w.Miss > 0 {
				s.log.Info("worker stats",
					logx.String("worker", w.Name),
					logx.Int("miss", w.Miss),
					logx.Uint64("restarts", w.Restarts))
			}
		}
	}
	if f := s.src.Kernel; f != nil {
		snap := f()
		s.log.Info("substrate stats",
			logx.Duration("uptime", snap.Now),
			logx.Int("tasks", len(snap.Tasks)),
			logx.Uint64("spawned", snap.Spawned),
			logx.Uint64("killed", snap.Killed),
			logx.Uint64("panics", snap.Panics))
	}
	if f := s.src.Loops; f != nil {
		snap := f()
		s.log.Info("loop stats",
			logx.Int64("active", snap.Counters.Active),
			logx.Uint64("started", snap.Counters.Started),
			logx.Int("loops", len(snap.Loops)))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
