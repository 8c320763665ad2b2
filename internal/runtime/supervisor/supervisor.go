package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "taskwarden/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
//
// It hosts service loops (config watcher, journal recorder, report ticker).
// Kernel tasks are NOT run under it: their restarts are policy decisions
// owned by the watchdog, not transparent self-healing.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// started counts goroutines ever launched here; active counts the
	// ones still running. Operational signals, not synchronization.
	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*loopStats
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// LoopStats is an aggregated, best-effort view of goroutines started via
// Go/GoRestart, keyed by name (concurrent goroutines sharing a name are
// aggregated). Intended for observability output only.
type LoopStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

type loopStats struct {
	name         string
	active       int64
	started      uint64
	panics       uint64
	restarts     uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastErr      string
	lastRuntime  time.Duration
	totalRuntime time.Duration
}

func (st *loopStats) view() LoopStats {
	return LoopStats{
		Name:         st.name,
		Active:       st.active,
		Started:      st.started,
		Panics:       st.panics,
		Restarts:     st.restarts,
		LastStartAt:  st.lastStartAt,
		LastStopAt:   st.lastStopAt,
		LastErr:      st.lastErr,
		LastRuntime:  st.lastRuntime,
		TotalRuntime: st.totalRuntime,
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil error from any goroutine cancel
// the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*loopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	err, _ := s.firstErr.Load().(error)
	return err
}

// CountersNow returns best-effort goroutine counters for this supervisor.
func (s *Supervisor) CountersNow() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
	}
}

// SnapshotNow returns a point-in-time snapshot of the supervisor,
// meant for observability output rather than synchronization.
func (s *Supervisor) SnapshotNow() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.CountersNow()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	loops := make([]LoopStats, 0, len(s.stats))
	for _, st := range s.stats {
		if st != nil {
			loops = append(loops, st.view())
		}
	}
	s.mu.Unlock()

	// Active first, then most recently started, then name.
	sort.Slice(loops, func(i, j int) bool {
		if loops[i].Active != loops[j].Active {
			return loops[i].Active > loops[j].Active
		}
		if !loops[i].LastStartAt.Equal(loops[j].LastStartAt) {
			return loops[i].LastStartAt.After(loops[j].LastStartAt)
		}
		return loops[i].Name < loops[j].Name
	})

	snap.Loops = loops
	return snap
}

func (s *Supervisor) stat(name string) *loopStats {
	if s.stats == nil {
		s.stats = map[string]*loopStats{}
	}
	st := s.stats[name]
	if st == nil {
		st = &loopStats{name: name}
		s.stats[name] = st
	}
	return st
}

// touch runs f against name's stats entry under the lock.
func (s *Supervisor) touch(name string, f func(*loopStats)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	f(s.stat(name))
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, isRestart bool) time.Time {
	now := time.Now()
	s.touch(name, func(st *loopStats) {
		st.started++
		if isRestart {
			st.restarts++
		}
		st.active++
		st.lastStartAt = now
	})
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	ran := now.Sub(startedAt)
	s.touch(name, func(st *loopStats) {
		if st.active > 0 {
			st.active--
		}
		st.lastStopAt = now
		st.lastRuntime = ran
		st.totalRuntime += ran
		if err != nil {
			st.lastErr = err.Error()
		}
	})
}

func (s *Supervisor) notePanic(name string) {
	s.touch(name, func(st *loopStats) { st.panics++ })
}

// runSafe invokes fn, converting a panic into a captured value and stack.
func runSafe(ctx context.Context, fn func(context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

// fail records err as the first error and cancels if configured to.
func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		startedAt := s.noteStart(name, false)

		err, pan, stack := runSafe(s.ctx, fn)
		switch {
		case pan != nil:
			s.notePanic(name)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
			}
			err = fmt.Errorf("panic in %s: %v", name, pan)
			s.noteStop(name, startedAt, err)
			s.fail(err)
		case err != nil && !errors.Is(err, context.Canceled):
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			s.fail(err)
		default:
			s.noteStop(name, startedAt, nil)
		}

		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	publishFirstErr bool
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithPublishFirstError makes GoRestart set supervisor Err on the first observed
// error/panic. Failures surface in snapshots while the loop keeps self-healing.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// A run lasting at least this long resets restart backoff, so rare
// failures in a long-lived loop don't accumulate delay.
const steadyRunReset = 30 * time.Second

// GoRestart runs fn and restarts it on error/panic using jittered exponential
// backoff until ctx is canceled. A nil return stops the loop for good.
//
// Intended for long-running service loops (watchers, recorders, tickers) where
// transient failures should self-heal without bringing down the process.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	// One supervisor goroutine hosts the restart loop. The ".restart"
	// suffix keeps its stats separate from the logical task name.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		for attempt := 0; ctx.Err() == nil; attempt++ {
			startedAt := s.noteStart(name, attempt > 0)

			err, pan, stack := runSafe(ctx, fn)
			if pan != nil {
				s.notePanic(name)
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				}
				err = fmt.Errorf("panic: %v", pan)
			}

			// A loop unwinding during shutdown is a clean exit, not a
			// failure; its dependencies were stopped out from under it.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				s.noteStop(name, startedAt, nil)
				return
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, wrapped)
			if cfg.publishFirstErr {
				s.setErr(wrapped)
			}

			if time.Since(startedAt) >= steadyRunReset {
				backoff = cfg.minBackoff
			}
			wait := jitter(min(backoff, cfg.maxBackoff))
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// jitter pads d with up to 20% random slack.
func jitter(d time.Duration) time.Duration {
	j := d / 5
	if j <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%int64(j+1))
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
