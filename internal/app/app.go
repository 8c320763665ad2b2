package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/edf"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/journal"
	"taskwarden/internal/kernel"
	"taskwarden/internal/observability/pprof"
	"taskwarden/internal/redundancy"
	"taskwarden/internal/report"
	"taskwarden/internal/watchdog"
	logx "taskwarden/pkg/logx"
	"taskwarden/pkg/sdnotify"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store journal.Store
	rec   *journal.Recorder

	clock kernel.Clock
	rt    *kernel.Runtime

	schedEnabled bool
	sched        *edf.Scheduler
	tracked      []trackedSpec

	pairSpecs []pairSpec
	pairs     []*redundancy.Pair

	wd *watchdog.Supervisor

	report *report.Service
	pprof  *pprof.Service
	notify *sdnotify.Notifier
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Logging service mapping.
	// logx.New applies its config immediately, but the journal mirror target
	// doesn't exist yet. Bootstrap with the mirror disabled, attach the
	// recorder, then Apply the final config.
	logSvc, log := logx.New(mapLoggingConfig(cfg, false))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Journal (optional)
	var (
		store journal.Store
		rec   *journal.Recorder
	)
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := journal.Open(jc, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, err
		}
		store = st
		rec = journal.NewRecorder(st, log.With(logx.String("comp", "journal")))
		logSvc.SetMirror(rec)
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}

	// Apply final logging config (including the mirror enable flag).
	logSvc.Apply(mapLoggingConfig(cfg, rec != nil))

	// Substrate
	clock := kernel.NewWallClock()
	rt := kernel.NewRuntime(mapKernelConfig(cfg), clock, log.With(logx.String("comp", "kernel")), bus)

	// Deadline scheduler mapping
	edfCfg, tracked, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := edf.New(edfCfg, rt, clock, log.With(logx.String("comp", "edf")), bus)

	// Pair mapping
	pairSpecs, err := mapPairSpecs(cfg)
	if err != nil {
		return nil, err
	}
	pairs := make([]*redundancy.Pair, 0, len(pairSpecs))
	for _, ps := range pairSpecs {
		p, err := redundancy.NewPair(redundancy.PairConfig{
			Name:           ps.Name,
			Period:         ps.Period,
			DeadlineOffset: ps.DeadlineOffset,
			Payload:        simulatedWork(clock, ps.ExecTime),
			Substitute:     simulatedWork(clock, ps.BackupExecTime),
			Inject:         ps.Inject,
		}, clock, log.With(logx.String("comp", "pairs")), bus)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}

	// Watchdog mapping (optional)
	var wd *watchdog.Supervisor
	if wc, enabled, err := mapWatchdogConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		w, err := watchdog.New(wc, clock, log.With(logx.String("comp", "watchdog")), bus)
		if err != nil {
			return nil, err
		}
		wd = w
	}

	// pprof service mapping (optional)
	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		rec:          rec,
		clock:        clock,
		rt:           rt,
		schedEnabled: cfg.Scheduler.Enabled,
		sched:        schedSvc,
		tracked:      tracked,
		pairSpecs:    pairSpecs,
		pairs:        pairs,
		wd:           wd,
		pprof:        pprofSvc,
	}

	// Report service mapping. Sources close over the subsystems; absent ones
	// stay nil so the report simply omits them.
	rc, err := mapReportConfig(cfg)
	if err != nil {
		return nil, err
	}
	src := report.Sources{
		Kernel:    rt.Snapshot,
		Scheduler: func() edf.Snapshot { return schedSvc.Snapshot(clock.Now()) },
		Loops: func() SupervisorSnapshot {
			if s := a.sup; s != nil {
				return s.SnapshotNow()
			}
			return SupervisorSnapshot{}
		},
	}
	if len(pairs) > 0 {
		src.Pairs = func() []redundancy.JobStats {
			stats := make([]redundancy.JobStats, 0, len(pairs))
			for _, p := range pairs {
				stats = append(stats, p.Stats())
			}
			return stats
		}
	}
	if wd != nil {
		src.Watchdog = wd.Snapshot
	}
	a.report = report.New(rc, src, log.With(logx.String("comp", "report")))

	if cfg.Systemd == nil || cfg.Systemd.Notify {
		a.notify = sdnotify.New(log)
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			if cfg.Kernel.Levels < 0 {
				return fmt.Errorf("kernel.levels must be >= 0")
			}
			if _, _, err := mapSchedulerConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPairSpecs(cfg); err != nil {
				return err
			}
			if _, _, err := mapWatchdogConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapJournalConfig(cfg); err != nil {
				return err
			}
			if _, err := mapReportConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	// Recorder first, so startup events land in the journal.
	if a.rec != nil {
		a.rec.Start(a.bus)
	}

	// Kernel workload: reconciler above everything, then the tracked tasks,
	// pairs and the watchdog.
	if a.schedEnabled {
		top := kernel.Priority(a.rt.Levels())
		if _, err := a.rt.Spawn("edf.reconcile", top, a.sched.Entry()); err != nil {
			return err
		}
		for _, ts := range a.tracked {
			if _, _, err := a.sched.StartPeriodic(ts.Name, 1, ts.Period, ts.Deadline,
				simulatedWork(a.clock, ts.ExecTime)); err != nil {
				return err
			}
		}
	}
	for i, p := range a.pairs {
		if err := p.Spawn(a.rt, a.pairSpecs[i].PrimaryPrio, a.pairSpecs[i].BackupPrio); err != nil {
			return err
		}
	}
	if a.wd != nil {
		if err := a.wd.Start(a.rt); err != nil {
			return err
		}
	}

	if err := a.report.Start(); err != nil {
		return err
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Event log for observability/debug (components also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Debug-level to keep frequent publishers quiet.
					a.log.Debug("event", logx.String("type", e.Type), logx.String("subject", e.Subject))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track the last applied config to diff against.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, pairNames := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(pairNames) > 0 {
						a.log.Debug("pair config changes detected", logx.Any("pairs", pairNames))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				// The kernel workload is spawned once at startup; those
				// sections only take effect on the next run.
				for _, s := range sections {
					switch s {
					case "kernel", "scheduler", "pairs", "watchdog", "journal":
						a.log.Warn("config change needs a restart to take effect",
							logx.String("section", s))
					}
				}

				// apply logging updates
				a.logs.Apply(mapLoggingConfig(newCfg, a.rec != nil))

				// apply report updates (live)
				if rc, err := mapReportConfig(newCfg); err != nil {
					a.log.Warn("invalid report config; keeping previous", logx.Err(err))
				} else if err := a.report.Apply(rc); err != nil {
					a.log.Warn("report reconfigure failed; keeping previous", logx.Err(err))
				}

				// apply pprof updates (live)
				if a.pprof != nil {
					if ppc, err := mapPprofConfig(newCfg); err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
					} else {
						a.pprof.Reconfigure(c, ppc)
					}
				}

				if a.bus != nil {
					a.bus.Publish(eventbus.Event{Type: "config.reloaded"})
				}

				// Keep the final line concise; details are in debug logs.
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.notify != nil {
		a.notify.Ready()
		a.notify.StartWatchdog(a.sup.Context())
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: "app.started"})
	}
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: "app.stopping", Subject: string(reason)})
	}
	if a.notify != nil {
		a.notify.Stopping()
		a.notify.Stop()
	}

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run one shutdown step with an upper bound so a single component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed))
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Order: reporting first (it reads the others), then the HTTP surface,
	// then the kernel workload, then persistence, then the loop supervisor.
	step("report", 2*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("watchdog", 1*time.Second, func(c context.Context) error {
		if a.wd != nil {
			a.wd.Stop()
		}
		return nil
	})
	step("kernel", 3*time.Second, func(c context.Context) error { return a.rt.Stop(c) })
	step("journal", 1*time.Second, func(c context.Context) error {
		if a.rec != nil {
			a.rec.Stop()
		}
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapLoggingConfig(cfg *Config, mirrorReady bool) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Mirror: logx.MirrorConfig{
			Enabled:    lc.Mirror.Enabled && mirrorReady,
			MinLevel:   lc.Mirror.MinLevel,
			RatePerSec: lc.Mirror.RatePerSec,
		},
	}
}

func mapKernelConfig(cfg *Config) kernel.Config {
	if cfg == nil {
		return kernel.Config{}
	}
	return kernel.Config{Levels: cfg.Kernel.Levels}
}
