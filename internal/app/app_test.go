package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskwarden/internal/config"
	"taskwarden/internal/kernel"
)

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	t.Run("omitted tasks get the default workload", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{Scheduler: config.SchedulerConfig{Enabled: true}}
		ec, specs, err := mapSchedulerConfig(cfg)
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		if ec.ReconcileEvery != 50*time.Millisecond || !ec.ReconcileOnRelease {
			t.Fatalf("defaults not applied: %+v", ec)
		}
		if len(specs) != 3 {
			t.Fatalf("specs = %d, want 3", len(specs))
		}
		if specs[0].Period != 200*time.Millisecond || specs[0].Deadline != 500*time.Millisecond {
			t.Fatalf("first default spec = %+v", specs[0])
		}
	})

	t.Run("disabled yields no tasks", func(t *testing.T) {
		t.Parallel()
		_, specs, err := mapSchedulerConfig(&Config{})
		if err != nil || specs != nil {
			t.Fatalf("specs = %v, err = %v", specs, err)
		}
	})

	t.Run("explicitly empty list yields no tasks", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{Scheduler: config.SchedulerConfig{
			Enabled: true,
			Tasks:   []config.TrackedTaskConfig{},
		}}
		_, specs, err := mapSchedulerConfig(cfg)
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		if len(specs) != 0 {
			t.Fatalf("specs = %v, want none", specs)
		}
	})

	t.Run("explicit task is parsed", func(t *testing.T) {
		t.Parallel()
		off := false
		cfg := &Config{Scheduler: config.SchedulerConfig{
			Enabled:            true,
			ReconcileEvery:     "25ms",
			ReconcileOnRelease: &off,
			Tasks: []config.TrackedTaskConfig{
				{Name: "sense", Period: "100ms", Deadline: "250ms", ExecTime: "10ms"},
			},
		}}
		ec, specs, err := mapSchedulerConfig(cfg)
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		if ec.ReconcileEvery != 25*time.Millisecond || ec.ReconcileOnRelease {
			t.Fatalf("knobs not honored: %+v", ec)
		}
		want := trackedSpec{Name: "sense", Period: 100 * time.Millisecond, Deadline: 250 * time.Millisecond, ExecTime: 10 * time.Millisecond}
		if len(specs) != 1 || specs[0] != want {
			t.Fatalf("specs = %+v, want [%+v]", specs, want)
		}
	})

	t.Run("rejects bad tasks", func(t *testing.T) {
		t.Parallel()
		bad := []config.SchedulerConfig{
			{Enabled: true, Tasks: []config.TrackedTaskConfig{{Name: "", Period: "100ms"}}},
			{Enabled: true, Tasks: []config.TrackedTaskConfig{{Name: "a", Period: "0s"}}},
			{Enabled: true, Tasks: []config.TrackedTaskConfig{{Name: "a", Period: "100ms", Deadline: "nope"}}},
			{Enabled: true, Tasks: []config.TrackedTaskConfig{
				{Name: "a", Period: "100ms"}, {Name: "a", Period: "200ms"},
			}},
		}
		for i, sc := range bad {
			if _, _, err := mapSchedulerConfig(&Config{Scheduler: sc}); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		}
	})
}

func TestMapPairSpecs(t *testing.T) {
	t.Parallel()

	t.Run("omitted section gets the default pairs", func(t *testing.T) {
		t.Parallel()
		specs, err := mapPairSpecs(&Config{})
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		if len(specs) != 2 || specs[0].Name != "JobA" || specs[1].Name != "JobB" {
			t.Fatalf("specs = %+v", specs)
		}
		if specs[0].Inject == nil {
			t.Fatal("JobA should carry a fault injector")
		}
		if specs[1].Inject != nil {
			t.Fatal("JobB should be clean")
		}
	})

	t.Run("explicitly empty list yields none", func(t *testing.T) {
		t.Parallel()
		specs, err := mapPairSpecs(&Config{Pairs: []config.PairConfig{}})
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		if len(specs) != 0 {
			t.Fatalf("specs = %+v, want none", specs)
		}
	})

	t.Run("explicit pair is parsed with priority defaults", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{Pairs: []config.PairConfig{{
			Name:           "ingest",
			Period:         "500ms",
			DeadlineOffset: "800ms",
			ExecTime:       "200ms",
			BackupExecTime: "50ms",
			Fault:          &config.FaultConfig{Mode: "overrun", Probability: 0.5, Seed: 7},
		}}}
		specs, err := mapPairSpecs(cfg)
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		s := specs[0]
		if s.Period != 500*time.Millisecond || s.DeadlineOffset != 800*time.Millisecond {
			t.Fatalf("durations = %+v", s)
		}
		if s.PrimaryPrio != 2 || s.BackupPrio != 2 {
			t.Fatalf("priority defaults = %d/%d, want 2/2", s.PrimaryPrio, s.BackupPrio)
		}
		if s.Inject == nil {
			t.Fatal("fault policy not built")
		}
	})

	t.Run("rejects bad pairs", func(t *testing.T) {
		t.Parallel()
		bad := [][]config.PairConfig{
			{{Name: "", Period: "500ms", DeadlineOffset: "800ms"}},
			{{Name: "a", Period: "", DeadlineOffset: "800ms"}},
			{{Name: "a", Period: "500ms", DeadlineOffset: "0s"}},
			{{Name: "a", Period: "500ms", DeadlineOffset: "800ms"}, {Name: "a", Period: "500ms", DeadlineOffset: "800ms"}},
			{{Name: "a", Period: "500ms", DeadlineOffset: "800ms", PrimaryPriority: -1}},
			{{Name: "a", Period: "500ms", DeadlineOffset: "800ms", Fault: &config.FaultConfig{Mode: "explode"}}},
			{{Name: "a", Period: "500ms", DeadlineOffset: "800ms", Fault: &config.FaultConfig{Mode: "overrun", Probability: 1.5}}},
			{{Name: "a", Period: "500ms", DeadlineOffset: "800ms", Fault: &config.FaultConfig{Mode: "overrun"}}},
		}
		for i, pairs := range bad {
			if _, err := mapPairSpecs(&Config{Pairs: pairs}); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		}
	})
}

func TestParseStallPolicy(t *testing.T) {
	t.Parallel()

	t.Run("forms", func(t *testing.T) {
		t.Parallel()
		for _, raw := range []string{"", "none", "NONE"} {
			p, err := parseStallPolicy("watchdog.workers[0].stall", raw)
			if err != nil || p != nil {
				t.Fatalf("%q: p = %v, err = %v", raw, p, err)
			}
		}
		for _, raw := range []string{"after:x", "every:0", "every:", "sometimes"} {
			if _, err := parseStallPolicy("watchdog.workers[0].stall", raw); err == nil {
				t.Errorf("%q: expected error", raw)
			}
		}
	})

	t.Run("after wedges from N on", func(t *testing.T) {
		t.Parallel()
		p, err := parseStallPolicy("s", "AFTER:3")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if p(2) || !p(3) || !p(10) {
			t.Fatal("after:3 should stall beats >= 3")
		}
	})

	t.Run("every skips each Kth beat", func(t *testing.T) {
		t.Parallel()
		p, err := parseStallPolicy("s", "every:2")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if p(1) || !p(2) || p(3) || !p(4) {
			t.Fatal("every:2 should stall even beats")
		}
	})
}

func TestMapWatchdogConfig(t *testing.T) {
	t.Parallel()

	t.Run("absent or disabled section is off", func(t *testing.T) {
		t.Parallel()
		if _, on, err := mapWatchdogConfig(&Config{}); on || err != nil {
			t.Fatalf("on = %v, err = %v", on, err)
		}
		cfg := &Config{Watchdog: &config.WatchdogConfig{}}
		if _, on, err := mapWatchdogConfig(cfg); on || err != nil {
			t.Fatalf("on = %v, err = %v", on, err)
		}
	})

	t.Run("omitted workers get the default pool", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{Watchdog: &config.WatchdogConfig{Enabled: true}}
		wc, on, err := mapWatchdogConfig(cfg)
		if err != nil || !on {
			t.Fatalf("on = %v, err = %v", on, err)
		}
		if wc.Window != 100*time.Millisecond {
			t.Fatalf("window = %v, want 100ms", wc.Window)
		}
		if len(wc.Workers) != 2 || wc.Workers[0].Bit != 0x1 || wc.Workers[1].Bit != 0x2 {
			t.Fatalf("workers = %+v", wc.Workers)
		}
	})

	t.Run("rejects bad worker declarations", func(t *testing.T) {
		t.Parallel()
		bad := []*config.WatchdogConfig{
			{Enabled: true, Workers: []config.WatchdogWorkerConfig{}},
			{Enabled: true, Workers: []config.WatchdogWorkerConfig{{Name: "", Bit: 1}}},
			{Enabled: true, Workers: []config.WatchdogWorkerConfig{{Name: "w", Bit: 0}}},
			{Enabled: true, Workers: []config.WatchdogWorkerConfig{{Name: "w", Bit: 3}}},
			{Enabled: true, Workers: []config.WatchdogWorkerConfig{
				{Name: "w1", Bit: 4}, {Name: "w2", Bit: 4},
			}},
			{Enabled: true, Workers: []config.WatchdogWorkerConfig{{Name: "w", Bit: 1, Stall: "when-bored"}}},
		}
		for i, wd := range bad {
			if _, _, err := mapWatchdogConfig(&Config{Watchdog: wd}); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		}
	})
}

func TestMapJournalConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		section *config.JournalConfig
		enabled bool
		wantErr string
	}{
		{name: "absent", section: nil},
		{name: "driver none", section: &config.JournalConfig{Driver: "none", Path: "x"}},
		{name: "file without path", section: &config.JournalConfig{Driver: "file"}, wantErr: "journal.path"},
		{name: "file", section: &config.JournalConfig{Driver: "file", Path: "./j.log"}, enabled: true},
		{name: "sqlite", section: &config.JournalConfig{Driver: "sqlite", Path: "./j.db"}, enabled: true},
		{name: "sqlite bad busy", section: &config.JournalConfig{Driver: "sqlite", Path: "./j.db", BusyTimeout: "soon"}, wantErr: "busy_timeout"},
		{name: "unknown driver", section: &config.JournalConfig{Driver: "etcd", Path: "x"}, wantErr: "unknown journal.driver"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			jc, on, err := mapJournalConfig(&Config{Journal: tc.section})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("map: %v", err)
			}
			if on != tc.enabled {
				t.Fatalf("enabled = %v, want %v", on, tc.enabled)
			}
			if tc.name == "sqlite" && jc.BusyTimeout != time.Second {
				t.Fatalf("busy timeout = %v, want 1s default", jc.BusyTimeout)
			}
		})
	}
}

func TestMapReportConfig(t *testing.T) {
	t.Parallel()

	rc, err := mapReportConfig(&Config{Report: config.ReportConfig{Enabled: true}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if rc.Schedule != defaultReportSchedule {
		t.Fatalf("schedule = %q, want default", rc.Schedule)
	}

	if _, err := mapReportConfig(&Config{Report: config.ReportConfig{Enabled: true, Schedule: "whenever"}}); err == nil {
		t.Fatal("bad schedule should be rejected while enabled")
	}
	// A disabled report tolerates a bad schedule; it is validated on enable.
	if _, err := mapReportConfig(&Config{Report: config.ReportConfig{Schedule: "whenever"}}); err != nil {
		t.Fatalf("disabled report rejected: %v", err)
	}
	if _, err := mapReportConfig(&Config{Report: config.ReportConfig{Enabled: true, Timezone: "Mars/Olympus"}}); err == nil {
		t.Fatal("bad timezone should be rejected")
	}
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()

	pc, err := mapPprofConfig(&Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if pc.Addr != "127.0.0.1:6060" || pc.Prefix != "/debug/pprof/" {
		t.Fatalf("defaults = %q %q", pc.Addr, pc.Prefix)
	}
	if pc.ReadTimeout != 5*time.Second || pc.WriteTimeout != 0 {
		t.Fatalf("timeouts = %v/%v", pc.ReadTimeout, pc.WriteTimeout)
	}

	if _, err := mapPprofConfig(&Config{Pprof: config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}}); err == nil {
		t.Fatal("public bind without token should be rejected")
	}
	if _, err := mapPprofConfig(&Config{Pprof: config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "s3cret"}}); err != nil {
		t.Fatalf("public bind with token rejected: %v", err)
	}
	if _, err := mapPprofConfig(&Config{Pprof: config.PprofConfig{Enabled: true, Addr: "no-port"}}); err == nil {
		t.Fatal("bad addr should be rejected")
	}
}

func TestMapLoggingConfigGatesMirror(t *testing.T) {
	t.Parallel()
	cfg := &Config{Logging: config.LoggingConfig{
		Level: "DEBUG",
		Mirror: config.LoggingMirror{
			Enabled:    true,
			MinLevel:   "WARN",
			RatePerSec: 3,
		},
	}}
	if lc := mapLoggingConfig(cfg, false); lc.Mirror.Enabled {
		t.Fatal("mirror must stay off without a journal recorder")
	}
	lc := mapLoggingConfig(cfg, true)
	if !lc.Mirror.Enabled || lc.Mirror.MinLevel != "WARN" || lc.Mirror.RatePerSec != 3 {
		t.Fatalf("mirror config = %+v", lc.Mirror)
	}
}

func TestSimulatedWork(t *testing.T) {
	t.Parallel()

	if fn := simulatedWork(kernel.NewSimClock(), 0); fn != nil {
		t.Fatal("zero exec time should yield a nil payload")
	}

	clk := kernel.NewSimClock()
	fn := simulatedWork(clk, 30*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- fn(context.Background()) }()
	if !clk.AwaitSleepers(1, 2*time.Second) {
		t.Fatal("payload never parked on the clock")
	}
	clk.Advance(30 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload did not finish after the clock advanced")
	}
}
