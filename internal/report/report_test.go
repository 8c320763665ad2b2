package report

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"taskwarden/internal/edf"
	"taskwarden/internal/kernel"
	"taskwarden/internal/redundancy"
	rtsup "taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/watchdog"
	logx "taskwarden/pkg/logx"
)

func TestParseCadence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    CadenceKind
		every   time.Duration
		wantErr bool
		source  string
	}{
		{in: "5s", kind: CadenceInterval, every: 5 * time.Second, source: "duration"},
		{in: "2m30s", kind: CadenceInterval, every: 2*time.Minute + 30*time.Second, source: "duration"},
		{in: "00:05", kind: CadenceInterval, every: 5 * time.Minute, source: "hhmm"},
		{in: "01:30", kind: CadenceInterval, every: 90 * time.Minute, source: "hhmm"},
		{in: "@hourly", kind: CadenceCron, source: "cron"},
		{in: "@every 5s", kind: CadenceCron, source: "cron"},
		{in: "*/5 * * * *", kind: CadenceCron, source: "cron"},
		{in: "cron:*/2 * * * *", kind: CadenceCron, source: "cron"},
		{in: "every:45s", kind: CadenceInterval, every: 45 * time.Second, source: "duration"},
		{in: "interval:00:10", kind: CadenceInterval, every: 10 * time.Minute, source: "hhmm"},
		{in: "", wantErr: true},
		{in: "bogus", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:99", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "every:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCadence(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCadence(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCadence(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Source != tt.source {
				t.Errorf("ParseCadence(%q) = %+v", tt.in, got)
			}
		})
	}
}

type sourceCalls struct {
	kernel, sched, pairs, watchdog, loops atomic.Uint64
}

func countingSources(c *sourceCalls) Sources {
	return Sources{
		Kernel: func() kernel.RuntimeSnapshot {
			c.kernel.Add(1)
			return kernel.RuntimeSnapshot{}
		},
		Scheduler: func() edf.Snapshot {
			c.sched.Add(1)
			return edf.Snapshot{}
		},
		Pairs: func() []redundancy.JobStats {
			c.pairs.Add(1)
			return []redundancy.JobStats{{Name: "JobA", Successes: 3}}
		},
		Watchdog: func() watchdog.Snapshot {
			c.watchdog.Add(1)
			return watchdog.Snapshot{Workers: []watchdog.WorkerInfo{{Name: "worker1", Restarts: 1}}}
		},
		Loops: func() rtsup.Snapshot {
			c.loops.Add(1)
			return rtsup.Snapshot{}
		},
	}
}

func TestEmitReadsEverySource(t *testing.T) {
	t.Parallel()
	var calls sourceCalls
	s := New(Config{}, countingSources(&calls), logx.Nop())

	s.Emit()

	for name, got := range map[string]uint64{
		"kernel":    calls.kernel.Load(),
		"scheduler": calls.sched.Load(),
		"pairs":     calls.pairs.Load(),
		"watchdog":  calls.watchdog.Load(),
		"loops":     calls.loops.Load(),
	} {
		if got != 1 {
			t.Errorf("%s source called %d times, want 1", name, got)
		}
	}
	if s.Runs() != 1 {
		t.Errorf("runs = %d, want 1", s.Runs())
	}
}

func TestEmitToleratesMissingSources(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{}, logx.Nop())
	s.Emit()
	if s.Runs() != 1 {
		t.Errorf("runs = %d, want 1", s.Runs())
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false, Schedule: "5s"}, Sources{}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop(context.Background())
	if s.Runs() != 0 {
		t.Errorf("runs = %d, want 0", s.Runs())
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Schedule: "bogus"}, Sources{}, logx.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("start accepted a bad schedule")
	}
}

func TestApplyRejectsBadScheduleWithoutStopping(t *testing.T) {
	t.Parallel()
	var calls sourceCalls
	s := New(Config{Enabled: true, Schedule: "1s"}, countingSources(&calls), logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.Apply(Config{Enabled: true, Schedule: "not a thing"}); err == nil {
		t.Fatal("apply accepted a bad schedule")
	}
	// The old cadence keeps running.
	deadline := time.Now().Add(3 * time.Second)
	for s.Runs() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Runs() == 0 {
		t.Error("no report emitted after rejected reload")
	}
}

func TestScheduledEmission(t *testing.T) {
	t.Parallel()
	var calls sourceCalls
	s := New(Config{Enabled: true, Schedule: "1s"}, countingSources(&calls), logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	deadline := time.Now().Add(3 * time.Second)
	for s.Runs() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Runs() == 0 {
		t.Fatal("no report emitted")
	}
}
