package watchdog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

// fakeExec records spawns, kills and notifies without running any task.
type fakeExec struct {
	mu       sync.Mutex
	next     uint64
	spawns   []string
	stale    map[kernel.Handle]bool
	spawnErr error
}

func newFakeExec() *fakeExec {
	return &fakeExec{stale: map[kernel.Handle]bool{}}
}

func (f *fakeExec) Spawn(name string, prio kernel.Priority, entry kernel.TaskFunc) (kernel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.next++
	f.spawns = append(f.spawns, name)
	return kernel.Handle(f.next), nil
}

func (f *fakeExec) Kill(h kernel.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale[h] {
		return kernel.ErrStaleHandle
	}
	f.stale[h] = true
	return nil
}

func (f *fakeExec) SetPriority(h kernel.Handle, p kernel.Priority) error { return nil }
func (f *fakeExec) Notify(h kernel.Handle, bits uint32) error            { return nil }

func (f *fakeExec) spawnCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.spawns {
		if s == name {
			n++
		}
	}
	return n
}

func (f *fakeExec) setSpawnErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr = err
}

func twoWorkerConfig() Config {
	return Config{
		Window: 100 * time.Millisecond,
		Workers: []WorkerConfig{
			{Name: "worker1", Bit: 1 << 0},
			{Name: "worker2", Bit: 1 << 1},
		},
	}
}

func startedSupervisor(t *testing.T, bus eventbus.Bus) (*Supervisor, *fakeExec) {
	t.Helper()
	exec := newFakeExec()
	s, err := New(twoWorkerConfig(), kernel.NewSimClock(), logx.Nop(), bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(exec); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s, exec
}

func workerByName(t *testing.T, snap Snapshot, name string) WorkerInfo {
	t.Helper()
	for _, w := range snap.Workers {
		if w.Name == name {
			return w
		}
	}
	t.Fatalf("no worker %q in snapshot", name)
	return WorkerInfo{}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		workers []WorkerConfig
		wantErr string
	}{
		{"no workers", nil, "no workers"},
		{"blank name", []WorkerConfig{{Bit: 1}}, "no name"},
		{"duplicate name", []WorkerConfig{{Name: "w", Bit: 1}, {Name: "w", Bit: 2}}, "duplicate"},
		{"zero bit", []WorkerConfig{{Name: "w", Bit: 0}}, "single bit"},
		{"multi bit", []WorkerConfig{{Name: "w", Bit: 0x3}}, "single bit"},
		{"reused bit", []WorkerConfig{{Name: "a", Bit: 4}, {Name: "b", Bit: 4}}, "reuses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(Config{Workers: tt.workers}, kernel.NewSimClock(), logx.Nop(), nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// The restart walk: worker2 silent for two consecutive windows while
// worker1 keeps reporting. Exactly one destroy+recreate, same bit.
func TestSecondMissRestartsWorker(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s, exec := startedSupervisor(t, bus)

	oldHandle := workerByName(t, s.Snapshot(), "worker2").Handle

	s.applyWindow(0x3, true) // both healthy
	s.applyWindow(0x1, true) // worker2 miss 1
	if got := workerByName(t, s.Snapshot(), "worker2").Miss; got != 1 {
		t.Fatalf("miss after one absence = %d, want 1", got)
	}
	s.applyWindow(0x1, true) // worker2 miss 2 -> restart

	snap := s.Snapshot()
	w2 := workerByName(t, snap, "worker2")
	if w2.Restarts != 1 || w2.Miss != 0 {
		t.Errorf("worker2 restarts=%d miss=%d, want 1/0", w2.Restarts, w2.Miss)
	}
	if w2.Bit != 1<<1 {
		t.Errorf("bit changed across restart: %#x", w2.Bit)
	}
	if w2.Handle == oldHandle {
		t.Error("restart kept the old handle")
	}
	if w1 := workerByName(t, snap, "worker1"); w1.Restarts != 0 || w1.Miss != 0 {
		t.Errorf("worker1 restarts=%d miss=%d, want 0/0", w1.Restarts, w1.Miss)
	}
	if got := exec.spawnCount("worker2"); got != 2 {
		t.Errorf("worker2 spawned %d times, want 2", got)
	}
	if snap.Restarts != 1 {
		t.Errorf("total restarts = %d, want 1", snap.Restarts)
	}

	select {
	case e := <-events:
		if e.Type != "watchdog.worker_restarted" || e.Subject != "worker2" {
			t.Errorf("event = %+v, want worker_restarted/worker2", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no restart event")
	}
}

func TestSingleMissIsForgiven(t *testing.T) {
	t.Parallel()
	s, exec := startedSupervisor(t, nil)

	s.applyWindow(0x1, true) // worker2 absent once
	s.applyWindow(0x3, true) // back

	snap := s.Snapshot()
	w2 := workerByName(t, snap, "worker2")
	if w2.Miss != 0 || w2.Restarts != 0 {
		t.Errorf("worker2 miss=%d restarts=%d, want 0/0", w2.Miss, w2.Restarts)
	}
	if got := exec.spawnCount("worker2"); got != 1 {
		t.Errorf("worker2 spawned %d times, want 1", got)
	}
}

func TestSilentWindowPenalizesEveryone(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s, _ := startedSupervisor(t, bus)

	s.applyWindow(0, false)
	snap := s.Snapshot()
	if snap.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", snap.Timeouts)
	}
	for _, w := range snap.Workers {
		if w.Miss != 1 {
			t.Errorf("%s miss = %d, want 1", w.Name, w.Miss)
		}
	}
	select {
	case e := <-events:
		if e.Type != "watchdog.window_missed" {
			t.Errorf("event type = %q, want window_missed", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no window_missed event")
	}

	// Second silent window pushes everyone over the threshold.
	s.applyWindow(0, false)
	snap = s.Snapshot()
	if snap.Restarts != 2 {
		t.Errorf("restarts = %d, want 2", snap.Restarts)
	}
	for _, w := range snap.Workers {
		if w.Restarts != 1 || w.Miss != 0 {
			t.Errorf("%s restarts=%d miss=%d, want 1/0", w.Name, w.Restarts, w.Miss)
		}
	}
}

func TestStrayBitsAreIgnored(t *testing.T) {
	t.Parallel()
	s, _ := startedSupervisor(t, nil)

	s.applyWindow(0x1|0x8, true)

	snap := s.Snapshot()
	if got := workerByName(t, snap, "worker1").Miss; got != 0 {
		t.Errorf("worker1 miss = %d, want 0", got)
	}
	if got := workerByName(t, snap, "worker2").Miss; got != 1 {
		t.Errorf("worker2 miss = %d, want 1", got)
	}
}

func TestRespawnFailureRetriesNextWindow(t *testing.T) {
	t.Parallel()
	s, exec := startedSupervisor(t, nil)

	s.applyWindow(0x1, true)
	exec.setSpawnErr(kernel.ErrStopped)
	s.applyWindow(0x1, true) // restart attempt fails

	w2 := workerByName(t, s.Snapshot(), "worker2")
	if w2.Restarts != 0 {
		t.Fatalf("restarts = %d after failed respawn, want 0", w2.Restarts)
	}
	if w2.Miss < 2 {
		t.Fatalf("miss = %d after failed respawn, want >= 2", w2.Miss)
	}

	exec.setSpawnErr(nil)
	s.applyWindow(0x1, true) // retried and succeeds

	w2 = workerByName(t, s.Snapshot(), "worker2")
	if w2.Restarts != 1 || w2.Miss != 0 {
		t.Errorf("restarts=%d miss=%d after retry, want 1/0", w2.Restarts, w2.Miss)
	}
}

func TestStopHaltsSupervision(t *testing.T) {
	t.Parallel()
	s, exec := startedSupervisor(t, nil)

	s.Stop()
	before := s.Snapshot().Windows
	s.applyWindow(0, false)
	if got := s.Snapshot().Windows; got != before {
		t.Errorf("windows advanced after stop: %d -> %d", before, got)
	}
	if got := exec.spawnCount("worker1") + exec.spawnCount("worker2"); got != 2 {
		t.Errorf("spawn count changed after stop: %d", got)
	}
}

// End-to-end on the real substrate: a worker that wedges after its first
// heartbeat keeps getting recovered while a healthy one is left alone.
func TestSupervisorRecoversWedgedWorker(t *testing.T) {
	t.Parallel()
	clk := kernel.NewSimClock()
	rt := kernel.NewRuntime(kernel.Config{Levels: 3}, clk, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})

	cfg := Config{
		Window:             100 * time.Millisecond,
		SupervisorPriority: 3,
		Workers: []WorkerConfig{
			{Name: "worker1", Bit: 1 << 0, Beat: 50 * time.Millisecond, Priority: 2},
			{Name: "worker2", Bit: 1 << 1, Beat: 50 * time.Millisecond, Priority: 2, Stall: StallAfter(2)},
		},
	}
	s, err := New(cfg, clk, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(rt); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)

	// Supervisor timer + two workers parked means a quiescent step.
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Restarts == 0 && time.Now().Before(deadline) {
		if !clk.AwaitSleepers(3, 2*time.Second) {
			t.Fatal("tasks never settled")
		}
		clk.Advance(25 * time.Millisecond)
	}

	snap := s.Snapshot()
	if got := workerByName(t, snap, "worker2").Restarts; got < 1 {
		t.Errorf("worker2 restarts = %d, want >= 1", got)
	}
	if got := workerByName(t, snap, "worker1").Restarts; got != 0 {
		t.Errorf("worker1 restarts = %d, want 0", got)
	}
	if snap.Windows == 0 {
		t.Error("no collection windows ran")
	}
}
