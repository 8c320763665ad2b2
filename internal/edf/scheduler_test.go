package edf

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/kernel"
	logx "taskwarden/pkg/logx"
)

// fakeExec records priority assignments and can mark handles stale.
type fakeExec struct {
	mu    sync.Mutex
	next  uint64
	prio  map[kernel.Handle]kernel.Priority
	stale map[kernel.Handle]bool
	sets  int
}

func newFakeExec() *fakeExec {
	return &fakeExec{prio: map[kernel.Handle]kernel.Priority{}, stale: map[kernel.Handle]bool{}}
}

func (f *fakeExec) Spawn(name string, prio kernel.Priority, entry kernel.TaskFunc) (kernel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := kernel.Handle(f.next)
	f.prio[h] = prio
	return h, nil
}

func (f *fakeExec) Kill(h kernel.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prio, h)
	f.stale[h] = true
	return nil
}

func (f *fakeExec) SetPriority(h kernel.Handle, p kernel.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale[h] {
		return kernel.ErrStaleHandle
	}
	f.prio[h] = p
	f.sets++
	return nil
}

func (f *fakeExec) Notify(h kernel.Handle, bits uint32) error { return nil }

func (f *fakeExec) priorityOf(h kernel.Handle) kernel.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prio[h]
}

func (f *fakeExec) setCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func newTestScheduler(t *testing.T, exec kernel.Exec, bus eventbus.Bus) *Scheduler {
	t.Helper()
	return New(Config{Levels: 3}, exec, kernel.NewSimClock(), logx.Nop(), bus)
}

func mustRegister(t *testing.T, s *Scheduler, name string, h kernel.Handle, period, deadline time.Duration) *Tracked {
	t.Helper()
	tr, err := s.Register(name, h, period, deadline)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return tr
}

func TestReconcileAssignsBandsByDeadline(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	s := newTestScheduler(t, exec, nil)

	h1, _ := exec.Spawn("task1", 1, nil)
	h2, _ := exec.Spawn("task2", 1, nil)
	h3, _ := exec.Spawn("task3", 1, nil)
	mustRegister(t, s, "task1", h1, 200*time.Millisecond, 500*time.Millisecond)
	mustRegister(t, s, "task2", h2, 300*time.Millisecond, 1000*time.Millisecond)
	mustRegister(t, s, "task3", h3, 400*time.Millisecond, 1500*time.Millisecond)

	s.Reconcile(0)

	for _, tc := range []struct {
		h    kernel.Handle
		want kernel.Priority
	}{{h1, 3}, {h2, 2}, {h3, 1}} {
		if got := exec.priorityOf(tc.h); got != tc.want {
			t.Errorf("handle %d priority = %d, want %d", tc.h, got, tc.want)
		}
	}
}

func TestReconcileTieBreaksByRegistrationOrder(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	s := newTestScheduler(t, exec, nil)

	h1, _ := exec.Spawn("a", 1, nil)
	h2, _ := exec.Spawn("b", 1, nil)
	h3, _ := exec.Spawn("c", 1, nil)
	// All equally urgent.
	for i, h := range []kernel.Handle{h1, h2, h3} {
		mustRegister(t, s, string(rune('a'+i)), h, 100*time.Millisecond, 500*time.Millisecond)
	}

	s.Reconcile(0)

	if got := exec.priorityOf(h1); got != 3 {
		t.Errorf("first registered = %d, want 3", got)
	}
	if got := exec.priorityOf(h2); got != 2 {
		t.Errorf("second registered = %d, want 2", got)
	}
	if got := exec.priorityOf(h3); got != 1 {
		t.Errorf("third registered = %d, want 1", got)
	}
}

func TestReconcileClampsOverdueDeadlines(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	s := newTestScheduler(t, exec, nil)

	h1, _ := exec.Spawn("overdue-a", 1, nil)
	h2, _ := exec.Spawn("overdue-b", 1, nil)
	h3, _ := exec.Spawn("future", 1, nil)
	// h2's deadline is further past than h1's, but both clamp to zero
	// remaining, so registration order decides between them.
	mustRegister(t, s, "overdue-a", h1, 100*time.Millisecond, 100*time.Millisecond)
	mustRegister(t, s, "overdue-b", h2, 100*time.Millisecond, 50*time.Millisecond)
	mustRegister(t, s, "future", h3, 100*time.Millisecond, 900*time.Millisecond)

	s.Reconcile(200 * time.Millisecond)

	if got := exec.priorityOf(h1); got != 3 {
		t.Errorf("overdue-a = %d, want 3", got)
	}
	if got := exec.priorityOf(h2); got != 2 {
		t.Errorf("overdue-b = %d, want 2", got)
	}
	if got := exec.priorityOf(h3); got != 1 {
		t.Errorf("future = %d, want 1", got)
	}

	snap := s.Snapshot(200 * time.Millisecond)
	for _, ti := range snap.Tasks {
		if ti.Remaining < 0 {
			t.Errorf("%s remaining went negative: %v", ti.Name, ti.Remaining)
		}
	}
}

func TestReconcileOverflowSharesLowestLevel(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	s := newTestScheduler(t, exec, nil)

	handles := make([]kernel.Handle, 5)
	for i := range handles {
		h, _ := exec.Spawn("t", 1, nil)
		handles[i] = h
		mustRegister(t, s, "t", h, 100*time.Millisecond, time.Duration(i+1)*100*time.Millisecond)
	}

	s.Reconcile(0)

	want := []kernel.Priority{3, 2, 1, 1, 1}
	for i, h := range handles {
		if got := exec.priorityOf(h); got != want[i] {
			t.Errorf("rank %d priority = %d, want %d", i, got, want[i])
		}
	}
}

func TestReconcileSkipsStaleHandles(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := newTestScheduler(t, exec, bus)

	h1, _ := exec.Spawn("alive-1", 1, nil)
	h2, _ := exec.Spawn("dead", 1, nil)
	h3, _ := exec.Spawn("alive-2", 1, nil)
	mustRegister(t, s, "alive-1", h1, 100*time.Millisecond, 100*time.Millisecond)
	mustRegister(t, s, "dead", h2, 100*time.Millisecond, 200*time.Millisecond)
	mustRegister(t, s, "alive-2", h3, 100*time.Millisecond, 300*time.Millisecond)
	if err := exec.Kill(h2); err != nil {
		t.Fatalf("kill: %v", err)
	}

	s.Reconcile(0)

	if got := exec.priorityOf(h1); got != 3 {
		t.Errorf("alive-1 = %d, want 3", got)
	}
	if got := exec.priorityOf(h3); got != 1 {
		t.Errorf("alive-2 = %d, want 1", got)
	}
	if got := s.Snapshot(0).StaleDrops; got != 1 {
		t.Errorf("stale drops = %d, want 1", got)
	}
	select {
	case e := <-events:
		if e.Type != "edf.stale_handle" || e.Subject != "dead" {
			t.Fatalf("event = %+v, want edf.stale_handle/dead", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stale handle event")
	}
}

func TestMarkReleaseAdvancesDeadline(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	s := New(Config{Levels: 3, ReconcileOnRelease: true}, exec, kernel.NewSimClock(), logx.Nop(), nil)

	h1, _ := exec.Spawn("cycler", 1, nil)
	tr := mustRegister(t, s, "cycler", h1, 200*time.Millisecond, 200*time.Millisecond)

	before := exec.setCalls()
	tr.MarkRelease(time.Second)

	if got := tr.Deadline(); got != 1200*time.Millisecond {
		t.Fatalf("deadline = %v, want 1.2s", got)
	}
	if exec.setCalls() <= before {
		t.Fatal("release did not trigger a reconcile pass")
	}
}

func TestDeadlineIndependentOfPeriod(t *testing.T) {
	t.Parallel()
	exec := newFakeExec()
	s := newTestScheduler(t, exec, nil)

	h1, _ := exec.Spawn("loose", 1, nil)
	// Deadline is longer than the period: each instance may finish while
	// the next is already released.
	tr := mustRegister(t, s, "loose", h1, 200*time.Millisecond, 500*time.Millisecond)

	if got := tr.Deadline(); got != 500*time.Millisecond {
		t.Fatalf("initial deadline = %v, want 500ms", got)
	}
	tr.MarkRelease(time.Second)
	if got := tr.Deadline(); got != 1500*time.Millisecond {
		t.Fatalf("deadline after release = %v, want 1.5s", got)
	}

	h2, _ := exec.Spawn("implicit", 1, nil)
	tr2 := mustRegister(t, s, "implicit", h2, 300*time.Millisecond, 0)
	tr2.MarkRelease(time.Second)
	if got := tr2.Deadline(); got != 1300*time.Millisecond {
		t.Fatalf("zero deadline should fall back to period, got %v", got)
	}
}

func TestPeriodicKeepsFixedGrid(t *testing.T) {
	t.Parallel()
	clk := kernel.NewSimClock()
	rt := kernel.NewRuntime(kernel.Config{Levels: 3}, clk, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	s := New(Config{Levels: 3}, rt, clk, logx.Nop(), nil)

	var cycles atomic.Uint64
	tr, _, err := s.StartPeriodic("grid", 1, 200*time.Millisecond, 200*time.Millisecond,
		func(ctx context.Context) error {
			cycles.Add(1)
			return nil
		})
	if err != nil {
		t.Fatalf("start periodic: %v", err)
	}

	// First release happens immediately, then the task parks until t=200ms.
	waitUntil(t, func() bool { return cycles.Load() == 1 })
	if !clk.AwaitSleepers(1, 2*time.Second) {
		t.Fatal("task never parked for next release")
	}
	if got := tr.Deadline(); got != 200*time.Millisecond {
		t.Fatalf("deadline after first release = %v, want 200ms", got)
	}

	clk.Advance(200 * time.Millisecond)
	waitUntil(t, func() bool { return cycles.Load() == 2 })
	waitUntil(t, func() bool { return tr.Deadline() == 400*time.Millisecond })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}
