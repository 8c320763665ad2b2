package kernel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

// Ensure Runtime implements [Exec].
var _ Exec = (*Runtime)(nil)

// Config sets runtime-wide knobs.
type Config struct {
	// Levels is the number of discrete priority levels (>= 1). Default 3.
	Levels int
}

// Runtime hosts tasks as goroutines and owns the task table. A task that
// returns or panics retires itself; a killed task is removed from the table
// before its goroutine has necessarily unwound, so its handle goes stale at
// the moment Kill returns.
type Runtime struct {
	cfg   Config
	clock Clock
	log   logx.Logger
	bus   eventbus.Bus

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[Handle]*Task
	seq     uint64
	stopped bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	spawned atomic.Uint64
	killed  atomic.Uint64
	panics  atomic.Uint64
}

func NewRuntime(cfg Config, clock Clock, log logx.Logger, bus eventbus.Bus) *Runtime {
	if cfg.Levels <= 0 {
		cfg.Levels = 3
	}
	if clock == nil {
		clock = NewWallClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:        cfg,
		clock:      clock,
		log:        log,
		bus:        bus,
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      map[Handle]*Task{},
		doneCh:     make(chan struct{}),
	}
}

// Levels is the number of discrete priority levels.
func (r *Runtime) Levels() int { return r.cfg.Levels }

// Clock is the substrate time source tasks were wired with.
func (r *Runtime) Clock() Clock { return r.clock }

func (r *Runtime) Spawn(name string, prio Priority, entry TaskFunc) (Handle, error) {
	if entry == nil {
		return 0, fmt.Errorf("spawn: nil entry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrBadName
	}
	if err := r.checkPriority(prio); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", name, err)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return 0, ErrStopped
	}
	r.seq++
	h := Handle(r.seq)
	ctx, cancel := context.WithCancel(r.baseCtx)
	t := &Task{
		rt:      r,
		handle:  h,
		name:    name,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		spawnAt: r.clock.Now(),
		box:     mailbox{signal: make(chan struct{}, 1)},
	}
	t.prio.Store(int32(prio))
	r.tasks[h] = t
	r.wg.Add(1)
	r.mu.Unlock()

	r.spawned.Add(1)
	r.log.Debug("task spawned",
		logx.String("task", name),
		logx.Uint64("handle", uint64(h)),
		logx.Int("priority", int(prio)))

	go r.host(t, entry)
	return h, nil
}

func (r *Runtime) host(t *Task, entry TaskFunc) {
	defer r.wg.Done()
	defer close(t.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.log.Error("task panicked",
				logx.String("task", t.name),
				logx.Uint64("handle", uint64(t.handle)),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
			if r.bus != nil {
				r.bus.Publish(eventbus.Event{Type: "kernel.task_panic", Subject: t.name, Data: fmt.Sprint(rec)})
			}
		}
		r.retire(t)
	}()
	entry(t.ctx, t)
}

// retire drops the task from the table unless Kill already did.
func (r *Runtime) retire(t *Task) {
	r.mu.Lock()
	if r.tasks[t.handle] == t {
		delete(r.tasks, t.handle)
	}
	r.mu.Unlock()
}

func (r *Runtime) Kill(h Handle) error {
	r.mu.Lock()
	t := r.tasks[h]
	if t == nil {
		r.mu.Unlock()
		return ErrStaleHandle
	}
	delete(r.tasks, h)
	r.mu.Unlock()

	t.cancel()
	r.killed.Add(1)
	r.log.Debug("task killed", logx.String("task", t.name), logx.Uint64("handle", uint64(h)))
	return nil
}

func (r *Runtime) SetPriority(h Handle, p Priority) error {
	if err := r.checkPriority(p); err != nil {
		return err
	}
	t := r.lookup(h)
	if t == nil {
		return ErrStaleHandle
	}
	t.prio.Store(int32(p))
	return nil
}

// PriorityOf reads a task's current priority word.
func (r *Runtime) PriorityOf(h Handle) (Priority, error) {
	t := r.lookup(h)
	if t == nil {
		return 0, ErrStaleHandle
	}
	return Priority(t.prio.Load()), nil
}

func (r *Runtime) Notify(h Handle, bits uint32) error {
	t := r.lookup(h)
	if t == nil {
		return ErrStaleHandle
	}
	t.box.post(bits)
	return nil
}

func (r *Runtime) lookup(h Handle) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[h]
}

func (r *Runtime) checkPriority(p Priority) error {
	if p < 1 || int(p) > r.cfg.Levels {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrBadPriority, int(p), r.cfg.Levels)
	}
	return nil
}

// Stop cancels every task and waits for their goroutines, bounded by ctx.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.baseCancel()

	r.doneOnce.Do(func() {
		go func() {
			r.wg.Wait()
			close(r.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return nil
	}
}

// TaskInfo describes one live task.
type TaskInfo struct {
	Handle   Handle        `json:"handle"`
	Name     string        `json:"name"`
	Priority Priority      `json:"priority"`
	Age      time.Duration `json:"age"`
}

// RuntimeSnapshot is a point-in-time view of the task table.
type RuntimeSnapshot struct {
	Now     time.Duration `json:"now"`
	Tasks   []TaskInfo    `json:"tasks"`
	Spawned uint64        `json:"spawned"`
	Killed  uint64        `json:"killed"`
	Panics  uint64        `json:"panics"`
}

func (r *Runtime) Snapshot() RuntimeSnapshot {
	now := r.clock.Now()
	r.mu.Lock()
	infos := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		infos = append(infos, TaskInfo{
			Handle:   t.handle,
			Name:     t.name,
			Priority: Priority(t.prio.Load()),
			Age:      now - t.spawnAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return RuntimeSnapshot{
		Now:     now,
		Tasks:   infos,
		Spawned: r.spawned.Load(),
		Killed:  r.killed.Load(),
		Panics:  r.panics.Load(),
	}
}

// ---- Task ----

// Task is the in-task view of a spawned task: identity plus the owned
// notification mailbox. Entries receive it as their second argument; no one
// else should call WaitBits (the mailbox has exactly one owner).
type Task struct {
	rt      *Runtime
	handle  Handle
	name    string
	spawnAt time.Duration
	prio    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	box mailbox
}

func (t *Task) Handle() Handle { return t.handle }
func (t *Task) Name() string   { return t.name }

// Priority reads the task's own priority word.
func (t *Task) Priority() Priority { return Priority(t.prio.Load()) }

// WaitBits blocks until at least one mailbox bit is pending or timeout
// elapses, whichever is first, then returns the accumulated word and clears
// it. Pending bits return immediately; a zero timeout polls. ok is false on
// timeout or cancellation with nothing pending.
func (t *Task) WaitBits(ctx context.Context, timeout time.Duration) (bits uint32, ok bool) {
	if b := t.box.take(); b != 0 {
		return b, true
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	expired := make(chan struct{})
	go func() {
		if t.rt.clock.Sleep(tctx, timeout) == nil {
			close(expired)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-expired:
			// Bits may have landed while the timer fired.
			if b := t.box.take(); b != 0 {
				return b, true
			}
			return 0, false
		case <-t.box.signal:
			if b := t.box.take(); b != 0 {
				return b, true
			}
		}
	}
}

// mailbox is a single-owner notification word. Posts OR bits in and nudge
// the signal channel; take drains atomically.
type mailbox struct {
	mu     sync.Mutex
	bits   uint32
	signal chan struct{} // cap 1
}

func (m *mailbox) post(bits uint32) {
	if bits == 0 {
		return
	}
	m.mu.Lock()
	m.bits |= bits
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() uint32 {
	m.mu.Lock()
	b := m.bits
	m.bits = 0
	m.mu.Unlock()
	return b
}
