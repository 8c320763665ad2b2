package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Recorder copies bus events into the store. It also implements
// logx.Mirror, so the logging service can route warning-level lines here.
//
// Mirror appends that fail are counted, never logged: logging a failure
// would feed the mirror again.
type Recorder struct {
	store Store
	log   logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}

	dropped  atomic.Uint64
	lastWarn int64
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: store,
		log:   log.With(logx.String("task", "journal")),
	}
}

// Start subscribes to the bus and journals every event until Stop or until
// the subscription closes. No-op when the journal is disabled.
func (r *Recorder) Start(bus eventbus.Bus) {
	if r.store == nil || bus == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	r.unsub = unsub
	r.done = make(chan struct{})
	go r.run(ch)
}

func (r *Recorder) run(ch <-chan eventbus.Event) {
	defer close(r.done)
	for e := range ch {
		r.append(Entry{
			ID:      uuid.NewString(),
			At:      e.Time,
			Type:    e.Type,
			Subject: e.Subject,
			Detail:  detailString(e.Data),
		})
	}
}

// Stop unsubscribes and waits for the in-flight drain.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub, done := r.unsub, r.done
	r.unsub, r.done = nil, nil
	r.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	<-done
}

// MirrorLog implements logx.Mirror: mirrored log lines become journal
// entries typed by level ("log.warn", "log.error").
func (r *Recorder) MirrorLog(level logx.Level, msg string, line []byte) {
	_ = msg
	if r.store == nil {
		return
	}
	e := Entry{
		ID:     uuid.NewString(),
		At:     time.Now(),
		Type:   "log." + level.String(),
		Detail: string(line),
	}
	if err := r.store.Append(context.Background(), e); err != nil {
		r.dropped.Add(1)
	}
}

// Dropped is the number of mirror lines lost to append failures.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) append(e Entry) {
	if err := r.store.Append(context.Background(), e); err != nil {
		r.dropped.Add(1)
		if shouldWarn(&r.lastWarn, time.Now()) {
			r.log.Warn("journal append failed", logx.Err(err))
		}
	}
}

func shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

// detailString renders event data compactly: strings pass through,
// everything else becomes JSON.
func detailString(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return v.Error()
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
