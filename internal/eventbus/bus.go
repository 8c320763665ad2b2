package eventbus

import (
	"sync"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Publish never blocks: subscribers hand over buffered channels and a
// full buffer drops the event rather than stalling the publisher.
//
// Types in use are dotted, prefix-matchable strings:
//
//	pair.backup_activated  pair.deadline_miss  pair.cycle_failed
//	watchdog.worker_restarted  watchdog.window_missed
//	edf.stale_handle  kernel.task_panic
//	config.reloaded  app.started  app.stopping
//
// Subject names the task/job/worker the event concerns ("" for global
// events). Data should be small and ideally JSON-serializable.
type Event struct {
	Type    string
	Subject string
	Time    time.Time
	Data    any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Walk a snapshot so sends happen outside the lock.
	b.mu.Lock()
	targets := make([]*subscriber, len(b.subs))
	copy(targets, b.subs)
	b.mu.Unlock()

	for _, s := range targets {
		s.offer(e)
	}
}

// offer delivers without blocking. A full buffer drops the event; a
// channel closed by a concurrent unsubscribe is absorbed via recover.
func (s *subscriber) offer(e Event) {
	defer func() { _ = recover() }()
	select {
	case s.ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.drop(s) })
	}
}

// drop removes s from the fanout set and closes its channel so ranging
// consumers terminate.
func (b *fanout) drop(s *subscriber) {
	b.mu.Lock()
	for i := range b.subs {
		if b.subs[i] == s {
			last := len(b.subs) - 1
			b.subs[i], b.subs[last] = b.subs[last], nil
			b.subs = b.subs[:last]
			break
		}
	}
	b.mu.Unlock()
	close(s.ch)
}
