package kernel

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Ensure SimClock implements [heap.Interface].
var _ heap.Interface = (*SimClock)(nil)

// SimClock is a virtual Clock for tests. Time stands still until Advance is
// called; sleeping goroutines park on a wake-time heap and are released in
// wake-time order (FIFO among equal wake times).
//
// Advance releases the waiters that are due at the moment it runs. A
// goroutine released mid-advance that immediately sleeps again is not seen
// until the next call, so tests step time in period-sized increments and use
// AwaitSleepers to line goroutines up between steps.
type SimClock struct {
	mu      sync.Mutex
	now     time.Duration
	waiters []*waiter
	seq     int64
	changed chan struct{} // closed and replaced on every state change
}

type waiter struct {
	wakeAt time.Duration
	seq    int64
	index  int
	ch     chan struct{}
}

func NewSimClock() *SimClock {
	return &SimClock{changed: make(chan struct{})}
}

func (s *SimClock) Len() int { return len(s.waiters) }

func (s *SimClock) Less(i, j int) bool {
	if s.waiters[i].wakeAt != s.waiters[j].wakeAt {
		return s.waiters[i].wakeAt < s.waiters[j].wakeAt
	}
	return s.waiters[i].seq < s.waiters[j].seq
}

func (s *SimClock) Swap(i, j int) {
	s.waiters[i], s.waiters[j] = s.waiters[j], s.waiters[i]
	s.waiters[i].index = i
	s.waiters[j].index = j
}

func (s *SimClock) Push(x any) {
	w := x.(*waiter)
	w.index = len(s.waiters)
	s.waiters = append(s.waiters, w)
}

func (s *SimClock) Pop() any {
	old := s.waiters
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	s.waiters = old[:n-1]
	return w
}

func (s *SimClock) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *SimClock) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	at := s.now + d
	s.mu.Unlock()
	return s.SleepUntil(ctx, at)
}

func (s *SimClock) SleepUntil(ctx context.Context, at time.Duration) error {
	s.mu.Lock()
	if at <= s.now {
		s.mu.Unlock()
		return ctx.Err()
	}
	w := &waiter{wakeAt: at, seq: s.seq, ch: make(chan struct{})}
	s.seq++
	heap.Push(s, w)
	s.broadcast()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		if w.index >= 0 {
			heap.Remove(s, w.index)
			s.broadcast()
		}
		s.mu.Unlock()
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

// Advance moves virtual time forward by d.
func (s *SimClock) Advance(d time.Duration) { s.AdvanceTo(s.Now() + d) }

// AdvanceTo moves virtual time to t, releasing due waiters in wake-time
// order. Time lands exactly on each wake point as its waiters are released,
// then settles at t.
func (s *SimClock) AdvanceTo(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.waiters) > 0 && s.waiters[0].wakeAt <= t {
		w := heap.Pop(s).(*waiter)
		if w.wakeAt > s.now {
			s.now = w.wakeAt
		}
		close(w.ch)
	}
	if t > s.now {
		s.now = t
	}
	s.broadcast()
}

// Sleepers reports how many goroutines are parked on the clock.
func (s *SimClock) Sleepers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// AwaitSleepers blocks (in real time) until at least n goroutines are parked
// on the clock, or the timeout passes. It exists so tests can line up
// concurrent tasks before advancing virtual time.
func (s *SimClock) AwaitSleepers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.waiters) >= n {
			s.mu.Unlock()
			return true
		}
		ch := s.changed
		s.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		t := time.NewTimer(remain)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
			return false
		}
	}
}

// broadcast wakes AwaitSleepers callers. Callers hold s.mu.
func (s *SimClock) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}
