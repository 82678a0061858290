package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake is a Clock whose time only advances when Advance is called. It lets
// tests exercise timer-driven logic (health-check loops, request timeouts,
// registry sweeps) deterministically and without real sleeps.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	queue timerHeap
	seq   uint64
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	entry := &timerEntry{at: f.now.Add(d), fn: fn, id: f.seq}
	heap.Push(&f.queue, entry)
	return &fakeTimer{clock: f, entry: entry}
}

func (f *Fake) NewTicker(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	entry := &timerEntry{at: f.now.Add(d), fn: fn, id: f.seq, period: d}
	heap.Push(&f.queue, entry)
	return &fakeTimer{clock: f, entry: entry}
}

// Advance moves the fake clock forward by d, firing (in timestamp order)
// every timer and ticker tick whose deadline falls at or before the new
// time. Periodic tickers are rescheduled for their next tick.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	var due []*timerEntry
	for f.queue.Len() > 0 && !f.queue[0].at.After(target) {
		entry := heap.Pop(&f.queue).(*timerEntry)
		if entry.cancelled {
			continue
		}
		due = append(due, entry)
		if entry.period > 0 {
			entry.at = entry.at.Add(entry.period)
			heap.Push(&f.queue, entry)
		}
	}
	f.now = target
	f.mu.Unlock()

	for _, entry := range due {
		entry.fn()
	}
}

type timerEntry struct {
	at        time.Time
	fn        func()
	id        uint64
	period    time.Duration
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type fakeTimer struct {
	clock *Fake
	entry *timerEntry
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasCancelled := t.entry.cancelled
	t.entry.cancelled = true
	return !wasCancelled
}
