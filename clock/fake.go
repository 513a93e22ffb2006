package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock. Timers due during Advance run
// synchronously on the calling goroutine, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	timers  map[uint64]*fakeTimer
	tickers map[uint64]*fakeTicker
}

// NewFake creates a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{
		now:     start,
		timers:  make(map[uint64]*fakeTimer),
		tickers: make(map[uint64]*fakeTicker),
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	t := &fakeTimer{id: f.nextID, clock: f, deadline: f.now.Add(d), fn: fn}
	f.timers[t.id] = t
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	t := &fakeTicker{
		id:       f.nextID,
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers[t.id] = t
	return t
}

// PendingTimers returns the number of armed timers.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves time forward by d, firing every timer and ticker that
// becomes due. Timers armed by fired callbacks are honoured if they fall
// inside the advanced window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		due := f.dueTimers(target)
		if len(due) == 0 {
			f.now = target
			f.fireTickers()
			f.mu.Unlock()
			return
		}
		next := due[0]
		delete(f.timers, next.id)
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		f.fireTickers()
		f.mu.Unlock()

		next.fn()
	}
}

func (f *Fake) dueTimers(target time.Time) []*fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

// must hold f.mu
func (f *Fake) fireTickers() {
	for _, t := range f.tickers {
		for !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
}

type fakeTimer struct {
	id       uint64
	clock    *Fake
	deadline time.Time
	fn       func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

type fakeTicker struct {
	id       uint64
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.tickers, t.id)
}
