// Package batcher coalesces bursts of change events for one channel into a
// single debounced delivery.
package batcher

import (
	"sync"
	"time"

	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/telemetry"
)

// FlushFunc receives one ordered batch.
type FlushFunc func(batch []common.ChangeEvent)

// Batcher holds the pending list for one channel. Every Add re-arms a
// single timer; when it fires the whole list is delivered and cleared.
// Deliveries never overlap and preserve arrival order.
type Batcher struct {
	debounce time.Duration
	clock    clock.Clock
	flush    FlushFunc

	mu      sync.Mutex
	pending []common.ChangeEvent
	timer   clock.Timer
	gen     uint64
	stopped bool

	deliverMu sync.Mutex
}

// New creates a batcher. A non-positive debounce delivers every event
// synchronously as a batch of one.
func New(debounce time.Duration, clk clock.Clock, flush FlushFunc) *Batcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Batcher{debounce: debounce, clock: clk, flush: flush}
}

// Debounce returns the configured quiet period.
func (b *Batcher) Debounce() time.Duration {
	return b.debounce
}

// Add queues ev. Events added after Stop are discarded.
func (b *Batcher) Add(ev common.ChangeEvent) {
	if b.debounce <= 0 {
		b.mu.Lock()
		stopped := b.stopped
		b.mu.Unlock()
		if !stopped {
			b.deliver([]common.ChangeEvent{ev})
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.pending = append(b.pending, ev)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.debounce, func() { b.fire(gen) })
}

// Flush delivers whatever is pending immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	batch := b.take()
	b.mu.Unlock()

	b.deliver(batch)
}

// Pending returns the number of undelivered events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop clears the timer and discards pending events.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.pending = nil
}

func (b *Batcher) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.stopped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	batch := b.take()
	b.mu.Unlock()

	b.deliver(batch)
}

// must hold b.mu
func (b *Batcher) take() []common.ChangeEvent {
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *Batcher) deliver(batch []common.ChangeEvent) {
	if len(batch) == 0 || b.flush == nil {
		return
	}

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	telemetry.BatchSize.Observe(float64(len(batch)))
	b.flush(batch)
}
