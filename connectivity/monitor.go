// Package connectivity reports network reachability. Online tracks whether
// the remote store can be reached at all; it is independent of the health of
// any individual channel.
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livesync/clock"
	"github.com/rs/zerolog/log"
)

// Monitor exposes the current reachability and a stream of transitions.
type Monitor interface {
	Online() bool
	// Watch registers fn for every online/offline transition and returns a
	// cancel function. fn must not block.
	Watch(fn func(online bool)) (cancel func())
}

type watchers struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(bool)
}

func (w *watchers) add(fn func(bool)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[uint64]func(bool))
	}
	w.nextID++
	id := w.nextID
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.fns, id)
		w.mu.Unlock()
	}
}

func (w *watchers) notify(online bool) {
	w.mu.Lock()
	fns := make([]func(bool), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Manual is a Monitor whose state is set explicitly. Tests use it to inject
// transitions; embedding applications use it to forward host signals.
type Manual struct {
	online atomic.Bool
	w      watchers
}

// NewManual creates a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online.Store(online)
	return m
}

func (m *Manual) Online() bool { return m.online.Load() }

func (m *Manual) Watch(fn func(bool)) func() { return m.w.add(fn) }

// Set changes the state and notifies watchers on a transition.
func (m *Manual) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.w.notify(online)
}

// Dialer opens a connection for reachability checks.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Probe checks reachability by dialing a TCP address on an interval.
type Probe struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	dial     Dialer

	online atomic.Bool
	w      watchers

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProbe creates a probe for address. The probe starts optimistic
// (online) until the first check says otherwise.
func NewProbe(address string, interval, timeout time.Duration, clk clock.Clock) *Probe {
	var d net.Dialer
	p := &Probe{
		address:  address,
		interval: interval,
		timeout:  timeout,
		clock:    clk,
		dial:     d.DialContext,
		stopCh:   make(chan struct{}),
	}
	p.online.Store(true)
	return p
}

// WithDialer replaces the dialer; used by tests.
func (p *Probe) WithDialer(d Dialer) *Probe {
	p.dial = d
	return p
}

func (p *Probe) Online() bool { return p.online.Load() }

func (p *Probe) Watch(fn func(bool)) func() { return p.w.add(fn) }

// Check performs a single reachability check and applies the result.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := true
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		online = false
	} else {
		conn.Close()
	}

	if p.online.Swap(online) != online {
		log.Info().
			Str("address", p.address).
			Bool("online", online).
			Err(err).
			Msg("Connectivity changed")
		p.w.notify(online)
	}
	return online
}

// Start begins periodic checks.
func (p *Probe) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts periodic checks.
func (p *Probe) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Probe) loop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(context.Background())
	for {
		select {
		case <-ticker.C():
			p.Check(context.Background())
		case <-p.stopCh:
			return
		}
	}
}
