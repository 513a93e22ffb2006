package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/livesync/batcher"
	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/telemetry"
	"github.com/maxpert/livesync/transport"
	"github.com/rs/zerolog/log"
)

type subscriber struct {
	id      uint64
	handler Handler
	types   []common.ChangeType
	onError func(error)
}

func (s *subscriber) wants(t common.ChangeType) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, want := range s.types {
		if want == t {
			return true
		}
	}
	return false
}

// channel is the state for one scope key. gen increases on every connect
// so status callbacks from a superseded transport channel are ignored.
type channel struct {
	m       *Manager
	key     string
	entity  string
	scope   common.Scope
	batcher *batcher.Batcher

	mu        sync.Mutex
	state     State
	subs      map[uint64]*subscriber
	conn      transport.Channel
	attempt   int
	gen       uint64
	retry     clock.Timer
	lastEvent time.Time
	closed    bool
}

func newChannel(m *Manager, key, entity string, scope common.Scope, debounce time.Duration) *channel {
	ch := &channel{
		m:      m,
		key:    key,
		entity: entity,
		scope:  scope,
		state:  StateUnsubscribed,
		subs:   make(map[uint64]*subscriber),
	}
	ch.batcher = batcher.New(debounce, m.config.Clock, ch.deliver)
	ch.setStateLocked(StateConnecting)
	return ch
}

// must hold c.mu
func (c *channel) setStateLocked(next State) {
	if c.state == next {
		return
	}
	if c.state != StateUnsubscribed {
		telemetry.ChannelsActive.With(c.state.metricLabel()).Dec()
	}
	if next != StateUnsubscribed {
		telemetry.ChannelsActive.With(next.metricLabel()).Inc()
	}
	log.Debug().Str("scope_key", c.key).Str("from", string(c.state)).Str("to", string(next)).Msg("Channel state changed")
	c.state = next
}

func (c *channel) addSubscriber(sub *subscriber) {
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
}

// removeSubscriber reports whether the channel is now empty.
func (c *channel) removeSubscriber(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	return len(c.subs) == 0
}

func (c *channel) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *channel) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSubscribed
}

func (c *channel) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ScopeKey:          c.key,
		Entity:            c.entity,
		Scope:             c.scope,
		State:             c.state,
		Subscribers:       len(c.subs),
		ReconnectAttempts: c.attempt,
		Debounce:          c.batcher.Debounce(),
		LastEvent:         c.lastEvent,
	}
}

func (c *channel) connect() {
	c.mu.Lock()
	if c.closed || c.state == StateFallbackPolling {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	spec := transport.Spec{Name: c.key, Entity: c.entity, Scope: c.scope}
	conn, err := c.m.config.Transport.Open(c.m.ctx, spec, transport.Handlers{
		OnChange:    c.onChange,
		OnBroadcast: c.onBroadcast,
		OnStatus: func(s transport.Status, err error) {
			if s.Failed() || s == transport.StatusClosed {
				c.failed(gen, err)
			}
		},
	})
	if err != nil {
		c.failed(gen, err)
		return
	}

	// A failure reported from inside Open already armed a retry or fell
	// back to polling; that path owns the channel now.
	c.mu.Lock()
	if c.closed || gen != c.gen || c.retry != nil || c.state == StateFallbackPolling {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if c.attempt > 0 {
		telemetry.ReconnectAttemptsTotal.With("success").Inc()
		log.Info().Str("scope_key", c.key).Int("attempts", c.attempt).Msg("Channel reconnected")
	}
	c.conn = conn
	c.attempt = 0
	c.setStateLocked(StateSubscribed)
	c.mu.Unlock()

	c.m.refreshConnected()
}

// failed handles an open error or a status failure for generation gen.
func (c *channel) failed(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state == StateFallbackPolling || c.retry != nil {
		c.mu.Unlock()
		return
	}

	old := c.conn
	c.conn = nil

	if c.attempt >= c.m.config.MaxReconnectAttempts {
		c.setStateLocked(StateFallbackPolling)
		attempts := c.attempt
		c.mu.Unlock()

		if old != nil {
			old.Close()
		}
		telemetry.ReconnectAttemptsTotal.With("exhausted").Inc()
		log.Error().Err(err).Str("scope_key", c.key).Int("attempts", attempts).
			Msg("Reconnect attempts exhausted, falling back to polling only")
		c.m.refreshConnected()
		c.reportError(fmt.Errorf("%w: %s after %d attempts: %v", ErrTransport, c.key, attempts, err))
		return
	}

	if c.attempt > 0 {
		telemetry.ReconnectAttemptsTotal.With("failed").Inc()
	}
	delay := Backoff(c.attempt, c.m.config.BaseBackoff, c.m.config.MaxBackoff)
	c.attempt++
	c.setStateLocked(StateReconnecting)
	c.retry = c.m.config.Clock.AfterFunc(delay, c.connect)
	attempt := c.attempt
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Warn().Err(err).Str("scope_key", c.key).Int("attempt", attempt).Dur("delay", delay).
		Msg("Channel failed, scheduling reconnect")
	c.m.refreshConnected()
}

func (c *channel) onChange(ev common.ChangeEvent) {
	ev.ScopeKey = c.key
	c.route(ev, true)
}

func (c *channel) onBroadcast(b common.Broadcast) {
	if b.Origin != "" && b.Origin == c.m.config.Origin {
		telemetry.EventsTotal.With(string(common.SourceBroadcast), "own_origin").Inc()
		return
	}
	if b.Entity != "" && b.Entity != c.entity {
		return
	}

	t := b.Type
	if !t.Valid() {
		t = common.ChangeUpdate
	}
	ts := b.Timestamp
	if ts.IsZero() {
		ts = c.m.config.Clock.Now()
	}

	c.route(common.ChangeEvent{
		Entity:    c.entity,
		Type:      t,
		Record:    b.Data,
		Timestamp: ts,
		ScopeKey:  c.key,
		Source:    common.SourceBroadcast,
	}, true)
}

func (c *channel) route(ev common.ChangeEvent, ingest bool) bool {
	source := string(ev.Source)

	if !c.scope.Matches(ev.Record) {
		telemetry.EventsTotal.With(source, "out_of_scope").Inc()
		return false
	}

	if ingest {
		var ok bool
		ev, ok = c.m.config.Ingest(ev)
		if !ok {
			telemetry.EventsTotal.With(source, "dropped").Inc()
			return false
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.lastEvent = c.m.config.Clock.Now()
	c.mu.Unlock()

	telemetry.EventsTotal.With(source, "accepted").Inc()
	c.batcher.Add(ev)
	return true
}

// deliver is the batcher flush callback.
func (c *channel) deliver(batch []common.ChangeEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	now := c.m.config.Clock.Now()
	for _, ev := range batch {
		if !ev.Timestamp.IsZero() {
			telemetry.DeliveryLatencySeconds.Observe(now.Sub(ev.Timestamp).Seconds())
		}
		c.m.config.Hub.Publish(common.EntityTopic(ev.Entity, ev.Type), notify.EntityChange{
			Record:    ev.Record,
			Timestamp: ev.Timestamp,
			Scope:     c.scope,
		})
	}

	for _, s := range subs {
		filtered := batch
		if len(s.types) > 0 {
			filtered = make([]common.ChangeEvent, 0, len(batch))
			for _, ev := range batch {
				if s.wants(ev.Type) {
					filtered = append(filtered, ev)
				}
			}
		}
		if len(filtered) == 0 {
			continue
		}
		c.invoke(s, filtered)
	}
}

func (c *channel) invoke(s *subscriber, batch []common.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("scope_key", c.key).Uint64("subscriber", s.id).
				Msg("Subscriber panicked")
		}
	}()
	s.handler(batch)
}

func (c *channel) reportError(err error) {
	c.mu.Lock()
	handlers := make([]func(error), 0, len(c.subs))
	for _, s := range c.subs {
		if s.onError != nil {
			handlers = append(handlers, s.onError)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func (c *channel) send(ctx context.Context, b common.Broadcast) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, c.key, state)
	}
	return conn.Send(ctx, b)
}

func (c *channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateUnsubscribed)
	c.mu.Unlock()

	c.batcher.Stop()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("scope_key", c.key).Msg("Transport channel close failed")
		}
	}
}
