// Package channel owns one transport channel per scope key, fans batched
// change events out to subscribers and drives reconnect with backoff.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/connectivity"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/telemetry"
	"github.com/maxpert/livesync/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseBackoff          = time.Second
	DefaultMaxBackoff           = 30 * time.Second
)

var (
	// ErrTransport wraps channel failures reported to subscribers once a
	// channel gives up reconnecting.
	ErrTransport        = errors.New("channel transport failed")
	ErrEntityNotAllowed = errors.New("entity not allowed")
	ErrNotConnected     = errors.New("channel not connected")
	ErrClosed           = errors.New("channel manager closed")
)

// Handler receives one debounced batch, in arrival order.
type Handler func(batch []common.ChangeEvent)

// Unsubscribe removes one handler. Calling it more than once is a no-op.
type Unsubscribe func()

// IngestFunc runs on every remote event before batching. It may replace
// the event and returns false to drop it.
type IngestFunc func(ev common.ChangeEvent) (common.ChangeEvent, bool)

// Options tune a single subscription.
type Options struct {
	Scope common.Scope
	// Debounce applies only when this subscriber creates the channel.
	// Zero uses the manager default; negative disables batching.
	Debounce   time.Duration
	EventTypes []common.ChangeType
	OnError    func(error)
}

// Config wires a Manager.
type Config struct {
	Transport            transport.Transport
	Hub                  notify.Publisher
	Clock                clock.Clock
	Monitor              connectivity.Monitor
	Filter               *EntityFilter
	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	DefaultDebounce      time.Duration
	// Origin identifies this client on broadcasts; matching broadcasts
	// are ignored.
	Origin string
	Ingest IngestFunc
}

// Info is a point-in-time view of one channel.
type Info struct {
	ScopeKey          string        `json:"scope_key"`
	Entity            string        `json:"entity"`
	Scope             common.Scope  `json:"scope"`
	State             State         `json:"state"`
	Subscribers       int           `json:"subscribers"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	Debounce          time.Duration `json:"debounce"`
	LastEvent         time.Time     `json:"last_event,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	channels  map[string]*channel
	nextSubID uint64
	closed    bool

	connected atomic.Bool
}

// NewManager validates config and returns a manager.
func NewManager(config Config) (*Manager, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("notification hub is required")
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultBaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.Ingest == nil {
		config.Ingest = func(ev common.ChangeEvent) (common.ChangeEvent, bool) { return ev, true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}, nil
}

// Subscribe attaches handler to the channel for (entity, opts.Scope),
// opening it if this is the first subscriber. A transport failure does not
// fail the subscription; the channel reconnects in the background and the
// poller keeps it fresh meanwhile.
func (m *Manager) Subscribe(entity string, handler Handler, opts Options) (Unsubscribe, error) {
	if entity == "" {
		return nil, fmt.Errorf("entity is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if !m.config.Filter.Match(entity) {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotAllowed, entity)
	}

	key := common.ScopeKey(entity, opts.Scope)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	ch, exists := m.channels[key]
	if !exists {
		debounce := opts.Debounce
		if debounce == 0 {
			debounce = m.config.DefaultDebounce
		}
		ch = newChannel(m, key, entity, opts.Scope, debounce)
		m.channels[key] = ch
	}

	m.nextSubID++
	sub := &subscriber{
		id:      m.nextSubID,
		handler: handler,
		types:   opts.EventTypes,
		onError: opts.OnError,
	}
	ch.addSubscriber(sub)
	m.mu.Unlock()

	telemetry.SubscribersActive.Inc()

	if !exists {
		log.Info().
			Str("scope_key", key).
			Dur("debounce", ch.batcher.Debounce()).
			Msg("Opening channel")
		ch.connect()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(ch, sub.id) })
	}, nil
}

func (m *Manager) unsubscribe(ch *channel, subID uint64) {
	m.mu.Lock()
	empty := ch.removeSubscriber(subID)
	if empty && m.channels[ch.key] == ch {
		delete(m.channels, ch.key)
	}
	m.mu.Unlock()

	telemetry.SubscribersActive.Dec()

	if empty {
		log.Info().Str("scope_key", ch.key).Msg("Last subscriber left, closing channel")
		ch.close()
		m.refreshConnected()
	}
}

// Route feeds a remote event through ingest and into the batcher of its
// channel. It returns false when the event was dropped.
func (m *Manager) Route(ev common.ChangeEvent) bool {
	ch := m.lookup(ev.ScopeKey)
	if ch == nil {
		telemetry.EventsTotal.With(string(ev.Source), "no_channel").Inc()
		return false
	}
	return ch.route(ev, true)
}

// FanOut delivers an already-applied local event to the subscribers of its
// channel without running ingest.
func (m *Manager) FanOut(ev common.ChangeEvent) bool {
	ch := m.lookup(ev.ScopeKey)
	if ch == nil {
		return false
	}
	return ch.route(ev, false)
}

// Send publishes a broadcast on the channel for scopeKey.
func (m *Manager) Send(ctx context.Context, scopeKey string, b common.Broadcast) error {
	ch := m.lookup(scopeKey)
	if ch == nil {
		return fmt.Errorf("%w: no channel for %s", ErrNotConnected, scopeKey)
	}
	return ch.send(ctx, b)
}

// ReportError hands err to the OnError callback of every subscriber of
// scopeKey.
func (m *Manager) ReportError(scopeKey string, err error) {
	if ch := m.lookup(scopeKey); ch != nil {
		ch.reportError(err)
	}
}

// Channels returns every open channel sorted by scope key.
func (m *Manager) Channels() []Info {
	m.mu.Lock()
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeKey < out[j].ScopeKey })
	return out
}

// Channel returns the info for one scope key.
func (m *Manager) Channel(scopeKey string) (Info, bool) {
	ch := m.lookup(scopeKey)
	if ch == nil {
		return Info{}, false
	}
	return ch.info(), true
}

// SubscriptionCount returns the number of subscribers across channels.
func (m *Manager) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ch := range m.channels {
		n += ch.subscriberCount()
	}
	return n
}

// Connected reports whether at least one channel is SUBSCRIBED. With no
// channels open it is false.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Close tears down every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	m.cancel()
	for _, ch := range chans {
		ch.close()
	}
	m.refreshConnected()
}

func (m *Manager) lookup(scopeKey string) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[scopeKey]
}

// refreshConnected recomputes Connected from the channel states and
// publishes a connection status when it changes. Callers must not hold any
// channel lock.
func (m *Manager) refreshConnected() {
	m.mu.Lock()
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	connected := false
	for _, ch := range chans {
		if ch.subscribed() {
			connected = true
			break
		}
	}
	if m.connected.Swap(connected) == connected {
		return
	}

	online := true
	if m.config.Monitor != nil {
		online = m.config.Monitor.Online()
	}
	m.config.Hub.Publish(notify.TopicConnectionStatus, notify.ConnectionStatus{
		Online:    online,
		Connected: connected,
	})
}
