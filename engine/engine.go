// Package engine wires the sync components together: remote events flow
// through duplicate suppression, conflict handling and the cache before they
// reach subscribers, and local mutations are applied optimistically before
// they are persisted and broadcast.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/livesync/cache"
	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/conflict"
	"github.com/maxpert/livesync/connectivity"
	"github.com/maxpert/livesync/eventlog"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/persistence"
	"github.com/maxpert/livesync/poller"
	"github.com/maxpert/livesync/retry"
	"github.com/maxpert/livesync/telemetry"
	"github.com/maxpert/livesync/transport"
	"github.com/maxpert/livesync/watermark"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const DefaultDedupWindow = 4096

var (
	// ErrPersistence is returned by Mutate when the remote write failed. The
	// optimistic state is kept and the write is queued for retry.
	ErrPersistence = errors.New("persistence failed")
	ErrNoEventLog  = errors.New("event log not configured")
	ErrInvalid     = errors.New("invalid mutation")
)

// RecordValidator checks a record before it is written.
type RecordValidator interface {
	Validate(entity string, record common.Record) error
}

// Config wires an Engine. Transport and Store are required.
type Config struct {
	Transport  transport.Transport
	Store      persistence.Store
	Watermarks watermark.Store
	EventLog   *eventlog.Log
	Hub        *notify.Hub
	Clock      clock.Clock
	Monitor    connectivity.Monitor
	Origin     string
	Validator  RecordValidator

	Entities             *channel.EntityFilter
	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	DefaultDebounce      time.Duration

	Cache            cache.Options
	CacheStrategy    cache.Strategy
	ConflictWindow   time.Duration
	ConflictStrategy conflict.Strategy
	DedupWindow      int
	RetryMaxAttempts int
	RetryDrainDelay  time.Duration

	PollInterval    time.Duration
	PollLimiter     *rate.Limiter
	DisablePolling  bool
	MetricsInterval time.Duration
}

// Mutation is one local write.
type Mutation struct {
	Entity string
	Type   common.ChangeType
	Record common.Record
	Scope  common.Scope
}

// Receipt describes an applied mutation. Retry is set only when the remote
// write failed and was queued.
type Receipt struct {
	Seq   uint64
	Event common.ChangeEvent
	Retry *future.Future[int]
}

// Status is a point-in-time summary of the engine.
type Status struct {
	Origin        string `json:"origin"`
	Online        bool   `json:"online"`
	Connected     bool   `json:"connected"`
	Channels      int    `json:"channels"`
	Subscriptions int    `json:"subscriptions"`
	CacheSize     int    `json:"cache_size"`
	RetryDepth    int    `json:"retry_depth"`
	EventLogSeq   uint64 `json:"event_log_seq"`
}

// Engine is safe for concurrent use.
type Engine struct {
	config Config

	cache    *cache.Store
	detector *conflict.Detector
	resolver *conflict.Resolver
	// versions remembers the outcome of each processed record version so
	// every channel on the entity shares one detect-resolve-write pass.
	// deliveries remembers which scope key already received a version.
	versions   *lru.Cache[uint64, verdict]
	deliveries *lru.Cache[uint64, struct{}]
	channels   *channel.Manager
	retries    *retry.Queue
	poller     *poller.Poller
	reporter   *telemetry.Reporter

	// applyMu serialises detect-resolve-write against the cache.
	applyMu sync.Mutex

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	unwatch     []func()
}

// New validates config and builds every component.
func New(config Config) (*Engine, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("persistence store is required")
	}
	if config.Hub == nil {
		config.Hub = notify.NewHub()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Monitor == nil {
		config.Monitor = connectivity.NewManual(true)
	}
	if config.Watermarks == nil {
		config.Watermarks = watermark.NewMemoryStore()
	}
	if config.CacheStrategy == "" {
		config.CacheStrategy = cache.Conservative
	}
	if config.ConflictStrategy == "" {
		config.ConflictStrategy = conflict.NewestWins
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = DefaultDedupWindow
	}

	e := &Engine{config: config}

	cacheOpts := config.Cache
	cacheOpts.Clock = config.Clock
	store, err := cache.NewStore(cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	e.cache = store

	e.detector = conflict.NewDetector(store, config.ConflictWindow, config.Clock)
	e.resolver = conflict.NewResolver(config.Hub)

	e.versions, err = lru.New[uint64, verdict](config.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("dedup window: %w", err)
	}
	e.deliveries, err = lru.New[uint64, struct{}](config.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("dedup window: %w", err)
	}

	e.channels, err = channel.NewManager(channel.Config{
		Transport:            config.Transport,
		Hub:                  config.Hub,
		Clock:                config.Clock,
		Monitor:              config.Monitor,
		Filter:               config.Entities,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
		BaseBackoff:          config.BaseBackoff,
		MaxBackoff:           config.MaxBackoff,
		DefaultDebounce:      config.DefaultDebounce,
		Origin:               config.Origin,
		Ingest:               e.ingest,
	})
	if err != nil {
		return nil, fmt.Errorf("channel manager: %w", err)
	}

	e.retries, err = retry.NewQueue(retry.Config{
		MaxAttempts: config.RetryMaxAttempts,
		Hub:         config.Hub,
		Clock:       config.Clock,
		Online:      config.Monitor.Online,
		DrainDelay:  config.RetryDrainDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("retry queue: %w", err)
	}

	if !config.DisablePolling {
		e.poller, err = poller.New(poller.Config{
			Channels:   e.channels,
			Store:      config.Store,
			Watermarks: config.Watermarks,
			Hub:        config.Hub,
			Clock:      config.Clock,
			Interval:   config.PollInterval,
			Limiter:    config.PollLimiter,
		})
		if err != nil {
			return nil, fmt.Errorf("poller: %w", err)
		}
	}

	e.reporter = telemetry.NewReporter(telemetry.ReporterConfig{
		Source:   e,
		Hub:      config.Hub,
		Clock:    config.Clock,
		Interval: config.MetricsInterval,
	})

	return e, nil
}

// Hub returns the notification hub observers subscribe to.
func (e *Engine) Hub() *notify.Hub {
	return e.config.Hub
}

// Start launches the background loops.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running || e.stopped {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.unwatch = append(e.unwatch,
		e.config.Monitor.Watch(e.onConnectivity),
		e.config.Hub.On(notify.TopicPollingError, func(notify.Event) {
			e.reporter.Stats().RecordError()
		}),
		e.config.Hub.On(notify.TopicRetryFailed, func(notify.Event) {
			e.reporter.Stats().RecordError()
		}),
	)

	e.cache.Start()
	if e.poller != nil {
		if err := e.poller.Start(); err != nil {
			e.cache.Stop()
			return err
		}
	}
	e.reporter.Start()
	e.running = true

	log.Info().
		Str("origin", e.config.Origin).
		Bool("polling", e.poller != nil).
		Str("conflict_strategy", string(e.config.ConflictStrategy)).
		Msg("Sync engine started")
	return nil
}

// Stop halts background loops and closes every channel. The event log and
// persistence store belong to the caller.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running {
		e.channels.Close()
		return
	}
	e.running = false
	e.stopped = true

	for _, fn := range e.unwatch {
		fn()
	}
	e.unwatch = nil
	e.cancel()

	e.reporter.Stop()
	e.retries.Stop()
	if e.poller != nil {
		e.poller.Stop()
	}
	e.cache.Stop()
	e.channels.Close()
	log.Info().Msg("Sync engine stopped")
}

func (e *Engine) onConnectivity(online bool) {
	e.config.Hub.Publish(notify.TopicConnectionStatus, notify.ConnectionStatus{
		Online:    online,
		Connected: e.channels.Connected(),
	})
	if !online {
		log.Warn().Msg("Went offline, holding writes in the retry queue")
		return
	}

	ctx := e.ctx
	go func() {
		res := e.retries.Drain(ctx)
		log.Info().
			Int("succeeded", res.Succeeded).
			Int("dropped", res.Dropped).
			Int("remaining", res.Remaining).
			Msg("Back online, retry queue drained")
	}()
}

// Subscribe attaches handler to the channel for entity and opts.Scope.
func (e *Engine) Subscribe(entity string, handler channel.Handler, opts channel.Options) (channel.Unsubscribe, error) {
	return e.channels.Subscribe(entity, handler, opts)
}

// Get reads a record from the local view.
func (e *Engine) Get(entity, id string) (common.Record, bool) {
	return e.cache.Get(cache.Key(entity, id))
}

// Poll runs one poll pass over every channel.
func (e *Engine) Poll(ctx context.Context) (poller.Result, error) {
	if e.poller == nil {
		return poller.Result{}, fmt.Errorf("polling disabled")
	}
	return e.poller.PollOnce(ctx)
}

// DrainRetries runs the retry queue now.
func (e *Engine) DrainRetries(ctx context.Context) retry.DrainResult {
	return e.retries.Drain(ctx)
}

// Replay calls fn for every logged local mutation after seq.
func (e *Engine) Replay(after uint64, fn func(eventlog.Entry) error) error {
	if e.config.EventLog == nil {
		return ErrNoEventLog
	}
	return e.config.EventLog.Replay(after, fn)
}

// Channels lists open channels.
func (e *Engine) Channels() []channel.Info {
	return e.channels.Channels()
}

// Channel returns the info for one scope key.
func (e *Engine) Channel(scopeKey string) (channel.Info, bool) {
	return e.channels.Channel(scopeKey)
}

// Events reads up to limit logged mutations after seq.
func (e *Engine) Events(after uint64, limit int) ([]eventlog.Entry, error) {
	if e.config.EventLog == nil {
		return nil, ErrNoEventLog
	}
	return e.config.EventLog.ReadFrom(after, limit)
}

// Metrics returns the last collected snapshot, collecting one if none exists.
func (e *Engine) Metrics() telemetry.MetricsSnapshot {
	snap := e.reporter.Snapshot()
	if snap.CollectedAt.IsZero() {
		return e.reporter.Collect()
	}
	return snap
}

// CollectMetrics forces a fresh snapshot.
func (e *Engine) CollectMetrics() telemetry.MetricsSnapshot {
	return e.reporter.Collect()
}

// Status summarises the engine.
func (e *Engine) Status() Status {
	s := Status{
		Origin:        e.config.Origin,
		Online:        e.Online(),
		Connected:     e.Connected(),
		Channels:      len(e.channels.Channels()),
		Subscriptions: e.channels.SubscriptionCount(),
		CacheSize:     e.cache.Len(),
		RetryDepth:    e.retries.Len(),
	}
	if e.config.EventLog != nil {
		s.EventLogSeq = e.config.EventLog.LastSeq()
	}
	return s
}

// CacheStats implements telemetry.Source.
func (e *Engine) CacheStats() (int, float64) {
	stats := e.cache.Stats()
	return stats.Size, stats.HitRate()
}

// ConflictResolutions implements telemetry.Source.
func (e *Engine) ConflictResolutions() uint64 {
	return e.resolver.Resolutions()
}

// SubscriptionCount implements telemetry.Source.
func (e *Engine) SubscriptionCount() int {
	return e.channels.SubscriptionCount()
}

// Online implements telemetry.Source.
func (e *Engine) Online() bool {
	return e.config.Monitor.Online()
}

// Connected implements telemetry.Source.
func (e *Engine) Connected() bool {
	return e.channels.Connected()
}

// versionKey identifies one version of one record. Inserts and updates share
// a class so a local insert matches its polled echo.
func versionKey(ev common.ChangeEvent) (string, bool) {
	id := ev.Record.ID()
	ts, ok := ev.Record.UpdatedAt()
	if id == "" || !ok {
		return "", false
	}
	class := "upsert"
	if ev.Type == common.ChangeDelete {
		class = "delete"
	}
	return ev.Entity + "\x00" + id + "\x00" + class + "\x00" + strconv.FormatInt(ts.UnixMilli(), 10), true
}

func deliveryKey(version, scopeKey string) uint64 {
	return xxhash.Sum64String(version + "\x00" + scopeKey)
}

// remember records a local mutation as processed and as delivered to its own
// scope, so echoes of it are never flagged as conflicts.
func (e *Engine) remember(ev common.ChangeEvent) {
	vk, ok := versionKey(ev)
	if !ok {
		return
	}
	e.versions.Add(xxhash.Sum64String(vk), verdict{event: ev, deliver: true})
	e.deliveries.Add(deliveryKey(vk, ev.ScopeKey), struct{}{})
}
